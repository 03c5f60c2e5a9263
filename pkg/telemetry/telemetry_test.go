package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestStartFromFinish(t *testing.T) {
	ctx, tr := Start(context.Background(), "federation.send")
	if tr == nil || tr.Op != "federation.send" {
		t.Fatalf("trace: %+v", tr)
	}
	if From(ctx) != tr {
		t.Fatal("trace not bound to context")
	}
	done := tr.StartSpan("vm.eval", map[string]any{"n": 1})
	time.Sleep(time.Millisecond)
	done()
	tr.Finish(200)
	if tr.Status != 200 || tr.Duration < 0 {
		t.Fatalf("finish: %+v", tr)
	}
}

func TestFromMissing(t *testing.T) {
	if From(context.Background()) != nil {
		t.Fatal("unexpected trace on bare context")
	}
}

func TestNilTraceIsSafe(t *testing.T) {
	var tr *Telemetry
	done := tr.StartSpan("noop", nil)
	done()
	tr.Finish(500)
}
