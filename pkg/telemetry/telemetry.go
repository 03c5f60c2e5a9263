// Package telemetry captures low-overhead request traces around the
// federation surface. By default only slow requests are logged; full
// spans are recorded for a very small sample.
package telemetry

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"hearth/pkg/state"
)

type ctxKeyType struct{}

var (
	writerOnce    sync.Once
	writerCh      chan []byte
	requestCtr    uint64
	spanCtr       uint64
	sampleRate    = 0.001
	slowThreshold = 200 * time.Millisecond
)

// Span is a step relative to request start, in milliseconds.
type Span struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parent_id,omitempty"`
	Op       string         `json:"op"`
	StartMs  int64          `json:"start_ms"`
	Duration int64          `json:"duration_ms"`
	Data     map[string]any `json:"data,omitempty"`
}

// Telemetry holds one request's trace.
type Telemetry struct {
	RequestID string `json:"request_id"`
	Op        string `json:"op"`
	StartMs   int64  `json:"start_ms"`
	Duration  int64  `json:"duration_ms"`
	Status    int    `json:"status"`
	Spans     []Span `json:"spans,omitempty"`

	startTime time.Time
	sampled   bool
	mu        sync.Mutex
	spanStack []string
}

// initWriter lazily starts a background writer appending JSON lines to
// <state>/telemetry/telemetry.jsonl.
func initWriter() {
	writerCh = make(chan []byte, 1024)
	go func() {
		dir := filepath.Join("state", "telemetry")
		if state.PathsVar.Tmp != "" {
			dir = filepath.Join(filepath.Dir(state.PathsVar.Tmp), "telemetry")
		}
		_ = os.MkdirAll(dir, 0o755)
		f, err := os.OpenFile(filepath.Join(dir, "telemetry.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		for b := range writerCh {
			_, _ = f.Write(append(b, '\n'))
		}
	}()
}

// Start begins a trace for op and binds it to the context.
func Start(ctx context.Context, op string) (context.Context, *Telemetry) {
	t := &Telemetry{
		RequestID: requestID(),
		Op:        op,
		StartMs:   time.Now().UnixMilli(),
		startTime: time.Now(),
		sampled:   rand.Float64() < sampleRate,
	}
	return context.WithValue(ctx, ctxKeyType{}, t), t
}

// From returns the bound trace, or nil.
func From(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(ctxKeyType{}).(*Telemetry)
	return t
}

// StartSpan records a sub-operation when the request is sampled; the
// returned func closes the span.
func (t *Telemetry) StartSpan(op string, data map[string]any) func() {
	if t == nil || !t.sampled {
		return func() {}
	}
	start := time.Now()
	sid := spanID()
	t.mu.Lock()
	parent := ""
	if len(t.spanStack) > 0 {
		parent = t.spanStack[len(t.spanStack)-1]
	}
	t.spanStack = append(t.spanStack, sid)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if n := len(t.spanStack); n > 0 && t.spanStack[n-1] == sid {
			t.spanStack = t.spanStack[:n-1]
		}
		t.Spans = append(t.Spans, Span{
			ID:       sid,
			ParentID: parent,
			Op:       op,
			StartMs:  start.UnixMilli() - t.StartMs,
			Duration: time.Since(start).Milliseconds(),
			Data:     data,
		})
	}
}

// Finish closes the trace. Slow or sampled requests are persisted.
func (t *Telemetry) Finish(status int) {
	if t == nil {
		return
	}
	t.Status = status
	t.Duration = time.Since(t.startTime).Milliseconds()
	if !t.sampled && time.Since(t.startTime) < slowThreshold {
		return
	}
	writerOnce.Do(initWriter)
	if b, err := json.Marshal(t); err == nil {
		select {
		case writerCh <- b:
		default:
		}
	}
}

func requestID() string {
	return "r" + itoa(atomic.AddUint64(&requestCtr, 1))
}

func spanID() string {
	return "s" + itoa(atomic.AddUint64(&spanCtr, 1))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
