package fetch

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hearth/pkg/fed"
	"hearth/pkg/id"
	"hearth/pkg/logger"
)

type testSigner struct {
	priv ed25519.PrivateKey
}

func (s *testSigner) Origin() string         { return "origin.test" }
func (s *testSigner) KeyID() string          { return "ed25519:0" }
func (s *testSigner) Sign(msg []byte) []byte { return ed25519.Sign(s.priv, msg) }

func newClient(t *testing.T, servers map[string]*httptest.Server) *fed.Client {
	t.Helper()
	logger.Init()
	signer := &testSigner{priv: ed25519.NewKeyFromSeed(bytes.Repeat([]byte{5}, ed25519.SeedSize))}
	// each httptest server carries its own self-signed cert; one client
	// must reach them all
	hc := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	client := fed.NewClient(signer, hc)
	for name, srv := range servers {
		client.SetStaticResolution(name, strings.TrimPrefix(srv.URL, "https://"))
	}
	return client
}

func TestOriginRotation(t *testing.T) {
	badCalls := 0
	bad := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"origin":"good.test","origin_server_ts":1,"pdus":[{"type":"m.room.message"}]}`))
	}))
	defer good.Close()

	client := newClient(t, map[string]*httptest.Server{"bad.test": bad, "good.test": good})

	eng := New(client, func(context.Context, id.ID) []string {
		return []string{"bad.test", "good.test"}
	}, 4)

	res, err := eng.Fetch(context.Background(), &Request{
		Op:      OpEvent,
		RoomID:  "!r:z",
		EventID: "$e:z",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.PDUs) != 1 {
		t.Fatalf("pdus: %d", len(res.PDUs))
	}
	if badCalls == 0 {
		t.Fatal("first origin was never tried")
	}
	if res.Req.Origin != "good.test" {
		t.Fatalf("final origin: %q", res.Req.Origin)
	}
	if _, tried := res.Req.Attempted["bad.test"]; !tried {
		t.Fatalf("attempted set: %v", res.Req.Attempted)
	}
	if len(eng.Pending()) != 0 {
		t.Fatalf("pending after completion: %v", eng.Pending())
	}
}

func TestExhausted(t *testing.T) {
	bad := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	client := newClient(t, map[string]*httptest.Server{"bad.test": bad})
	eng := New(client, func(context.Context, id.ID) []string {
		return []string{"bad.test"}
	}, 4)

	_, err := eng.Fetch(context.Background(), &Request{Op: OpEvent, RoomID: "!r:z", EventID: "$e:z"})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("want fetch_exhausted, got %v", err)
	}
}

func TestTerminalNotFound(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"gone"}`))
	}))
	defer srv.Close()

	client := newClient(t, map[string]*httptest.Server{"a.test": srv, "b.test": srv})
	calls := 0
	eng := New(client, func(context.Context, id.ID) []string {
		calls++
		return []string{"a.test", "b.test"}
	}, 4)

	_, err := eng.Fetch(context.Background(), &Request{Op: OpEvent, RoomID: "!r:z", EventID: "$e:z"})
	var me *fed.MatrixError
	if !errors.As(err, &me) || me.Code != "M_NOT_FOUND" {
		t.Fatalf("terminal error not surfaced: %v", err)
	}
}

func TestRecentFailureSkipped(t *testing.T) {
	bad := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"origin":"good.test","origin_server_ts":1,"pdus":[{}]}`))
	}))
	defer good.Close()

	client := newClient(t, map[string]*httptest.Server{"bad.test": bad, "good.test": good})
	eng := New(client, func(context.Context, id.ID) []string {
		return []string{"bad.test", "good.test"}
	}, 4)

	ctx := context.Background()
	if _, err := eng.Fetch(ctx, &Request{Op: OpEvent, RoomID: "!r:z", EventID: "$e1:z"}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// the second fetch skips the recently failed origin entirely
	res, err := eng.Fetch(ctx, &Request{Op: OpEvent, RoomID: "!r:z", EventID: "$e2:z"})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if _, tried := res.Req.Attempted["bad.test"]; tried {
		t.Fatalf("cooled-down origin was retried: %v", res.Req.Attempted)
	}
}
