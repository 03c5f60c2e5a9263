package fed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"hearth/pkg/cjson"
)

type testSigner struct {
	priv ed25519.PrivateKey
}

func newTestSigner() *testSigner {
	return &testSigner{priv: ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))}
}

func (s *testSigner) Origin() string         { return "origin.test" }
func (s *testSigner) KeyID() string          { return "ed25519:0" }
func (s *testSigner) Sign(msg []byte) []byte { return ed25519.Sign(s.priv, msg) }

// parseXMatrix splits the header into its key="value" fields.
func parseXMatrix(t *testing.T, hdr string) map[string]string {
	t.Helper()
	if !strings.HasPrefix(hdr, "X-Matrix ") {
		t.Fatalf("authorization scheme: %q", hdr)
	}
	out := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(hdr, "X-Matrix "), ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			t.Fatalf("malformed field %q", part)
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

func TestXMatrixSigningRoundTrip(t *testing.T) {
	signer := newTestSigner()
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = readAll(r)
		_, _ = w.Write([]byte(`{"pdus":{}}`))
	}))
	defer srv.Close()

	client := NewClient(signer, srv.Client())
	client.SetStaticResolution("dest.test", strings.TrimPrefix(srv.URL, "https://"))

	txn := Transaction{Origin: "origin.test", OriginServerTS: 1, PDUs: []json.RawMessage{[]byte(`{"a":1}`)}}
	if _, err := client.Send(context.Background(), "dest.test", "txn1", txn); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fields := parseXMatrix(t, gotAuth)
	if fields["origin"] != "origin.test" || fields["destination"] != "dest.test" || fields["key"] != "ed25519:0" {
		t.Fatalf("header fields: %v", fields)
	}

	// re-verify the signature over (method, uri, origin, destination, content)
	obj := map[string]any{
		"method":      "PUT",
		"uri":         "/_matrix/federation/v1/send/txn1",
		"origin":      "origin.test",
		"destination": "dest.test",
		"content":     json.RawMessage(gotBody),
	}
	canon, err := cjson.Marshal(obj)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig, err := base64.RawStdEncoding.DecodeString(fields["sig"])
	if err != nil {
		t.Fatalf("sig decode: %v", err)
	}
	pub := signer.priv.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, canon, sig) {
		t.Fatal("X-Matrix signature does not verify")
	}
}

func readAll(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func TestMatrixErrorMapping(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"nope"}`))
	}))
	defer srv.Close()

	client := NewClient(newTestSigner(), srv.Client())
	client.SetStaticResolution("dest.test", strings.TrimPrefix(srv.URL, "https://"))

	_, err := client.Event(context.Background(), "dest.test", "$missing:z")
	if err == nil {
		t.Fatal("expected error")
	}
	me, ok := err.(*MatrixError)
	if !ok || me.Code != "M_NOT_FOUND" || me.Status != http.StatusNotFound {
		t.Fatalf("error mapping: %v", err)
	}
}

func TestBackfillQueryShape(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"origin":"dest.test","origin_server_ts":1,"pdus":[]}`))
	}))
	defer srv.Close()

	client := NewClient(newTestSigner(), srv.Client())
	client.SetStaticResolution("dest.test", strings.TrimPrefix(srv.URL, "https://"))

	_, err := client.Backfill(context.Background(), "dest.test", "!r:z", []string{"$a:z", "$b:z"}, 32)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if gotPath != "/_matrix/federation/v1/backfill/"+url.PathEscape("!r:z") {
		t.Fatalf("path: %q", gotPath)
	}
	q, _ := url.ParseQuery(gotQuery)
	if q.Get("limit") != "32" || len(q["v"]) != 2 {
		t.Fatalf("query: %q", gotQuery)
	}
}

// Per-destination transaction order: a second txn is not formed until
// the first completed.
func TestSenderOrdering(t *testing.T) {
	var mu sync.Mutex
	var seen [][]string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := readAll(r)
		var txn Transaction
		_ = json.Unmarshal(body, &txn)
		var ids []string
		for _, p := range txn.PDUs {
			var e struct {
				EventID string `json:"event_id"`
			}
			_ = json.Unmarshal(p, &e)
			ids = append(ids, e.EventID)
		}
		mu.Lock()
		seen = append(seen, ids)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"pdus":{}}`))
	}))
	defer srv.Close()

	client := NewClient(newTestSigner(), srv.Client())
	client.SetStaticResolution("dest.test", strings.TrimPrefix(srv.URL, "https://"))
	sender := NewSender(client)

	const n = 60
	for i := 0; i < n; i++ {
		pdu, _ := json.Marshal(map[string]any{"event_id": "$" + string(rune('a'+i%26)) + ":z", "i": i})
		sender.Enqueue(pdu, []string{"dest.test"})
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		total := 0
		for _, txn := range seen {
			total += len(txn)
		}
		mu.Unlock()
		if total >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pdus not delivered in time: %d/%d", total, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sender.Close()

	mu.Lock()
	defer mu.Unlock()
	for _, txn := range seen {
		if len(txn) > MaxPDUsPerTxn {
			t.Fatalf("transaction exceeds pdu cap: %d", len(txn))
		}
	}
}
