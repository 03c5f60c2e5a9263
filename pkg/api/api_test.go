package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/fed"
	"hearth/pkg/id"
	"hearth/pkg/keys"
	"hearth/pkg/logger"
	"hearth/pkg/vm"
)

type harness struct {
	deps Deps
	ring *keys.Ring
	srv  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger.Init()
	d, err := dbs.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ring := keys.NewRingFromSeed("x", bytes.Repeat([]byte{6}, ed25519.SeedSize))
	kc := keys.NewCache(d, ring, nil)
	m := vm.New(d, ring, kc, nil, nil)
	deps := Deps{VM: m, DBS: d, Keys: kc, Version: "test"}
	srv := httptest.NewServer(Router(deps))
	t.Cleanup(srv.Close)
	return &harness{deps: deps, ring: ring, srv: srv}
}

func strp(s string) *string { return &s }

func (h *harness) sign(t *testing.T, e *event.Event) *event.Event {
	t.Helper()
	require.NoError(t, e.SetContentHash())
	require.NoError(t, e.Sign("x", h.ring.KeyID(), h.ring.Private()))
	return e
}

func (h *harness) createEvent(t *testing.T) *event.Event {
	e := &event.Event{
		Type:           "m.room.create",
		StateKey:       strp(""),
		RoomID:         "!r:x",
		Sender:         "@alice:x",
		Origin:         "x",
		OriginServerTS: 1,
		Depth:          1,
		EventID:        "$create:x",
		Content:        json.RawMessage(`{"creator":"@alice:x","room_version":"1"}`),
		PrevEvents:     []event.Ref{},
		AuthEvents:     []event.Ref{},
	}
	e.SetTupleRefs(true)
	return h.sign(t, e)
}

func TestSendTransaction(t *testing.T) {
	h := newHarness(t)
	create := h.createEvent(t)

	txn := fed.Transaction{
		Origin:         "x",
		OriginServerTS: 1,
		PDUs:           []json.RawMessage{create.JSON()},
	}
	body, err := json.Marshal(txn)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, h.srv.URL+"/_matrix/federation/v1/send/txn1", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		PDUs map[string]map[string]string `json:"pdus"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out.PDUs, "$create:x")
	require.Empty(t, out.PDUs["$create:x"]["error"])

	// the event is stored
	_, _, err = h.deps.DBS.FetchByID(id.ID("$create:x"))
	require.NoError(t, err)
}

func TestSendRejectsOversizedTxn(t *testing.T) {
	h := newHarness(t)
	pdus := make([]json.RawMessage, fed.MaxPDUsPerTxn+1)
	for i := range pdus {
		pdus[i] = json.RawMessage(`{}`)
	}
	body, _ := json.Marshal(fed.Transaction{Origin: "x", PDUs: pdus})
	req, _ := http.NewRequest(http.MethodPut, h.srv.URL+"/_matrix/federation/v1/send/txn2", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventEndpoint(t *testing.T) {
	h := newHarness(t)
	create := h.createEvent(t)
	res := h.deps.VM.Eval(context.Background(), create, vm.Opts{})
	require.Equal(t, vm.Accepted, res.Status)

	resp, err := http.Get(h.srv.URL + "/_matrix/federation/v1/event/" + "$create:x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var txn fed.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&txn))
	require.Len(t, txn.PDUs, 1)

	// unknown ids map to M_NOT_FOUND
	resp2, err := http.Get(h.srv.URL + "/_matrix/federation/v1/event/" + "$nope:x")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
	var me struct {
		Code string `json:"errcode"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&me))
	require.Equal(t, "M_NOT_FOUND", me.Code)
}

func TestServerKeysEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/_matrix/key/v2/server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc struct {
		ServerName string                       `json:"server_name"`
		VerifyKeys map[string]map[string]string `json:"verify_keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, "x", doc.ServerName)
	require.Contains(t, doc.VerifyKeys, "ed25519:0")
}

func TestStateEndpoint(t *testing.T) {
	h := newHarness(t)
	create := h.createEvent(t)
	require.Equal(t, vm.Accepted, h.deps.VM.Eval(context.Background(), create, vm.Opts{}).Status)

	resp, err := http.Get(h.srv.URL + "/_matrix/federation/v1/state/" + "!r:x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out fed.RoomStateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.PDUs, 1)
}

func TestVersionEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/_matrix/federation/v1/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Server struct {
			Name string `json:"name"`
		} `json:"server"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "hearth", out.Server.Name)
}
