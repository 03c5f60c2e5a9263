package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"hearth/pkg/fed"
	"hearth/pkg/id"
	"hearth/pkg/logger"
	"hearth/pkg/room"
	"hearth/pkg/store"
	"hearth/pkg/telemetry"
	"hearth/pkg/utils"
	"hearth/pkg/vm"
)

// maxRequestSize caps inbound federation bodies.
const maxRequestSize = 16 * 1024 * 1024

func (d Deps) version(w http.ResponseWriter, _ *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"server": map[string]string{"name": "hearth", "version": d.Version},
	})
}

// send handles PUT /send/{txnID}: up to 50 PDUs and 100 EDUs, mapping
// per-event results to {event_id: {error?}}.
func (d Deps) send(w http.ResponseWriter, r *http.Request) {
	ctx, trace := telemetry.Start(r.Context(), "federation.send")
	r = r.WithContext(ctx)
	status := http.StatusOK
	defer func() { trace.Finish(status) }()

	txnID := mux.Vars(r)["txnID"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		status = http.StatusBadRequest
		utils.JSONError(w, status, "M_UNKNOWN", "unreadable body")
		return
	}
	var txn fed.Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		status = http.StatusBadRequest
		utils.JSONError(w, status, "M_BAD_JSON", "malformed transaction")
		return
	}
	if len(txn.PDUs) > fed.MaxPDUsPerTxn || len(txn.EDUs) > fed.MaxEDUsPerTxn {
		status = http.StatusBadRequest
		utils.JSONError(w, status, "M_TOO_LARGE", "transaction exceeds size caps")
		return
	}
	logger.Info("federation_txn_received", "txn", txnID, "origin", txn.Origin, "pdus", len(txn.PDUs), "edus", len(txn.EDUs))

	results := map[string]map[string]string{}
	for _, raw := range txn.PDUs {
		done := trace.StartSpan("vm.eval", nil)
		res := d.VM.EvalRaw(r.Context(), raw, vm.Opts{})
		done()
		entry := map[string]string{}
		if res.Status == vm.Rejected {
			// internal reason text stays internal
			entry["error"] = "rejected at " + string(res.Phase)
		}
		if res.EventID != "" {
			results[string(res.EventID)] = entry
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"pdus": results})
}

func (d Deps) event(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventID"]
	e, _, err := d.DBS.FetchByID(id.ID(eventID))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, fed.Transaction{
		Origin:         d.VM.Origin(),
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{e.JSON()},
	})
}

// stateAt collects the current state cells and their auth chain.
func (d Deps) stateAt(r *http.Request) (state, authChain []json.RawMessage, err error) {
	roomID := id.ID(mux.Vars(r)["roomID"])
	rv := room.View(d.DBS, roomID)
	known, err := rv.Known(r.Context())
	if err != nil {
		return nil, nil, err
	}
	if !known {
		return nil, nil, store.ErrNotFound
	}
	seen := map[uint64]struct{}{}
	err = rv.State().ForEach(r.Context(), "", func(idx uint64, _, _ string) bool {
		e, ferr := d.DBS.Fetch(idx)
		if ferr != nil {
			return false
		}
		state = append(state, e.JSON())
		chain := rv.AuthChain(r.Context(), idx)
		_ = chain.ForEach(r.Context(), func(aidx uint64) bool {
			if _, ok := seen[aidx]; ok {
				return true
			}
			seen[aidx] = struct{}{}
			if ae, aerr := d.DBS.Fetch(aidx); aerr == nil {
				authChain = append(authChain, ae.JSON())
			}
			return true
		})
		return true
	})
	return state, authChain, err
}

func (d Deps) state(w http.ResponseWriter, r *http.Request) {
	state, chain, err := d.stateAt(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, fed.RoomStateResponse{PDUs: state, AuthChain: chain})
}

func (d Deps) stateIDs(w http.ResponseWriter, r *http.Request) {
	state, chain, err := d.stateAt(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	extract := func(raws []json.RawMessage) []string {
		out := make([]string, 0, len(raws))
		for _, raw := range raws {
			var e struct {
				EventID string `json:"event_id"`
			}
			if json.Unmarshal(raw, &e) == nil && e.EventID != "" {
				out = append(out, e.EventID)
			}
		}
		return out
	}
	_ = utils.JSONWrite(w, http.StatusOK, fed.RoomStateIDsResponse{
		PDUIDs:       extract(state),
		AuthChainIDs: extract(chain),
	})
}

func (d Deps) backfill(w http.ResponseWriter, r *http.Request) {
	roomID := id.ID(mux.Vars(r)["roomID"])
	limit := 64
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 512 {
			limit = n
		}
	}
	anchors := r.URL.Query()["v"]
	rv := room.View(d.DBS, roomID)

	// walk backwards from the lowest-depth anchor; without anchors the scan
	// starts at the newest stored event
	var fromDepth int64 = 1<<62 - 1
	for _, a := range anchors {
		if e, _, err := d.DBS.FetchByID(id.ID(a)); err == nil && e.Depth < fromDepth {
			fromDepth = e.Depth
		}
	}
	var pdus []json.RawMessage
	err := rv.Events(r.Context(), room.EventsOpts{Reverse: true}, func(idx uint64) bool {
		e, ferr := d.DBS.Fetch(idx)
		if ferr != nil {
			return false
		}
		if e.Depth > fromDepth {
			return true
		}
		pdus = append(pdus, e.JSON())
		return len(pdus) < limit
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(pdus) == 0 {
		writeErr(w, store.ErrNotFound)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, fed.Transaction{
		Origin:         d.VM.Origin(),
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           pdus,
	})
}

func (d Deps) eventAuth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID := id.ID(vars["roomID"])
	eventID := id.ID(vars["eventID"])
	_, idx, err := d.DBS.FetchByID(eventID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var chain []json.RawMessage
	err = room.View(d.DBS, roomID).AuthChain(r.Context(), idx).ForEach(r.Context(), func(aidx uint64) bool {
		if e, ferr := d.DBS.Fetch(aidx); ferr == nil {
			chain = append(chain, e.JSON())
		}
		return true
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, fed.EventAuthResponse{AuthChain: chain})
}

func (d Deps) serverKeys(w http.ResponseWriter, _ *http.Request) {
	doc, err := d.Keys.LocalDocument(7 * 24 * time.Hour)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}
