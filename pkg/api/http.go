// Package api serves the federation receive surface: the server-server
// endpoints peers call on us. Errors map to the standard Matrix code
// set; internal reasons never reach peers verbatim.
package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"hearth/pkg/dbs"
	"hearth/pkg/keys"
	"hearth/pkg/store"
	"hearth/pkg/utils"
	"hearth/pkg/vm"
)

// Deps carries the injected collaborators; the API has no privileged
// access of its own.
type Deps struct {
	VM      *vm.VM
	DBS     *dbs.DBS
	Keys    *keys.Cache
	Version string
}

// Router builds the federation route table.
func Router(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	f := r.PathPrefix("/_matrix/federation/v1").Subrouter()
	f.HandleFunc("/version", d.version).Methods(http.MethodGet)
	f.HandleFunc("/send/{txnID}", d.send).Methods(http.MethodPut)
	f.HandleFunc("/event/{eventID}", d.event).Methods(http.MethodGet)
	f.HandleFunc("/state/{roomID}", d.state).Methods(http.MethodGet)
	f.HandleFunc("/state_ids/{roomID}", d.stateIDs).Methods(http.MethodGet)
	f.HandleFunc("/backfill/{roomID}", d.backfill).Methods(http.MethodGet)
	f.HandleFunc("/event_auth/{roomID}/{eventID}", d.eventAuth).Methods(http.MethodGet)

	r.HandleFunc("/_matrix/key/v2/server", d.serverKeys).Methods(http.MethodGet)
	return r
}

// writeErr maps internal failures onto the standard code set.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "M_NOT_FOUND", "not found")
	case errors.Is(err, store.ErrShutdown):
		utils.JSONError(w, http.StatusServiceUnavailable, "M_UNKNOWN", "shutting down")
	default:
		utils.JSONError(w, http.StatusInternalServerError, "M_UNKNOWN", "internal error")
	}
}
