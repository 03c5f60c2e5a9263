package httpx

import (
	"net/http"
)

// ServeHandler bridges a net/http handler (e.g. a mux router) into the
// httpx handler signature so the same route table serves under either
// engine.
func ServeHandler(h http.Handler) HandlerFunc {
	return func(w ResponseWriter, r *Request) {
		hr, err := http.NewRequestWithContext(r.Ctx, r.Method, r.Path, r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		hr.URL.RawQuery = r.Query.Encode()
		hr.Header = r.Header
		hr.RemoteAddr = r.RemoteAddr
		h.ServeHTTP(&bridgeWriter{rw: w}, hr)
	}
}

// bridgeWriter exposes a httpx ResponseWriter as http.ResponseWriter.
type bridgeWriter struct {
	rw ResponseWriter
}

func (b *bridgeWriter) Header() http.Header         { return b.rw.Header() }
func (b *bridgeWriter) Write(p []byte) (int, error) { return b.rw.Write(p) }
func (b *bridgeWriter) WriteHeader(status int)      { b.rw.WriteHeader(status) }
