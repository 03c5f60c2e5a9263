// Package httpx decouples the federation API handlers from the HTTP
// engine serving them: the same handler set runs on net/http or
// fasthttp, selected by config.
package httpx

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Request is the unified request representation used by handlers.
// Handlers use Request.Ctx for cancellation and deadlines.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       io.ReadCloser
	RemoteAddr string
	// Raw holds the underlying transport request object for escape
	// hatches (*http.Request or *fasthttp.RequestCtx).
	Raw interface{}
}

// ResponseWriter is the subset of http.ResponseWriter semantics the
// adapters guarantee.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// HandlerFunc is the application handler signature used across both
// adapters.
type HandlerFunc func(w ResponseWriter, r *Request)
