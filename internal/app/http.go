package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"

	"hearth/pkg/api"
	"hearth/pkg/httpx"
	"hearth/pkg/logger"
)

// startHTTP serves the federation API under the configured engine and
// returns a channel delivering the first fatal server error.
func (a *App) startHTTP(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)

	router := a.routes()

	addr := a.eff.Config.Addr()
	cert := a.eff.Config.Server.TLS.CertFile
	key := a.eff.Config.Server.TLS.KeyFile

	switch a.engine() {
	case "fasthttp":
		h := httpx.FastHTTPAdapter(httpx.ServeHandler(router))
		srv := &fasthttp.Server{Handler: h, Name: "hearth"}
		go func() {
			var err error
			if cert != "" && key != "" {
				err = srv.ListenAndServeTLS(addr, cert, key)
			} else {
				err = srv.ListenAndServe(addr)
			}
			if err != nil {
				errCh <- err
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown()
		}()
	default:
		a.srv = &http.Server{Addr: addr, Handler: router}
		go func() {
			var err error
			if cert != "" && key != "" {
				err = a.srv.ListenAndServeTLS(cert, key)
			} else {
				err = a.srv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}
	logger.Info("listening", "addr", addr, "tls", cert != "" && key != "")
	return errCh
}

// routes assembles the federation router plus the metrics endpoint.
func (a *App) routes() http.Handler {
	router := api.Router(a.Deps())
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}
