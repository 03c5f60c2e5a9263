// Package app wires the homeserver core together: storage, keys,
// federation client, fetch engine, VM and the serving surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"hearth/internal/reaper"
	"hearth/pkg/api"
	"hearth/pkg/config"
	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/fed"
	"hearth/pkg/fetch"
	"hearth/pkg/id"
	"hearth/pkg/keys"
	"hearth/pkg/logger"
	"hearth/pkg/room"
	"hearth/pkg/state"
	"hearth/pkg/vm"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	d       *dbs.DBS
	ring    *keys.Ring
	keyring *keys.Cache
	client  *fed.Client
	fetcher *fetch.Engine
	sender  *fed.Sender
	machine *vm.VM

	reaperCancel context.CancelFunc
	srv          *http.Server
}

// New initializes resources that do not require a running context. It
// does not start the HTTP server; call Run to start and block.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	rc := &config.RuntimeConfig{DeniedServers: map[string]struct{}{}}
	for _, s := range eff.Config.Federation.DeniedServers {
		rc.DeniedServers[s] = struct{}{}
	}
	config.SetRuntime(rc)

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state layout: %w", err)
	}

	d, err := dbs.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open events db under %s: %w", state.PathsVar.Store, err)
	}

	keyDir := eff.Config.Federation.KeyDir
	if keyDir == "" {
		keyDir = state.PathsVar.Keys
	}
	ring, err := keys.LoadRing(keyDir, eff.Config.Federation.ServerName)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	// The connection pool and TLS are owned here and injected into the
	// federation client.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        128,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	client := fed.NewClient(ring, httpClient)
	keyring := keys.NewCache(d, ring, client)

	origins := func(ctx context.Context, roomID id.ID) []string {
		out, err := room.View(d, roomID).Origins(ctx, ring.Origin())
		if err != nil {
			logger.Warn("origins_lookup_failed", "room_id", string(roomID), "error", err)
			return nil
		}
		return out
	}
	fetcher := fetch.New(client, origins, eff.Config.Federation.FetchInflight)
	sender := fed.NewSender(client)

	machine := vm.New(d, ring, keyring, fetcher, sender)
	machine.SetAccessPolicy(func(e *event.Event) error {
		origin := e.Origin
		if origin == "" {
			origin = id.Host(e.Sender)
		}
		if config.ServerDenied(origin) {
			return fmt.Errorf("server %s is denied", origin)
		}
		return nil
	})

	a := &App{
		eff: eff, version: version, commit: commit, buildDate: buildDate,
		d: d, ring: ring, keyring: keyring, client: client,
		fetcher: fetcher, sender: sender, machine: machine,
	}
	return a, nil
}

// VM exposes the evaluator (admin console, tests).
func (a *App) VM() *vm.VM { return a.machine }

// DBS exposes the index.
func (a *App) DBS() *dbs.DBS { return a.d }

// Run starts the reaper and the HTTP server, blocking until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cancel, err := reaper.Start(ctx, a.eff.Config, a.d, a.machine, a.keyring)
	if err != nil {
		return err
	}
	a.reaperCancel = cancel

	logger.Info("hearth_starting",
		"server_name", a.eff.Config.Federation.ServerName,
		"version", a.version,
		"commit", a.commit,
		"build_date", a.buildDate,
		"addr", a.eff.Config.Addr(),
		"engine", a.engine())

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) engine() string {
	if a.eff.Config.Server.Engine != "" {
		return a.eff.Config.Server.Engine
	}
	return "nethttp"
}

func (a *App) shutdown() {
	if a.reaperCancel != nil {
		a.reaperCancel()
	}
	a.sender.Close()
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.srv.Shutdown(sctx)
		cancel()
	}
	if err := a.d.Close(); err != nil {
		logger.Error("db_close_failed", "error", err)
	}
	logger.Info("hearth_stopped")
}

// Deps builds the API dependency set.
func (a *App) Deps() api.Deps {
	return api.Deps{VM: a.machine, DBS: a.d, Keys: a.keyring, Version: a.version}
}

func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config.Federation.ServerName == "" {
		return fmt.Errorf("federation.server_name is required")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	switch eff.Config.Server.Engine {
	case "", "nethttp", "fasthttp":
	default:
		return fmt.Errorf("unknown server.engine %q", eff.Config.Server.Engine)
	}
	return nil
}
