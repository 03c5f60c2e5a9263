package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"hearth/internal/app"
	"hearth/pkg/config"
	"hearth/pkg/logger"
	"hearth/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	eff, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// flags win over config/env when provided explicitly
	if setFlags["addr"] && addrVal != "" {
		if host, port, ok := splitAddr(addrVal); ok {
			eff.Config.Server.Address = host
			eff.Config.Server.Port = port
		}
	}
	if setFlags["db"] {
		eff.Config.Storage.DBPath = dbVal
		eff.DBPath = dbVal
	}

	logger.InitWithLevel(eff.Config.Logging.Level)
	if len(eff.EnvUsed) > 0 {
		logger.Info("env_overrides_applied", "keys", eff.EnvUsed)
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, eff.DBPath, 3)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server failed", err, eff.DBPath, 3)
	}
}

func splitAddr(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		port = port*10 + int(c-'0')
	}
	return host, port, true
}
