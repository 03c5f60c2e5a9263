// Package config merges the YAML config file, HEARTH_* environment
// variables and command-line flags into an effective configuration.
// Flags win over env; env wins over the file.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values other packages query after
// startup.
type RuntimeConfig struct {
	DeniedServers map[string]struct{}
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime installs the canonical runtime config.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// ServerDenied reports whether a server name is on the deny list.
func ServerDenied(name string) bool {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return false
	}
	_, ok := runtimeCfg.DeniedServers[name]
	return ok
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// EffectiveConfigResult is the merged configuration plus provenance.
type EffectiveConfigResult struct {
	Config  Config
	DBPath  string
	EnvUsed []string
}

// ParseCommandFlags centralizes flag parsing. Returns the values and
// which flags were explicitly set.
func ParseCommandFlags() (addr, db, cfg string, set map[string]bool) {
	addrF := flag.String("addr", "", "listen address (host:port)")
	dbF := flag.String("db", "./hearth-data", "database base path")
	cfgF := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *addrF, *dbF, *cfgF, set
}

// ResolveConfigPath prefers the flag value, then HEARTH_CONFIG, then the
// default ./config.yaml when it exists.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet && flagVal != "" {
		return flagVal
	}
	if p := os.Getenv("HEARTH_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// LoadEffective loads the file (optional) and applies environment
// overrides.
func LoadEffective(path string) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &res.Config); err != nil {
			return res, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&res)
	res.DBPath = res.Config.Storage.DBPath
	if res.DBPath == "" {
		res.DBPath = "./hearth-data"
	}
	if res.Config.Federation.ServerName == "" {
		return res, fmt.Errorf("federation.server_name is required")
	}
	return res, nil
}

func applyEnv(res *EffectiveConfigResult) {
	use := func(key string) (string, bool) {
		v, ok := os.LookupEnv(key)
		if ok && v != "" {
			res.EnvUsed = append(res.EnvUsed, key)
			return v, true
		}
		return "", false
	}
	if v, ok := use("HEARTH_SERVER_NAME"); ok {
		res.Config.Federation.ServerName = v
	}
	if v, ok := use("HEARTH_DB_PATH"); ok {
		res.Config.Storage.DBPath = v
	}
	if v, ok := use("HEARTH_ADDR"); ok {
		if host, port, err := net.SplitHostPort(v); err == nil {
			res.Config.Server.Address = host
			if p, perr := strconv.Atoi(port); perr == nil {
				res.Config.Server.Port = p
			}
		}
	}
	if v, ok := use("HEARTH_LOG_LEVEL"); ok {
		res.Config.Logging.Level = v
	}
	if v, ok := use("HEARTH_DENIED_SERVERS"); ok {
		res.Config.Federation.DeniedServers = splitList(v)
	}
	if v, ok := use("HEARTH_SERVER_ENGINE"); ok {
		res.Config.Server.Engine = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
