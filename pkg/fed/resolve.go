package fed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"hearth/pkg/logger"
)

// resolver maps a server name to the host:port its federation API is
// actually served from: .well-known delegation first, then SRV records,
// then the literal name on the default port. Results are cached with
// their TTL honoured.
type resolver struct {
	http *http.Client

	mu    sync.Mutex
	cache map[string]resolved
}

type resolved struct {
	target  string
	expires time.Time
}

const (
	defaultFederationPort = "8448"
	wellKnownTTL          = 24 * time.Hour
	negativeTTL           = 5 * time.Minute
)

func newResolver(client *http.Client) *resolver {
	return &resolver{http: client, cache: map[string]resolved{}}
}

// Resolve returns the dial target for serverName.
func (r *resolver) Resolve(ctx context.Context, serverName string) (string, error) {
	r.mu.Lock()
	if c, ok := r.cache[serverName]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.target, nil
	}
	r.mu.Unlock()

	target, ttl := r.lookup(ctx, serverName)
	r.mu.Lock()
	r.cache[serverName] = resolved{target: target, expires: time.Now().Add(ttl)}
	r.mu.Unlock()
	return target, nil
}

func (r *resolver) lookup(ctx context.Context, serverName string) (string, time.Duration) {
	// explicit port wins outright
	if _, _, err := net.SplitHostPort(serverName); err == nil {
		return serverName, wellKnownTTL
	}

	if delegated := r.wellKnown(ctx, serverName); delegated != "" {
		serverName = delegated
		if _, _, err := net.SplitHostPort(serverName); err == nil {
			return serverName, wellKnownTTL
		}
	}

	if target, ttl, ok := srvLookup(ctx, serverName); ok {
		return target, ttl
	}
	return net.JoinHostPort(serverName, defaultFederationPort), negativeTTL
}

// wellKnown consults https://<name>/.well-known/matrix/server.
func (r *resolver) wellKnown(ctx context.Context, serverName string) string {
	url := "https://" + serverName + "/.well-known/matrix/server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var doc struct {
		Server string `json:"m.server"`
	}
	if err := json.NewDecoder(&limitedReader{r: resp.Body, n: 4096}).Decode(&doc); err != nil {
		return ""
	}
	logger.Debug("well_known_delegation", "server", serverName, "target", doc.Server)
	return strings.TrimSpace(doc.Server)
}

func srvLookup(ctx context.Context, serverName string) (string, time.Duration, bool) {
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "matrix-fed", "tcp", serverName)
	if err != nil || len(addrs) == 0 {
		// legacy service label
		_, addrs, err = net.DefaultResolver.LookupSRV(ctx, "matrix", "tcp", serverName)
		if err != nil || len(addrs) == 0 {
			return "", 0, false
		}
	}
	a := addrs[0]
	host := strings.TrimSuffix(a.Target, ".")
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port))), time.Hour, true
}

// Flush drops cached resolutions (tests, admin).
func (r *resolver) Flush() {
	r.mu.Lock()
	r.cache = map[string]resolved{}
	r.mu.Unlock()
}

// SetStatic pins a server name to a dial target, bypassing discovery.
func (r *resolver) SetStatic(serverName, target string) {
	r.mu.Lock()
	r.cache[serverName] = resolved{target: target, expires: time.Now().Add(24 * time.Hour)}
	r.mu.Unlock()
}

type limitedReader struct {
	r interface{ Read([]byte) (int, error) }
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, fmt.Errorf("response exceeds cap")
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
