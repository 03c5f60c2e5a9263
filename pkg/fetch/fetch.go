// Package fetch resolves missing events, auth chains, state and
// backfill windows by requesting them from peers. A bounded global
// inflight count is enforced; saturated submissions queue. On
// non-terminal errors the engine rotates to another origin from the
// room's server list, skipping servers with recent transport errors.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"hearth/pkg/fed"
	"hearth/pkg/id"
	"hearth/pkg/logger"
)

// OpKind names the fetchable object kinds.
type OpKind string

const (
	OpEvent    OpKind = "event"
	OpAuth     OpKind = "auth"
	OpBackfill OpKind = "backfill"
	OpState    OpKind = "state"
	OpStateIDs OpKind = "state_ids"
)

// ErrExhausted means every candidate origin was tried without success.
var ErrExhausted = errors.New("fetch_exhausted")

// Request describes one fetch. The engine fills the tracking fields.
type Request struct {
	Op      OpKind
	RoomID  id.ID
	EventID id.ID
	// Anchors seed a backfill window; Limit caps its size.
	Anchors []string
	Limit   int
	// Hint is tried before the room's server list.
	Hint string

	Origin    string
	Attempted map[string]struct{}
	Started   time.Time
	Finished  time.Time
	Err       error
}

// Result is the bundle handed back to the VM. Backfill and state return
// many PDUs; event/auth return the chain with the target last.
type Result struct {
	Req      *Request
	PDUs     []json.RawMessage
	StateIDs *fed.RoomStateIDsResponse
}

// Origins provides the candidate server list for a room.
type Origins func(ctx context.Context, roomID id.ID) []string

var (
	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_fetch_inflight",
		Help: "Fetch requests currently in flight.",
	})
	retryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_fetch_retries_total",
		Help: "Origin rotations after non-terminal fetch errors.",
	})
	doneTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_fetch_done_total",
		Help: "Completed fetches by op and outcome.",
	}, []string{"op", "outcome"})
)

// defaultInflight bounds concurrent federation round-trips.
const defaultInflight = 32

// failureCooldown skips origins that errored recently.
const failureCooldown = 2 * time.Minute

// Engine is the fetch scheduler.
type Engine struct {
	client  *fed.Client
	origins Origins
	slots   chan struct{}

	mu         sync.Mutex
	pending    map[string]*Request
	recentFail map[string]time.Time
	limiters   map[string]*rate.Limiter
}

// New builds an engine. inflight <= 0 selects the default bound.
func New(client *fed.Client, origins Origins, inflight int) *Engine {
	if inflight <= 0 {
		inflight = defaultInflight
	}
	return &Engine{
		client:     client,
		origins:    origins,
		slots:      make(chan struct{}, inflight),
		pending:    map[string]*Request{},
		recentFail: map[string]time.Time{},
		limiters:   map[string]*rate.Limiter{},
	}
}

// Pending snapshots the requests currently queued or in flight.
func (g *Engine) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, r := range g.pending {
		out = append(out, *r)
	}
	return out
}

func (g *Engine) key(req *Request) string {
	return string(req.Op) + "\x00" + string(req.RoomID) + "\x00" + string(req.EventID)
}

// Fetch runs one request to completion, queueing while the inflight
// bound is saturated. It returns ErrExhausted after the last origin
// fails, or the terminal error that stopped rotation.
func (g *Engine) Fetch(ctx context.Context, req *Request) (*Result, error) {
	req.Started = time.Now()
	req.Attempted = map[string]struct{}{}
	key := g.key(req)
	g.mu.Lock()
	if dup, ok := g.pending[key]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("fetch already pending since %s", dup.Started.Format(time.RFC3339))
	}
	g.pending[key] = req
	g.mu.Unlock()
	defer func() {
		req.Finished = time.Now()
		g.mu.Lock()
		delete(g.pending, key)
		g.mu.Unlock()
	}()

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	inflightGauge.Inc()
	defer func() {
		<-g.slots
		inflightGauge.Dec()
	}()

	for _, origin := range g.candidates(ctx, req) {
		if err := g.pace(ctx, origin); err != nil {
			return nil, err
		}
		req.Origin = origin
		req.Attempted[origin] = struct{}{}

		res, err := g.attempt(ctx, req, origin)
		if err == nil {
			doneTotal.WithLabelValues(string(req.Op), "ok").Inc()
			return res, nil
		}
		req.Err = err
		if terminal(err) {
			doneTotal.WithLabelValues(string(req.Op), "terminal").Inc()
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.noteFailure(origin)
		retryTotal.Inc()
		logger.Debug("fetch_rotate_origin", "op", string(req.Op), "event_id", string(req.EventID), "failed", origin, "error", err)
	}
	doneTotal.WithLabelValues(string(req.Op), "exhausted").Inc()
	if req.Err != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrExhausted, req.Err)
	}
	return nil, fmt.Errorf("%w: no candidate origins", ErrExhausted)
}

// candidates orders the origins to try: the hint first, then the room's
// server list minus servers with a recent transport error.
func (g *Engine) candidates(ctx context.Context, req *Request) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(origin string) {
		if origin == "" {
			return
		}
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		g.mu.Lock()
		failedAt, failed := g.recentFail[origin]
		g.mu.Unlock()
		if failed && time.Since(failedAt) < failureCooldown {
			return
		}
		out = append(out, origin)
	}
	add(req.Hint)
	if g.origins != nil {
		for _, o := range g.origins(ctx, req.RoomID) {
			add(o)
		}
	}
	return out
}

func (g *Engine) pace(ctx context.Context, origin string) error {
	g.mu.Lock()
	lim, ok := g.limiters[origin]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20)
		g.limiters[origin] = lim
	}
	g.mu.Unlock()
	return lim.Wait(ctx)
}

func (g *Engine) noteFailure(origin string) {
	g.mu.Lock()
	g.recentFail[origin] = time.Now()
	g.mu.Unlock()
}

func (g *Engine) attempt(ctx context.Context, req *Request, origin string) (*Result, error) {
	actx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	switch req.Op {
	case OpEvent:
		txn, err := g.client.Event(actx, origin, string(req.EventID))
		if err != nil {
			return nil, err
		}
		if len(txn.PDUs) == 0 {
			return nil, fmt.Errorf("peer returned no pdus for %s", req.EventID)
		}
		return &Result{Req: req, PDUs: txn.PDUs}, nil
	case OpAuth:
		resp, err := g.client.EventAuth(actx, origin, string(req.RoomID), string(req.EventID))
		if err != nil {
			return nil, err
		}
		return &Result{Req: req, PDUs: resp.AuthChain}, nil
	case OpBackfill:
		limit := req.Limit
		if limit <= 0 {
			limit = 64
		}
		txn, err := g.client.Backfill(actx, origin, string(req.RoomID), req.Anchors, limit)
		if err != nil {
			return nil, err
		}
		return &Result{Req: req, PDUs: txn.PDUs}, nil
	case OpState:
		resp, err := g.client.State(actx, origin, string(req.RoomID), string(req.EventID))
		if err != nil {
			return nil, err
		}
		pdus := append(append([]json.RawMessage(nil), resp.AuthChain...), resp.PDUs...)
		return &Result{Req: req, PDUs: pdus}, nil
	case OpStateIDs:
		resp, err := g.client.StateIDs(actx, origin, string(req.RoomID), string(req.EventID))
		if err != nil {
			return nil, err
		}
		return &Result{Req: req, StateIDs: &resp}, nil
	}
	return nil, fmt.Errorf("unknown fetch op %q", req.Op)
}

// terminal reports errors that no other origin can fix.
func terminal(err error) bool {
	var me *fed.MatrixError
	if errors.As(err, &me) {
		switch me.Code {
		case "M_NOT_FOUND", "M_FORBIDDEN", "M_INCOMPATIBLE_ROOM_VERSION", "M_UNSUPPORTED_ROOM_VERSION":
			return true
		}
	}
	return false
}
