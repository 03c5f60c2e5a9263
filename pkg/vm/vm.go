// Package vm drives each event through the ingest pipeline: a fixed
// sequence of phases from conformance through verification, auth,
// storage and notification. Evaluations opt out of phases explicitly;
// fetch-dependent phases suspend on the fetch engine and surface
// cancellation as a deferred result.
package vm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/fed"
	"hearth/pkg/fetch"
	"hearth/pkg/id"
	"hearth/pkg/keys"
	"hearth/pkg/logger"
)

// Phase names, in pipeline order.
type Phase string

const (
	PhaseIssue      Phase = "issue"
	PhaseConform    Phase = "conform"
	PhaseAccess     Phase = "access"
	PhaseVerify     Phase = "verify"
	PhaseFetchAuth  Phase = "fetch_auth"
	PhaseAuthStatic Phase = "auth_static"
	PhaseFetchPrev  Phase = "fetch_prev"
	PhaseFetchState Phase = "fetch_state"
	PhasePrecommit  Phase = "precommit"
	PhaseAuthRela   Phase = "auth_rela"
	PhaseAuthPres   Phase = "auth_pres"
	PhaseWrite      Phase = "write"
	PhasePost       Phase = "post"
	PhaseNotify     Phase = "notify"
)

// Status is the terminal state of one evaluation.
type Status int

const (
	Accepted Status = iota
	Rejected
	Deferred
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Fault records the first failing phase and its typed reason.
type Fault struct {
	Phase  Phase
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Phase, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Phase, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// Result is the outcome of one evaluation.
type Result struct {
	Status   Status
	Phase    Phase
	Fault    *Fault
	EventIdx uint64
	EventID  id.ID
}

// Opts parameterizes one evaluation. The zero value runs the full
// pipeline for a remote event.
type Opts struct {
	// Issue authors the event locally: assign event_id and timestamps,
	// fill ancestry, hash and sign.
	Issue bool
	// Skips opt out of individual phases.
	SkipConform    bool
	SkipAccess     bool
	SkipVerify     bool
	SkipFetchAuth  bool
	SkipFetchPrev  bool
	SkipFetchState bool
	SkipAuthStatic bool
	SkipAuthRela   bool
	SkipAuthPres   bool
	SkipWrite      bool
	SkipNotify     bool
	// Replays forces re-evaluation of the AUTH phases for an event that
	// is already stored.
	Replays bool
	// NotifyServers schedules a federation send for locally authored or
	// re-broadcast events.
	NotifyServers bool
	// RoomVersion overrides version resolution when the room's create
	// event is not yet stored (join bootstrap).
	RoomVersion string

	// depth guards recursive evaluation of fetched ancestors.
	depth int
}

// maxRecursion bounds ancestor evaluation depth.
const maxRecursion = 64

var phaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hearth_vm_phase_total",
	Help: "VM phase outcomes.",
}, []string{"phase", "outcome"})

var evalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hearth_vm_eval_total",
	Help: "VM evaluation results.",
}, []string{"status"})

// AccessPolicy rejects events before verification: server ACLs,
// blacklists and per-room ingress policy.
type AccessPolicy func(e *event.Event) error

// Notifier observes accepted events.
type Notifier func(e *event.Event, idx uint64)

// VM is the evaluator. Every collaborator is injected; the VM holds no
// global state.
type VM struct {
	d       *dbs.DBS
	ring    *keys.Ring
	keyring *keys.Cache
	fetcher *fetch.Engine
	sender  *fed.Sender

	access    AccessPolicy
	notifiers []Notifier
}

// New builds a VM. fetcher and sender may be nil for isolated servers;
// fetch-dependent phases then defer when an ancestor is missing.
func New(d *dbs.DBS, ring *keys.Ring, keyring *keys.Cache, fetcher *fetch.Engine, sender *fed.Sender) *VM {
	return &VM{d: d, ring: ring, keyring: keyring, fetcher: fetcher, sender: sender}
}

// SetAccessPolicy installs the PhaseAccess phase policy.
func (m *VM) SetAccessPolicy(p AccessPolicy) { m.access = p }

// Notify registers an observer invoked for every accepted write.
func (m *VM) Notify(n Notifier) { m.notifiers = append(m.notifiers, n) }

// Origin returns the local server name.
func (m *VM) Origin() string { return m.ring.Origin() }

// DBS exposes the index for read surfaces sharing the VM's database.
func (m *VM) DBS() *dbs.DBS { return m.d }

// Eval runs the pipeline. Cancellation at any suspension point yields a
// deferred result at the current phase.
func (m *VM) Eval(ctx context.Context, e *event.Event, opts Opts) Result {
	res := m.eval(ctx, e, opts)
	evalTotal.WithLabelValues(res.Status.String()).Inc()
	if res.Fault != nil {
		logger.Debug("vm_eval_done", "event_id", string(res.EventID), "status", res.Status.String(), "phase", string(res.Phase), "fault", res.Fault.Error())
	} else {
		logger.Debug("vm_eval_done", "event_id", string(res.EventID), "status", res.Status.String())
	}
	return res
}

type phaseStep struct {
	name Phase
	skip bool
	run  func(context.Context, *evalState) *Fault
}

// evalState threads mutable evaluation state through the phases.
type evalState struct {
	e    *event.Event
	opts Opts
	// already is set by PhasePrecommit when the event is stored; PhaseWrite then
	// short-circuits unless Replays forces the auth phases first.
	already    bool
	alreadyIdx uint64
	idx        uint64
	version    event.Version
}

func (m *VM) eval(ctx context.Context, e *event.Event, opts Opts) Result {
	if opts.depth > maxRecursion {
		return Result{Status: Rejected, Phase: PhaseFetchPrev, Fault: &Fault{Phase: PhaseFetchPrev, Reason: "ancestor recursion limit"}}
	}
	st := &evalState{e: e, opts: opts}

	steps := []phaseStep{
		{PhaseIssue, !opts.Issue, m.phaseIssue},
		{PhaseConform, opts.SkipConform, m.phaseConform},
		{PhaseAccess, opts.SkipAccess, m.phaseAccess},
		{PhaseVerify, opts.SkipVerify, m.phaseVerify},
		{PhaseFetchAuth, opts.SkipFetchAuth, m.phaseFetchAuth},
		{PhaseAuthStatic, opts.SkipAuthStatic, m.phaseAuthStatic},
		{PhaseFetchPrev, opts.SkipFetchPrev, m.phaseFetchPrev},
		{PhaseFetchState, opts.SkipFetchState, m.phaseFetchState},
		{PhasePrecommit, false, m.phasePrecommit},
		{PhaseAuthRela, opts.SkipAuthRela, m.phaseAuthRela},
		{PhaseAuthPres, opts.SkipAuthPres, m.phaseAuthPres},
		{PhaseWrite, opts.SkipWrite, m.phaseWrite},
		{PhasePost, false, m.phasePost},
		{PhaseNotify, opts.SkipNotify, m.phaseNotify},
	}

	for _, step := range steps {
		if step.skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{Status: Deferred, Phase: step.name, EventID: st.e.EventID,
				Fault: &Fault{Phase: step.name, Reason: "cancelled", Err: err}}
		}
		// Replay short-circuit: an already-stored event accepts at
		// PhasePrecommit without rewriting, unless a forced replay keeps the
		// auth phases running.
		if st.already && !opts.Replays && step.name == PhaseAuthRela {
			return Result{Status: Accepted, Phase: PhasePrecommit, EventIdx: st.alreadyIdx, EventID: st.e.EventID}
		}
		if st.already && step.name == PhaseWrite {
			return Result{Status: Accepted, Phase: step.name, EventIdx: st.alreadyIdx, EventID: st.e.EventID}
		}
		if fault := step.run(ctx, st); fault != nil {
			outcome := "rejected"
			status := Rejected
			if fault.Reason == "cancelled" || fault.Reason == "deferred" {
				outcome = "deferred"
				status = Deferred
			}
			phaseTotal.WithLabelValues(string(step.name), outcome).Inc()
			return Result{Status: status, Phase: step.name, Fault: fault, EventID: st.e.EventID}
		}
		phaseTotal.WithLabelValues(string(step.name), "ok").Inc()
	}
	return Result{Status: Accepted, EventIdx: st.idx, EventID: st.e.EventID}
}

// EvalRaw parses raw JSON and evaluates it.
func (m *VM) EvalRaw(ctx context.Context, raw json.RawMessage, opts Opts) Result {
	e, err := event.Parse(raw)
	if err != nil {
		return Result{Status: Rejected, Phase: PhaseConform,
			Fault: &Fault{Phase: PhaseConform, Reason: "unparseable event", Err: err}}
	}
	return m.Eval(ctx, e, opts)
}
