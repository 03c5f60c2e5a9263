package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"hearth/pkg/auth"
	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/fetch"
	"hearth/pkg/id"
	"hearth/pkg/logger"
	"hearth/pkg/room"
	"hearth/pkg/store"
)

func faultf(p Phase, err error, format string, args ...any) *Fault {
	return &Fault{Phase: p, Reason: fmt.Sprintf(format, args...), Err: err}
}

// roomVersion resolves the dialect for the event's room.
func (m *VM) roomVersion(ctx context.Context, st *evalState) (event.Version, error) {
	if st.version.Name != "" {
		return st.version, nil
	}
	name := ""
	if st.e.Type == "m.room.create" {
		var c struct {
			RoomVersion string `json:"room_version"`
		}
		_ = json.Unmarshal(st.e.Content, &c)
		name = c.RoomVersion
		if name == "" {
			name = "1"
		}
	} else if st.opts.RoomVersion != "" {
		name = st.opts.RoomVersion
	} else {
		v, err := room.View(m.d, st.e.RoomID).Version(ctx)
		if err == nil {
			name = v
		}
	}
	if name == "" {
		name = "1"
	}
	v, err := event.LookupVersion(name)
	if err != nil {
		return event.Version{}, err
	}
	st.version = v
	return v, nil
}

// phaseIssue authors the event: ancestry from the room head, depth,
// origin and timestamp, auth selectors from current state, content hash,
// signature and finally the event_id.
func (m *VM) phaseIssue(ctx context.Context, st *evalState) *Fault {
	e := st.e
	v, err := m.roomVersion(ctx, st)
	if err != nil {
		return faultf(PhaseIssue, err, "room version")
	}
	e.SetTupleRefs(v.TupleRefs)
	e.Origin = m.ring.Origin()
	if e.OriginServerTS == 0 {
		e.OriginServerTS = time.Now().UnixMilli()
	}

	r := room.View(m.d, e.RoomID)
	if e.Type != "m.room.create" {
		head, err := r.Head().Refs(ctx, 20)
		if err != nil {
			return faultf(PhaseIssue, err, "room head")
		}
		e.PrevEvents = head
		if depth, err := r.MaxDepth(ctx); err == nil {
			e.Depth = depth + 1
		} else if !errors.Is(err, store.ErrNotFound) {
			return faultf(PhaseIssue, err, "room depth")
		}
		authRefs, err := m.generateAuth(ctx, r, e)
		if err != nil {
			return faultf(PhaseIssue, err, "auth selectors")
		}
		e.AuthEvents = authRefs
	} else {
		e.PrevEvents = []event.Ref{}
		e.AuthEvents = []event.Ref{}
	}
	e.Invalidate()

	// server-generated ids are part of the hash and signing preimages;
	// hash-derived ids are computed last and never serialized
	if !v.HashedIDs {
		eid, err := id.Generate(id.EVENT, m.ring.Origin())
		if err != nil {
			return faultf(PhaseIssue, err, "event id")
		}
		e.EventID = eid
		e.Invalidate()
	}
	if err := e.SetContentHash(); err != nil {
		return faultf(PhaseIssue, err, "content hash")
	}
	if err := e.Sign(m.ring.Origin(), m.ring.KeyID(), m.ring.Private()); err != nil {
		return faultf(PhaseIssue, err, "sign")
	}
	if v.HashedIDs {
		eid, err := event.MakeEventID(e, v, m.ring.Origin())
		if err != nil {
			return faultf(PhaseIssue, err, "event id")
		}
		e.EventID = eid
	}
	return nil
}

// generateAuth selects the auth events for a new event from the room's
// current state: create, power_levels, join_rules for membership
// changes, and the member events of sender and target.
func (m *VM) generateAuth(ctx context.Context, r *room.Room, e *event.Event) ([]event.Ref, error) {
	var refs []event.Ref
	add := func(typ, stateKey string) error {
		idx, err := r.State().Get(ctx, typ, stateKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ev, err := m.d.Fetch(idx)
		if err != nil {
			return err
		}
		refs = append(refs, event.Ref{EventID: ev.EventID})
		return nil
	}
	if err := add("m.room.create", ""); err != nil {
		return nil, err
	}
	if err := add("m.room.power_levels", ""); err != nil {
		return nil, err
	}
	if e.Type == "m.room.member" {
		mship := e.Membership()
		if mship == "" || mship == "join" || mship == "invite" {
			if err := add("m.room.join_rules", ""); err != nil {
				return nil, err
			}
		}
	}
	if err := add("m.room.member", string(e.Sender)); err != nil {
		return nil, err
	}
	if e.IsState() && e.StateKeyStr() != string(e.Sender) && id.Valid(id.USER, e.StateKeyStr()) {
		if err := add("m.room.member", e.StateKeyStr()); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

func (m *VM) phaseConform(ctx context.Context, st *evalState) *Fault {
	if err := st.e.Conform(); err != nil {
		return faultf(PhaseConform, err, "conform_failure")
	}
	if st.e.EventID == "" {
		// hash-derived ids are implicit on the wire for v3+; derive now
		v, err := m.roomVersion(ctx, st)
		if err != nil {
			return faultf(PhaseConform, err, "room version")
		}
		if !v.HashedIDs {
			return faultf(PhaseConform, nil, "missing event_id")
		}
		eid, err := event.MakeEventID(st.e, v, m.ring.Origin())
		if err != nil {
			return faultf(PhaseConform, err, "event id derivation")
		}
		st.e.EventID = eid
	}
	return nil
}

func (m *VM) phaseAccess(ctx context.Context, st *evalState) *Fault {
	if m.access == nil {
		return nil
	}
	if err := m.access(st.e); err != nil {
		return faultf(PhaseAccess, err, "access_denied")
	}
	return nil
}

func (m *VM) phaseVerify(ctx context.Context, st *evalState) *Fault {
	e := st.e
	if err := e.VerifyContentHash(); err != nil {
		return faultf(PhaseVerify, err, "verify_failure")
	}
	origin := e.Origin
	if origin == "" {
		origin = id.Host(e.Sender)
	}
	sigs, ok := e.Signatures[origin]
	if !ok || len(sigs) == 0 {
		return faultf(PhaseVerify, nil, "verify_failure")
	}
	var lastErr error
	for keyID := range sigs {
		pub, err := m.keyring.Get(ctx, origin, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.Verify(origin, keyID, pub); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return faultf(PhaseVerify, lastErr, "verify_failure")
}

// fetchMissing retrieves and evaluates every unknown reference in refs.
func (m *VM) fetchMissing(ctx context.Context, st *evalState, phase Phase, refs []event.Ref, op fetch.OpKind) *Fault {
	for _, ref := range refs {
		ok, err := m.d.Has(ref.EventID)
		if err != nil {
			return faultf(phase, err, "reference lookup")
		}
		if ok {
			continue
		}
		if m.fetcher == nil {
			return &Fault{Phase: phase, Reason: "deferred"}
		}
		res, err := m.fetcher.Fetch(ctx, &fetch.Request{
			Op:      op,
			RoomID:  st.e.RoomID,
			EventID: ref.EventID,
			Hint:    originHint(st.e),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return &Fault{Phase: phase, Reason: "cancelled", Err: err}
			}
			return &Fault{Phase: phase, Reason: "deferred", Err: err}
		}
		m.evalBundle(ctx, res.PDUs, st.opts)
		if ok, _ := m.d.Has(ref.EventID); !ok {
			return &Fault{Phase: phase, Reason: "deferred"}
		}
	}
	return nil
}

func originHint(e *event.Event) string {
	if e.Origin != "" {
		return e.Origin
	}
	return id.Host(e.Sender)
}

// evalBundle evaluates fetched ancestors depth-ascending so parents land
// before children.
func (m *VM) evalBundle(ctx context.Context, pdus []json.RawMessage, parent Opts) {
	var events []*event.Event
	for _, raw := range pdus {
		e, err := event.Parse(raw)
		if err != nil {
			logger.Warn("bundle_pdu_unparseable", "error", err)
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Depth < events[j].Depth })
	opts := Opts{
		SkipAuthPres:   true,
		SkipFetchState: true,
		SkipNotify:     true,
		RoomVersion:    parent.RoomVersion,
		depth:          parent.depth + 1,
	}
	for _, e := range events {
		res := m.Eval(ctx, e, opts)
		if res.Status == Rejected {
			logger.Debug("bundle_pdu_rejected", "event_id", string(e.EventID), "phase", string(res.Phase))
		}
	}
}

func (m *VM) phaseFetchAuth(ctx context.Context, st *evalState) *Fault {
	return m.fetchMissing(ctx, st, PhaseFetchAuth, st.e.AuthEvents, fetch.OpEvent)
}

func (m *VM) phaseFetchPrev(ctx context.Context, st *evalState) *Fault {
	return m.fetchMissing(ctx, st, PhaseFetchPrev, st.e.PrevEvents, fetch.OpEvent)
}

// phaseFetchState bootstraps an unknown room by fetching the state at
// the event from its origin.
func (m *VM) phaseFetchState(ctx context.Context, st *evalState) *Fault {
	if st.e.Type == "m.room.create" {
		return nil
	}
	known, err := room.View(m.d, st.e.RoomID).Known(ctx)
	if err != nil {
		return faultf(PhaseFetchState, err, "room lookup")
	}
	if known {
		return nil
	}
	if m.fetcher == nil {
		return &Fault{Phase: PhaseFetchState, Reason: "deferred"}
	}
	res, err := m.fetcher.Fetch(ctx, &fetch.Request{
		Op:      fetch.OpState,
		RoomID:  st.e.RoomID,
		EventID: st.e.EventID,
		Hint:    originHint(st.e),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Fault{Phase: PhaseFetchState, Reason: "cancelled", Err: err}
		}
		return &Fault{Phase: PhaseFetchState, Reason: "deferred", Err: err}
	}
	m.evalBundle(ctx, res.PDUs, st.opts)
	return nil
}

// phasePrecommit suppresses duplicates against _event_id.
func (m *VM) phasePrecommit(ctx context.Context, st *evalState) *Fault {
	idx, err := m.d.Idx(st.e.EventID)
	switch {
	case err == nil:
		st.already = true
		st.alreadyIdx = idx
	case errors.Is(err, store.ErrNotFound):
	default:
		return faultf(PhasePrecommit, err, "duplicate lookup")
	}
	return nil
}

// relaSet materializes the auth_events the event arrived with.
func (m *VM) relaSet(st *evalState) (*auth.Set, *Fault) {
	var evs []*event.Event
	for _, ref := range st.e.AuthEvents {
		ev, _, err := m.d.FetchByID(ref.EventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &Fault{Phase: PhaseAuthRela, Reason: "deferred"}
			}
			return nil, faultf(PhaseAuthRela, err, "auth event lookup")
		}
		evs = append(evs, ev)
	}
	return auth.NewSet(evs, st.e), nil
}

func (m *VM) phaseAuthStatic(ctx context.Context, st *evalState) *Fault {
	s, fault := m.relaSet(st)
	if fault != nil {
		fault.Phase = PhaseAuthStatic
		return fault
	}
	if f := auth.CheckStatic(st.e, s); f != nil {
		return faultf(PhaseAuthStatic, f, "auth_failure rule %d", f.Rule)
	}
	return nil
}

// phaseAuthRela checks rules 4-12 against the auth_events supplied with
// the event.
func (m *VM) phaseAuthRela(ctx context.Context, st *evalState) *Fault {
	s, fault := m.relaSet(st)
	if fault != nil {
		return fault
	}
	if f := auth.Check(st.e, s); f != nil {
		return faultf(PhaseAuthRela, f, "auth_failure rule %d", f.Rule)
	}
	return nil
}

// phaseAuthPres re-checks authorization against the current resolved
// room state. It may legitimately reject an event that passed PhaseAuthRela
// when present state has moved on (a since-banned sender, a power drop).
func (m *VM) phaseAuthPres(ctx context.Context, st *evalState) *Fault {
	if st.e.Type == "m.room.create" {
		return nil
	}
	r := room.View(m.d, st.e.RoomID)
	created, err := r.State().Has(ctx, "m.room.create", "")
	if err != nil {
		return faultf(PhaseAuthPres, err, "state lookup")
	}
	if !created {
		// no resolved state yet; the relative check was the only gate
		return nil
	}
	var evs []*event.Event
	add := func(typ, stateKey string) error {
		idx, gerr := r.State().Get(ctx, typ, stateKey)
		if errors.Is(gerr, store.ErrNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		ev, gerr := m.d.Fetch(idx)
		if gerr != nil {
			return gerr
		}
		evs = append(evs, ev)
		return nil
	}
	sel := [][2]string{
		{"m.room.create", ""},
		{"m.room.power_levels", ""},
		{"m.room.join_rules", ""},
		{"m.room.member", string(st.e.Sender)},
	}
	if st.e.IsState() && st.e.StateKeyStr() != string(st.e.Sender) && id.Valid(id.USER, st.e.StateKeyStr()) {
		sel = append(sel, [2]string{"m.room.member", st.e.StateKeyStr()})
	}
	for _, s := range sel {
		if err := add(s[0], s[1]); err != nil {
			return faultf(PhaseAuthPres, err, "state lookup")
		}
	}
	if f := auth.Check(st.e, auth.NewSet(evs, st.e)); f != nil {
		return faultf(PhaseAuthPres, f, "auth_failure rule %d", f.Rule)
	}
	return nil
}

// phaseWrite commits the full write plan, the head advance and any
// redaction side effect in one atomic batch.
func (m *VM) phaseWrite(ctx context.Context, st *evalState) *Fault {
	b := m.d.DB.NewBatch()
	defer b.Close()
	idx, err := m.d.NextIdx(b)
	if err != nil {
		return faultf(PhaseWrite, err, "event_idx")
	}
	if err := m.d.Write(b, st.e, dbs.WriteOpts{
		Op:             dbs.SET,
		EventIdx:       idx,
		HorizonResolve: true,
		Refs:           true,
	}); err != nil {
		return faultf(PhaseWrite, err, "write plan")
	}
	if err := m.d.AdvanceHead(b, st.e, idx); err != nil {
		return faultf(PhaseWrite, err, "head advance")
	}
	if st.e.Type == "m.room.redaction" && st.e.Redacts != "" {
		if err := m.applyRedaction(ctx, b, st); err != nil {
			logger.Warn("redaction_apply_failed", "event_id", string(st.e.EventID), "target", string(st.e.Redacts), "error", err)
		}
	}
	if err := b.Commit(); err != nil {
		return faultf(PhaseWrite, err, "batch commit")
	}
	st.idx = idx
	return nil
}

// applyRedaction overwrites the target's payload with its essentialized
// form inside the same batch.
func (m *VM) applyRedaction(ctx context.Context, b *store.Batch, st *evalState) error {
	target, tIdx, err := m.d.FetchByID(st.e.Redacts)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // target may arrive later; redaction stands alone
		}
		return err
	}
	v, err := m.roomVersion(ctx, st)
	if err != nil {
		return err
	}
	red, err := event.ApplyRedaction(target, st.e, v.Name)
	if err != nil {
		return err
	}
	if err := b.Set(m.d.DB.Column(dbs.ColEventJSON), dbs.U64BE(tIdx), red.JSON()); err != nil {
		return err
	}
	m.d.Evict(tIdx)
	return nil
}

func (m *VM) phasePost(ctx context.Context, st *evalState) *Fault {
	if st.idx == 0 {
		return nil
	}
	logger.Info("event_accepted",
		"event_id", string(st.e.EventID),
		"room_id", string(st.e.RoomID),
		"type", st.e.Type,
		"depth", st.e.Depth,
		"event_idx", st.idx)
	return nil
}

func (m *VM) phaseNotify(ctx context.Context, st *evalState) *Fault {
	if st.idx == 0 {
		return nil
	}
	for _, n := range m.notifiers {
		n(st.e, st.idx)
	}
	if st.opts.NotifyServers && m.sender != nil && st.e.Origin == m.ring.Origin() {
		dests, err := room.View(m.d, st.e.RoomID).Origins(ctx, m.ring.Origin())
		if err != nil {
			logger.Warn("notify_origins_failed", "room_id", string(st.e.RoomID), "error", err)
			return nil
		}
		if len(dests) > 0 {
			m.sender.Enqueue(append(json.RawMessage(nil), st.e.JSON()...), dests)
		}
	}
	return nil
}
