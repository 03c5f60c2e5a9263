// Package auth decides whether an event is admitted into a room, given
// a bounded auth-event set. Rules run in fixed numerical order; the
// first failure rejects the event with a typed (rule, reason) result.
package auth

import (
	"fmt"

	"hearth/pkg/event"
	"hearth/pkg/id"
)

// Fail is a typed rejection carrying the failing rule number.
type Fail struct {
	Rule   int
	Reason string
}

func (f *Fail) Error() string {
	return fmt.Sprintf("auth rule %d: %s", f.Rule, f.Reason)
}

func fail(rule int, format string, args ...any) *Fail {
	return &Fail{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Set is the bounded auth-event set an event is checked against,
// classified by the auth selector roles.
type Set struct {
	Create           *event.Event
	PowerLevels      *event.Event
	JoinRules        *event.Event
	MemberSender     *event.Event
	MemberTarget     *event.Event
	ThirdPartyInvite *event.Event
	All              []*event.Event
}

// NewSet classifies events into their selector roles relative to e.
func NewSet(events []*event.Event, e *event.Event) *Set {
	s := &Set{All: events}
	for _, a := range events {
		if a == nil || !a.IsState() {
			continue
		}
		switch a.Type {
		case "m.room.create":
			s.Create = a
		case "m.room.power_levels":
			s.PowerLevels = a
		case "m.room.join_rules":
			s.JoinRules = a
		case "m.room.third_party_invite":
			s.ThirdPartyInvite = a
		case "m.room.member":
			if a.StateKeyStr() == string(e.Sender) {
				s.MemberSender = a
			}
			if e.IsState() && a.StateKeyStr() == e.StateKeyStr() && a.StateKeyStr() != string(e.Sender) {
				s.MemberTarget = a
			}
		}
	}
	return s
}

// Power builds the level resolver from the set.
func (s *Set) Power() *Power { return NewPower(s.PowerLevels, s.Create) }

// senderMembership returns the sender's membership per the set.
func (s *Set) senderMembership() string {
	if s.MemberSender == nil {
		return ""
	}
	return s.MemberSender.Membership()
}

// CheckStatic runs rules 1-3 only: the create per-type check and the
// well-formedness of the auth set itself. It needs no room state beyond
// the set.
func CheckStatic(e *event.Event, s *Set) *Fail {
	// 1. m.room.create runs only its per-type check.
	if e.Type == "m.room.create" {
		return checkCreate(e)
	}

	// 2. auth set well-formedness.
	if f := checkAuthSet(e, s); f != nil {
		return f
	}

	// 3. the set must contain the room's create event.
	if s.Create == nil {
		return fail(3, "missing m.room.create in auth_events")
	}
	return nil
}

// Check runs the admission order against e. A nil return admits the
// event.
func Check(e *event.Event, s *Set) *Fail {
	if f := CheckStatic(e, s); f != nil || e.Type == "m.room.create" {
		return f
	}

	// 4. m.room.aliases sub-hook.
	if e.Type == "m.room.aliases" {
		return checkAliases(e)
	}

	// 5. m.room.member sub-hook: the membership state machine.
	if e.Type == "m.room.member" {
		return checkMember(e, s)
	}

	// 6. sender must be joined.
	if s.senderMembership() != "join" {
		return fail(6, "sender %s is not joined to the room", e.Sender)
	}

	// 7. m.room.third_party_invite sub-hook.
	if e.Type == "m.room.third_party_invite" {
		p := s.Power()
		if p.UserLevel(e.Sender) < p.ActionLevel("invite") {
			return fail(7, "sender power below invite level")
		}
		return nil
	}

	// 8. required power for the event type.
	p := s.Power()
	if p.UserLevel(e.Sender) < p.EventLevel(e.Type, e.IsState()) {
		return fail(8, "sender power %d below required %d for %s",
			p.UserLevel(e.Sender), p.EventLevel(e.Type, e.IsState()), e.Type)
	}

	// 9. user-keyed state keys belong to their sender.
	if e.IsState() && len(e.StateKeyStr()) > 0 && e.StateKeyStr()[0] == '@' {
		if e.StateKeyStr() != string(e.Sender) {
			return fail(9, "state_key %q does not match sender", e.StateKeyStr())
		}
	}

	// 10. m.room.power_levels sub-hook.
	if e.Type == "m.room.power_levels" {
		return checkPowerLevels(e, s)
	}

	// 11. m.room.redaction sub-hook.
	if e.Type == "m.room.redaction" {
		return checkRedaction(e, s)
	}

	// 12. otherwise, allow.
	return nil
}

func checkCreate(e *event.Event) *Fail {
	if len(e.PrevEvents) > 0 {
		return fail(1, "m.room.create is not the room's first event")
	}
	if id.Host(e.RoomID) != id.Host(e.Sender) {
		return fail(1, "room_id host does not match sender host")
	}
	return nil
}

// allowed auth selector types for rule 2(c).
func selectorAllowed(e *event.Event, a *event.Event) bool {
	switch a.Type {
	case "m.room.create", "m.room.power_levels", "m.room.join_rules",
		"m.room.third_party_invite":
		return true
	case "m.room.member":
		if a.StateKeyStr() == string(e.Sender) {
			return true
		}
		if e.IsState() && a.StateKeyStr() == e.StateKeyStr() {
			return true
		}
	}
	return false
}

func checkAuthSet(e *event.Event, s *Set) *Fail {
	seen := map[[2]string]struct{}{}
	for _, a := range s.All {
		if a == nil {
			continue
		}
		// (a) duplicate (type, state_key) pairs
		key := [2]string{a.Type, a.StateKeyStr()}
		if _, dup := seen[key]; dup {
			return fail(2, "duplicate (%s,%s) in auth_events", a.Type, a.StateKeyStr())
		}
		seen[key] = struct{}{}
		// (b) events from another room
		if a.RoomID != e.RoomID {
			return fail(2, "auth event %s is from another room", a.EventID)
		}
		// (c) not an allowed auth selector for this event
		if !selectorAllowed(e, a) {
			return fail(2, "(%s,%s) is not an auth selector for this event", a.Type, a.StateKeyStr())
		}
	}
	return nil
}

func checkAliases(e *event.Event) *Fail {
	if !e.IsState() {
		return fail(4, "m.room.aliases requires a state_key")
	}
	if e.StateKeyStr() != id.Host(e.Sender) {
		return fail(4, "aliases state_key %q is not the sender's server", e.StateKeyStr())
	}
	return nil
}

func checkPowerLevels(e *event.Event, s *Set) *Fail {
	p := s.Power()
	senderLevel := p.UserLevel(e.Sender)
	next := NewPower(e, s.Create)

	// scalar levels: neither the old nor the new value may exceed what
	// the sender can currently achieve.
	old := []int64{p.ban, p.kick, p.redact, p.invite, p.eventsDefault, p.stateDefault, p.usersDefault}
	neu := []int64{next.ban, next.kick, next.redact, next.invite, next.eventsDefault, next.stateDefault, next.usersDefault}
	if !p.hasEvent {
		old = []int64{0, 0, 0, 0, 0, 0, 0}
	}
	for i := range old {
		if old[i] != neu[i] && (old[i] > senderLevel || neu[i] > senderLevel) {
			return fail(10, "level change outside sender's reach")
		}
	}

	// per-type event levels
	keys := map[string]struct{}{}
	for t := range p.events {
		keys[t] = struct{}{}
	}
	for t := range next.events {
		keys[t] = struct{}{}
	}
	for t := range keys {
		ov, ook := p.events[t]
		nv, nok := next.events[t]
		if ook && nok && ov == nv {
			continue
		}
		if (ook && ov > senderLevel) || (nok && nv > senderLevel) {
			return fail(10, "event level for %s outside sender's reach", t)
		}
	}

	// per-user levels: no user may be raised above the sender, and a
	// peer of equal or greater power cannot be demoted.
	ukeys := map[string]struct{}{}
	for u := range p.users {
		ukeys[u] = struct{}{}
	}
	for u := range next.users {
		ukeys[u] = struct{}{}
	}
	for u := range ukeys {
		ov, ook := p.users[u]
		nv, nok := next.users[u]
		if ook && nok && ov == nv {
			continue
		}
		if nok && nv > senderLevel {
			return fail(10, "cannot raise %s above sender's level", u)
		}
		if ook && ov > senderLevel {
			return fail(10, "cannot touch %s above sender's level", u)
		}
		if ook && ov == senderLevel && u != string(e.Sender) {
			return fail(10, "cannot change level of peer %s", u)
		}
	}
	return nil
}

func checkRedaction(e *event.Event, s *Set) *Fail {
	p := s.Power()
	if p.UserLevel(e.Sender) >= p.ActionLevel("redact") {
		return nil
	}
	// same-origin redaction: the sender's server may redact its own
	// events. Hash-derived target ids carry no host; power decides then.
	if e.Redacts != "" {
		if th := id.Host(e.Redacts); th != "" && th == id.Host(e.Sender) {
			return nil
		}
	}
	return fail(11, "sender lacks power to redact %s", e.Redacts)
}
