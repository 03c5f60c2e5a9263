package auth

import (
	"encoding/json"

	"hearth/pkg/event"
	"hearth/pkg/id"
)

// Power resolves effective power levels from the room's power_levels
// event, falling back to levels derived from the create event when the
// room has none.
type Power struct {
	hasEvent bool
	creator  id.ID

	users         map[string]int64
	usersDefault  int64
	events        map[string]int64
	eventsDefault int64
	stateDefault  int64
	ban           int64
	kick          int64
	redact        int64
	invite        int64
}

type powerContent struct {
	Users         map[string]json.Number `json:"users"`
	UsersDefault  *json.Number           `json:"users_default"`
	Events        map[string]json.Number `json:"events"`
	EventsDefault *json.Number           `json:"events_default"`
	StateDefault  *json.Number           `json:"state_default"`
	Ban           *json.Number           `json:"ban"`
	Kick          *json.Number           `json:"kick"`
	Redact        *json.Number           `json:"redact"`
	Invite        *json.Number           `json:"invite"`
}

func numOr(n *json.Number, def int64) int64 {
	if n == nil {
		return def
	}
	v, err := n.Int64()
	if err != nil {
		return def
	}
	return v
}

// NewPower builds the resolver from the power_levels event (may be nil)
// and the create event (must not be nil).
func NewPower(powerLevels, create *event.Event) *Power {
	p := &Power{}
	if create != nil {
		var c struct {
			Creator string `json:"creator"`
		}
		_ = json.Unmarshal(create.Content, &c)
		if c.Creator != "" {
			p.creator = id.ID(c.Creator)
		} else {
			p.creator = create.Sender
		}
	}
	if powerLevels == nil {
		// no power_levels event: creator 100, everyone else 0
		return p
	}
	p.hasEvent = true
	var c powerContent
	_ = json.Unmarshal(powerLevels.Content, &c)
	p.users = map[string]int64{}
	for u, n := range c.Users {
		if v, err := n.Int64(); err == nil {
			p.users[u] = v
		}
	}
	p.events = map[string]int64{}
	for t, n := range c.Events {
		if v, err := n.Int64(); err == nil {
			p.events[t] = v
		}
	}
	p.usersDefault = numOr(c.UsersDefault, 0)
	p.eventsDefault = numOr(c.EventsDefault, 0)
	p.stateDefault = numOr(c.StateDefault, 50)
	p.ban = numOr(c.Ban, 50)
	p.kick = numOr(c.Kick, 50)
	p.redact = numOr(c.Redact, 50)
	p.invite = numOr(c.Invite, 0)
	return p
}

// UserLevel returns the effective level of a user.
func (p *Power) UserLevel(user id.ID) int64 {
	if p.hasEvent {
		if v, ok := p.users[string(user)]; ok {
			return v
		}
		return p.usersDefault
	}
	if user != "" && user == p.creator {
		return 100
	}
	return 0
}

// EventLevel returns the level required to send an event of the given
// type; state events fall back to state_default.
func (p *Power) EventLevel(typ string, isState bool) int64 {
	if p.hasEvent {
		if v, ok := p.events[typ]; ok {
			return v
		}
		if isState {
			return p.stateDefault
		}
		return p.eventsDefault
	}
	if isState {
		return 0
	}
	return 0
}

// ActionLevel returns the level required for ban/kick/redact/invite.
func (p *Power) ActionLevel(action string) int64 {
	if !p.hasEvent {
		switch action {
		case "invite":
			return 0
		default:
			return 0
		}
	}
	switch action {
	case "ban":
		return p.ban
	case "kick":
		return p.kick
	case "redact":
		return p.redact
	case "invite":
		return p.invite
	}
	return p.stateDefault
}

// IsPowerEvent classifies events that shape authority in the room:
// create, power_levels, join_rules, and member leave/ban where the
// sender is not the target.
func IsPowerEvent(e *event.Event) bool {
	switch e.Type {
	case "m.room.create", "m.room.power_levels", "m.room.join_rules":
		return true
	case "m.room.member":
		m := e.Membership()
		if m == "leave" || m == "ban" {
			return string(e.Sender) != e.StateKeyStr()
		}
	}
	return false
}
