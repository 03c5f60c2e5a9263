package event

import (
	"encoding/json"
	"strconv"

	"hearth/pkg/cjson"
)

// Redaction field masks pinned to the Matrix specification for the
// target room version, per type. Top-level keys outside keptTopLevel are
// stripped; content is filtered by the per-type table. Content filtering
// is flat: under v11 the third_party_invite.signed object of a member
// event is not kept.

var keptTopLevel = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

// keptTopLevelOld adds fields dropped from the mask in v11.
var keptTopLevelOld = []string{"origin", "prev_state", "membership"}

func keptContentKeys(typ string, ver int) []string {
	switch typ {
	case "m.room.member":
		keys := []string{"membership"}
		if ver >= 9 {
			keys = append(keys, "join_authorised_via_users_server")
		}
		return keys
	case "m.room.create":
		if ver >= 11 {
			return nil // all of content survives
		}
		return []string{"creator"}
	case "m.room.join_rules":
		if ver >= 8 {
			return []string{"join_rule", "allow"}
		}
		return []string{"join_rule"}
	case "m.room.power_levels":
		keys := []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if ver >= 11 {
			keys = append(keys, "invite")
		}
		return keys
	case "m.room.aliases":
		if ver < 6 {
			return []string{"aliases"}
		}
		return []string{}
	case "m.room.history_visibility":
		return []string{"history_visibility"}
	case "m.room.redaction":
		if ver >= 11 {
			return []string{"redacts"}
		}
		return []string{}
	}
	return []string{}
}

// Redact returns the canonical JSON of the essentialized event under the
// given room version. The redacted form is what survives a redaction and
// what reference hashing operates on.
func Redact(e *Event, version string) ([]byte, error) {
	ver, err := strconv.Atoi(version)
	if err != nil {
		ver = 1
	}
	m, err := e.asMap()
	if err != nil {
		return nil, err
	}
	keep := map[string]struct{}{}
	for _, k := range keptTopLevel {
		keep[k] = struct{}{}
	}
	if ver < 11 {
		for _, k := range keptTopLevelOld {
			keep[k] = struct{}{}
		}
		// redacts stays top-level until it moves into content in v11
		keep["redacts"] = struct{}{}
	}
	for k := range m {
		if _, ok := keep[k]; !ok {
			delete(m, k)
		}
	}
	if content, ok := m["content"].(map[string]any); ok {
		allowed := keptContentKeys(e.Type, ver)
		if allowed != nil {
			ak := map[string]struct{}{}
			for _, k := range allowed {
				ak[k] = struct{}{}
			}
			for k := range content {
				if _, ok := ak[k]; !ok {
					delete(content, k)
				}
			}
		}
	}
	return cjson.Marshal(m)
}

// ApplyRedaction produces the redacted replacement for target, recording
// the redaction event id in unsigned.redacted_because.
func ApplyRedaction(target *Event, because *Event, version string) (*Event, error) {
	raw, err := Redact(target, version)
	if err != nil {
		return nil, err
	}
	red, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	u, _ := json.Marshal(map[string]any{
		"redacted_because": json.RawMessage(because.JSON()),
	})
	red.Unsigned = u
	red.Invalidate()
	return red, nil
}
