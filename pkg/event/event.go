// Package event implements the canonical event tuple: parse/serialize
// over Matrix canonical JSON, content hashing, Ed25519 signing, redaction
// and per-room-version reference dialects.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"hearth/pkg/cjson"
	"hearth/pkg/id"
)

// Size caps enforced on every event admitted to a room.
const (
	MaxEventSize    = 64 * 1024
	MaxTypeSize     = 256
	MaxStateKeySize = 256
	MaxOriginSize   = 256
)

// Ref is one ancestry reference. Room versions "1" and "2" carry
// [event_id, {hashes}] tuples on the wire; later versions carry the bare
// event_id string. Hash is empty for the bare dialect.
type Ref struct {
	EventID id.ID
	Hash    string
}

// Event is the canonical event tuple. StateKey is a pointer so that a
// present-but-empty state_key (a valid state event) is distinguishable
// from an absent one (a message event).
type Event struct {
	AuthEvents     []Ref
	Content        json.RawMessage
	Depth          int64
	EventID        id.ID
	Hashes         map[string]string
	Origin         string
	OriginServerTS int64
	PrevEvents     []Ref
	PrevState      []Ref
	Redacts        id.ID
	RoomID         id.ID
	Sender         id.ID
	Signatures     map[string]map[string]string
	StateKey       *string
	Type           string
	Unsigned       json.RawMessage

	// raw holds the canonical JSON this event was parsed from (or last
	// serialized to). Stored events re-read byte-identical through it.
	raw       []byte
	tupleRefs bool
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyStr returns the state key or "" for message events.
func (e *Event) StateKeyStr() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Membership returns content.membership for m.room.member events.
func (e *Event) Membership() string {
	var c struct {
		Membership string `json:"membership"`
	}
	_ = json.Unmarshal(e.Content, &c)
	return c.Membership
}

// Parse decodes raw into an Event, canonicalizing first. The canonical
// bytes are retained so JSON() round-trips exactly.
func Parse(raw []byte) (*Event, error) {
	canon, err := cjson.Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("event parse: %w", err)
	}
	var w wire
	if err := json.Unmarshal(canon, &w); err != nil {
		return nil, fmt.Errorf("event parse: %w", err)
	}
	e, err := w.into()
	if err != nil {
		return nil, err
	}
	e.raw = canon
	return e, nil
}

// JSON returns the canonical JSON form of the event. Parsed events
// return their retained buffer; built events serialize on first call.
func (e *Event) JSON() []byte {
	if e.raw != nil {
		return e.raw
	}
	b, err := e.serialize()
	if err != nil {
		return nil
	}
	e.raw = b
	return b
}

// Invalidate drops the retained canonical buffer after a field mutation
// so the next JSON() re-serializes.
func (e *Event) Invalidate() { e.raw = nil }

// asMap decodes the canonical form into a generic map for preimage
// manipulation.
func (e *Event) asMap() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(e.JSON()))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("event decode: %w", err)
	}
	return m, nil
}

func (e *Event) serialize() ([]byte, error) {
	m := map[string]any{
		"content":          json.RawMessage(e.Content),
		"origin_server_ts": e.OriginServerTS,
		"sender":           string(e.Sender),
		"type":             e.Type,
	}
	if e.Content == nil {
		m["content"] = map[string]any{}
	}
	if e.RoomID != "" {
		m["room_id"] = string(e.RoomID)
	}
	// hash-derived ids (bare-ref dialect) are implicit on the wire
	if e.EventID != "" && e.tupleRefs {
		m["event_id"] = string(e.EventID)
	}
	if e.Origin != "" {
		m["origin"] = e.Origin
	}
	if e.Depth != 0 || len(e.PrevEvents) > 0 {
		m["depth"] = e.Depth
	}
	if e.StateKey != nil {
		m["state_key"] = *e.StateKey
	}
	if e.Redacts != "" {
		m["redacts"] = string(e.Redacts)
	}
	if e.PrevEvents != nil {
		m["prev_events"] = refsJSON(e.PrevEvents, e.tupleRefs)
	}
	if e.AuthEvents != nil {
		m["auth_events"] = refsJSON(e.AuthEvents, e.tupleRefs)
	}
	if e.PrevState != nil {
		m["prev_state"] = refsJSON(e.PrevState, e.tupleRefs)
	}
	if e.Hashes != nil {
		m["hashes"] = e.Hashes
	}
	if e.Signatures != nil {
		m["signatures"] = e.Signatures
	}
	if len(e.Unsigned) > 0 {
		m["unsigned"] = json.RawMessage(e.Unsigned)
	}
	return cjson.Marshal(m)
}

func refsJSON(refs []Ref, tuple bool) any {
	out := make([]any, 0, len(refs))
	for _, r := range refs {
		if tuple {
			h := map[string]any{}
			if r.Hash != "" {
				h["sha256"] = r.Hash
			}
			out = append(out, []any{string(r.EventID), h})
		} else {
			out = append(out, string(r.EventID))
		}
	}
	return out
}

// wire is the decode-side shape; reference fields accept both dialects.
type wire struct {
	AuthEvents     []wireRef                    `json:"auth_events"`
	Content        json.RawMessage              `json:"content"`
	Depth          int64                        `json:"depth"`
	EventID        string                       `json:"event_id"`
	Hashes         map[string]string            `json:"hashes"`
	Origin         string                       `json:"origin"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	PrevEvents     []wireRef                    `json:"prev_events"`
	PrevState      []wireRef                    `json:"prev_state"`
	Redacts        string                       `json:"redacts"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Signatures     map[string]map[string]string `json:"signatures"`
	StateKey       *string                      `json:"state_key"`
	Type           string                       `json:"type"`
	Unsigned       json.RawMessage              `json:"unsigned"`
}

type wireRef struct {
	ref   Ref
	tuple bool
}

func (r *wireRef) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		r.ref = Ref{EventID: id.ID(s)}
		return nil
	}
	var t []json.RawMessage
	if err := json.Unmarshal(b, &t); err != nil {
		return fmt.Errorf("reference is neither string nor tuple: %w", err)
	}
	if len(t) < 1 {
		return fmt.Errorf("empty reference tuple")
	}
	var s string
	if err := json.Unmarshal(t[0], &s); err != nil {
		return err
	}
	r.ref = Ref{EventID: id.ID(s)}
	r.tuple = true
	if len(t) > 1 {
		var h struct {
			SHA256 string `json:"sha256"`
		}
		_ = json.Unmarshal(t[1], &h)
		r.ref.Hash = h.SHA256
	}
	return nil
}

func (w *wire) into() (*Event, error) {
	e := &Event{
		Content:        w.Content,
		Depth:          w.Depth,
		EventID:        id.ID(w.EventID),
		Hashes:         w.Hashes,
		Origin:         w.Origin,
		OriginServerTS: w.OriginServerTS,
		Redacts:        id.ID(w.Redacts),
		RoomID:         id.ID(w.RoomID),
		Sender:         id.ID(w.Sender),
		Signatures:     w.Signatures,
		StateKey:       w.StateKey,
		Type:           w.Type,
		Unsigned:       w.Unsigned,
	}
	conv := func(in []wireRef) []Ref {
		if in == nil {
			return nil
		}
		out := make([]Ref, len(in))
		for i, r := range in {
			out[i] = r.ref
			if r.tuple {
				e.tupleRefs = true
			}
		}
		return out
	}
	e.AuthEvents = conv(w.AuthEvents)
	e.PrevEvents = conv(w.PrevEvents)
	e.PrevState = conv(w.PrevState)
	return e, nil
}

// Conform checks canonical shape, required fields and size caps. It is
// the CONFORM phase predicate and does not touch storage.
func (e *Event) Conform() error {
	j := e.JSON()
	if len(j) > MaxEventSize {
		return fmt.Errorf("event exceeds %d bytes", MaxEventSize)
	}
	if len(e.Type) == 0 {
		return fmt.Errorf("missing type")
	}
	if len(e.Type) > MaxTypeSize {
		return fmt.Errorf("type exceeds %d bytes", MaxTypeSize)
	}
	if e.StateKey != nil && len(*e.StateKey) > MaxStateKeySize {
		return fmt.Errorf("state_key exceeds %d bytes", MaxStateKeySize)
	}
	if len(e.Origin) > MaxOriginSize {
		return fmt.Errorf("origin exceeds %d bytes", MaxOriginSize)
	}
	if e.RoomID == "" && e.Type != "m.room.create" {
		return fmt.Errorf("missing room_id")
	}
	if e.RoomID != "" && !id.Valid(id.ROOM, string(e.RoomID)) {
		return fmt.Errorf("malformed room_id")
	}
	if e.Sender == "" {
		return fmt.Errorf("missing sender")
	}
	if !id.Valid(id.USER, string(e.Sender)) {
		return fmt.Errorf("malformed sender")
	}
	if !cjson.Valid(j) {
		return fmt.Errorf("not canonical JSON")
	}
	return nil
}
