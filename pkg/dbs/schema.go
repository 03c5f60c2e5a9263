// Package dbs defines the "events" database schema: the column set, the
// order-preserving key encodings and the write plan that turns one event
// into its full set of index cells.
package dbs

import (
	"encoding/binary"

	"hearth/pkg/store"
)

// Column names. One logical database holds every event and every index.
const (
	ColEventID   = "_event_id"   // event_id -> event_idx
	ColEventJSON = "_event_json" // event_idx -> canonical JSON
	ColMeta      = "_meta"       // counters

	// column-per-field, keyed by event_idx
	ColEventIDF = "event_id"
	ColType     = "type"
	ColSender   = "sender"
	ColRoomID   = "room_id"
	ColDepth    = "depth"
	ColStateKey = "state_key"
	ColOriginTS = "origin_server_ts"

	ColRoomEvents = "event_id in room_id"                    // room_id \x00 event_id -> event_idx
	ColRoomTypes  = "event_id for type in room_id"           // room_id \x00 type \x00 event_id -> event_idx
	ColRoomState  = "event_id for type,state_key in room_id" // room_id \x00 type \x00 state_key \x00 depth -> event_idx
	ColRoomDepths = "event_id in room_id by depth"           // room_id \x00 depth \x00 event_idx -> event_id
	ColRoomHead   = "room_head"                              // room_id \x00 event_id -> event_idx
	ColHorizon    = "event_horizon"                          // event_id \x00 reftype referrer_idx -> (empty)
	ColRefs       = "event_refs"                             // event_idx reftype ref_idx -> (empty)
)

// Descriptor returns the open-time description of the events database.
func Descriptor() store.Descriptor {
	names := []string{
		ColEventID, ColEventJSON, ColMeta,
		ColEventIDF, ColType, ColSender, ColRoomID, ColDepth, ColStateKey, ColOriginTS,
		ColRoomEvents, ColRoomTypes, ColRoomState, ColRoomDepths,
		ColRoomHead, ColHorizon, ColRefs,
	}
	cols := make([]store.ColumnDesc, len(names))
	for i, n := range names {
		cols[i] = store.ColumnDesc{Name: n, Cached: n == ColEventJSON || n == ColEventID}
	}
	return store.Descriptor{Name: "events", Columns: cols}
}

// RefType distinguishes the two ancestry graphs in ColRefs/ColHorizon.
type RefType byte

const (
	RefPrev RefType = 0x01
	RefAuth RefType = 0x02
)

// sep separates string components in composite keys. It does not occur
// in valid identifier or type text.
const sep = 0x00

// U64BE encodes an integer so lexicographic key order matches numeric
// order.
func U64BE(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// ReadU64BE decodes a big-endian u64; short input yields 0.
func ReadU64BE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// Key builders for the composite columns.

func RoomEventsKey(roomID string, eventID string) []byte {
	k := make([]byte, 0, len(roomID)+1+len(eventID))
	k = append(k, roomID...)
	k = append(k, sep)
	return append(k, eventID...)
}

func RoomTypesKey(roomID, typ, eventID string) []byte {
	k := make([]byte, 0, len(roomID)+len(typ)+len(eventID)+2)
	k = append(k, roomID...)
	k = append(k, sep)
	k = append(k, typ...)
	k = append(k, sep)
	return append(k, eventID...)
}

// RoomStateKey sorts by room, type, state_key, then depth ascending; the
// current cell value is found by a reverse seek within the cell prefix.
func RoomStateKey(roomID, typ, stateKey string, depth uint64) []byte {
	k := RoomStateCellPrefix(roomID, typ, stateKey)
	return append(k, U64BE(depth)...)
}

func RoomStateCellPrefix(roomID, typ, stateKey string) []byte {
	k := make([]byte, 0, len(roomID)+len(typ)+len(stateKey)+3+8)
	k = append(k, roomID...)
	k = append(k, sep)
	k = append(k, typ...)
	k = append(k, sep)
	k = append(k, stateKey...)
	k = append(k, sep)
	return k
}

// RoomStateTypePrefix bounds enumeration of every cell of one type.
func RoomStateTypePrefix(roomID, typ string) []byte {
	k := make([]byte, 0, len(roomID)+len(typ)+2)
	k = append(k, roomID...)
	k = append(k, sep)
	k = append(k, typ...)
	k = append(k, sep)
	return k
}

func RoomPrefix(roomID string) []byte {
	k := make([]byte, 0, len(roomID)+1)
	k = append(k, roomID...)
	return append(k, sep)
}

func RoomDepthsKey(roomID string, depth, idx uint64) []byte {
	k := make([]byte, 0, len(roomID)+1+16)
	k = append(k, roomID...)
	k = append(k, sep)
	k = append(k, U64BE(depth)...)
	return append(k, U64BE(idx)...)
}

func HorizonKey(eventID string, ref RefType, referrerIdx uint64) []byte {
	k := make([]byte, 0, len(eventID)+1+1+8)
	k = append(k, eventID...)
	k = append(k, sep)
	k = append(k, byte(ref))
	return append(k, U64BE(referrerIdx)...)
}

func HorizonPrefix(eventID string) []byte {
	k := make([]byte, 0, len(eventID)+1)
	k = append(k, eventID...)
	return append(k, sep)
}

func RefsKey(ancestorIdx uint64, ref RefType, idx uint64) []byte {
	k := make([]byte, 0, 17)
	k = append(k, U64BE(ancestorIdx)...)
	k = append(k, byte(ref))
	return append(k, U64BE(idx)...)
}

func RefsPrefix(ancestorIdx uint64) []byte {
	return U64BE(ancestorIdx)
}
