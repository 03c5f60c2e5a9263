// Package room interprets the events index as rooms: heads, depth
// streams, state cells, members, origins, auth chains and the horizon.
// Closures receive event_idx values; payloads are materialized lazily by
// the caller through dbs.Fetch.
package room

import (
	"bytes"
	"context"
	"errors"

	"hearth/pkg/dbs"
	"hearth/pkg/id"
	"hearth/pkg/store"
)

// Room is a read-only view over one room_id.
type Room struct {
	d  *dbs.DBS
	ID id.ID
}

// View opens a view; it performs no I/O until a read method is called.
func View(d *dbs.DBS, roomID id.ID) *Room {
	return &Room{d: d, ID: roomID}
}

// Known reports whether any event of the room is stored locally.
func (r *Room) Known(ctx context.Context) (bool, error) {
	it, err := r.d.DB.Column(dbs.ColRoomEvents).NewIter()
	if err != nil {
		return false, err
	}
	defer it.Close()
	prefix := dbs.RoomPrefix(string(r.ID))
	if err := it.SeekGE(ctx, prefix); err != nil {
		return false, err
	}
	return it.HasPrefix(prefix), nil
}

// EventsOpts controls Events iteration.
type EventsOpts struct {
	// MinDepth bounds the scan from below.
	MinDepth int64
	// Reverse walks from the newest depth down.
	Reverse bool
}

// Events walks the room's depth stream, invoking fn with each event_idx
// until fn returns false or the stream ends.
func (r *Room) Events(ctx context.Context, opts EventsOpts, fn func(idx uint64) bool) error {
	it, err := r.d.DB.Column(dbs.ColRoomDepths).NewIter()
	if err != nil {
		return err
	}
	defer it.Close()
	prefix := dbs.RoomPrefix(string(r.ID))
	lower := append(append([]byte(nil), prefix...), dbs.U64BE(uint64(opts.MinDepth))...)

	step := it.Next
	if opts.Reverse {
		step = it.Prev
		err = it.SeekLT(ctx, keySuccessor(prefix))
	} else {
		err = it.SeekGE(ctx, lower)
	}
	for ; err == nil && it.HasPrefix(prefix); err = step(ctx) {
		k := it.Key()
		if opts.Reverse && bytes.Compare(k, lower) < 0 {
			break
		}
		idx := dbs.ReadU64BE(k[len(k)-8:])
		if !fn(idx) {
			return nil
		}
	}
	return err
}

// Count returns the number of stored events in the room.
func (r *Room) Count(ctx context.Context) (int, error) {
	n := 0
	err := r.Events(ctx, EventsOpts{}, func(uint64) bool { n++; return true })
	return n, err
}

// keySuccessor returns the smallest key strictly greater than every key
// with the given prefix.
func keySuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return append(out, 0xff)
}

// notFoundOK maps ErrNotFound to a nil error for optional reads.
func notFoundOK(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
