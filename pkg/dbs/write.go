package dbs

import (
	"context"
	"errors"
	"fmt"

	"hearth/pkg/event"
	"hearth/pkg/store"
)

// Op selects the write plan direction.
type Op int

const (
	SET Op = iota
	DELETE
)

// WriteOpts parameterizes one write plan.
type WriteOpts struct {
	Op       Op
	EventIdx uint64
	// HorizonResolve clears event_horizon rows naming this event and
	// rewrites them as forward references.
	HorizonResolve bool
	// Refs writes the forward reference graph rows for prev/auth.
	Refs bool
}

// Write appends every cell write required to admit (or retract) the
// event at opts.EventIdx into b. The batch commits atomically; a failing
// sub-write aborts the whole plan.
func (d *DBS) Write(b *store.Batch, e *event.Event, opts WriteOpts) error {
	if opts.EventIdx == 0 {
		return fmt.Errorf("%w: zero event_idx", store.ErrInvalidArgument)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: event without event_id", store.ErrInvalidArgument)
	}
	switch opts.Op {
	case SET:
		return d.writeSet(b, e, opts)
	case DELETE:
		return d.writeDelete(b, e, opts)
	}
	return fmt.Errorf("%w: unknown op", store.ErrInvalidArgument)
}

func (d *DBS) writeSet(b *store.Batch, e *event.Event, opts WriteOpts) error {
	idx := opts.EventIdx
	idxKey := U64BE(idx)
	col := d.DB.Column

	if err := b.Set(col(ColEventID), []byte(e.EventID), idxKey); err != nil {
		return err
	}
	if err := b.Set(col(ColEventJSON), idxKey, e.JSON()); err != nil {
		return err
	}

	// column-per-field
	fields := []struct {
		col string
		val []byte
	}{
		{ColEventIDF, []byte(e.EventID)},
		{ColType, []byte(e.Type)},
		{ColSender, []byte(e.Sender)},
		{ColRoomID, []byte(e.RoomID)},
		{ColDepth, U64BE(uint64(e.Depth))},
		{ColOriginTS, U64BE(uint64(e.OriginServerTS))},
	}
	for _, f := range fields {
		if err := b.Set(col(f.col), idxKey, f.val); err != nil {
			return err
		}
	}
	if e.IsState() {
		if err := b.Set(col(ColStateKey), idxKey, []byte(e.StateKeyStr())); err != nil {
			return err
		}
	}

	room := string(e.RoomID)
	if err := b.Set(col(ColRoomEvents), RoomEventsKey(room, string(e.EventID)), idxKey); err != nil {
		return err
	}
	if err := b.Set(col(ColRoomTypes), RoomTypesKey(room, e.Type, string(e.EventID)), idxKey); err != nil {
		return err
	}
	if err := b.Set(col(ColRoomDepths), RoomDepthsKey(room, uint64(e.Depth), idx), []byte(e.EventID)); err != nil {
		return err
	}
	if e.IsState() {
		key := RoomStateKey(room, e.Type, e.StateKeyStr(), uint64(e.Depth))
		if err := b.Set(col(ColRoomState), key, idxKey); err != nil {
			return err
		}
	}

	if err := d.writeRefs(b, e, opts); err != nil {
		return err
	}
	if opts.HorizonResolve {
		if err := d.resolveHorizon(b, e, opts); err != nil {
			return err
		}
	}
	return nil
}

// writeRefs records this event's ancestry. Known ancestors get a forward
// reference row; unknown ones get a horizon row so arrival of the
// ancestor can be detected later.
func (d *DBS) writeRefs(b *store.Batch, e *event.Event, opts WriteOpts) error {
	idx := opts.EventIdx
	col := d.DB.Column
	walk := func(refs []event.Ref, t RefType) error {
		for _, r := range refs {
			ancIdx, err := d.Idx(r.EventID)
			switch {
			case err == nil:
				if opts.Refs {
					if err := b.Set(col(ColRefs), RefsKey(ancIdx, t, idx), nil); err != nil {
						return err
					}
				}
			case errors.Is(err, store.ErrNotFound):
				if err := b.Set(col(ColHorizon), HorizonKey(string(r.EventID), t, idx), nil); err != nil {
					return err
				}
			default:
				return err
			}
		}
		return nil
	}
	if err := walk(e.PrevEvents, RefPrev); err != nil {
		return err
	}
	return walk(e.AuthEvents, RefAuth)
}

// resolveHorizon deletes horizon rows satisfied by this event and turns
// each into a forward reference from this event to its referrer.
func (d *DBS) resolveHorizon(b *store.Batch, e *event.Event, opts WriteOpts) error {
	col := d.DB.Column
	it, err := col(ColHorizon).NewIter()
	if err != nil {
		return err
	}
	defer it.Close()
	ctx := context.Background()
	prefix := HorizonPrefix(string(e.EventID))
	for err = it.SeekGE(ctx, prefix); err == nil && it.HasPrefix(prefix); err = it.Next(ctx) {
		k := append([]byte(nil), it.Key()...)
		tail := k[len(prefix):]
		if len(tail) != 9 {
			continue
		}
		refType := RefType(tail[0])
		referrer := ReadU64BE(tail[1:])
		if err := b.Delete(col(ColHorizon), k); err != nil {
			return err
		}
		if opts.Refs {
			if err := b.Set(col(ColRefs), RefsKey(opts.EventIdx, refType, referrer), nil); err != nil {
				return err
			}
		}
	}
	return err
}

// writeDelete retracts every index row for the event. The event_idx is
// not reused; only its cells disappear.
func (d *DBS) writeDelete(b *store.Batch, e *event.Event, opts WriteOpts) error {
	idx := opts.EventIdx
	idxKey := U64BE(idx)
	col := d.DB.Column

	for _, name := range []string{
		ColEventJSON, ColEventIDF, ColType, ColSender, ColRoomID, ColDepth,
		ColStateKey, ColOriginTS,
	} {
		if err := b.Delete(col(name), idxKey); err != nil {
			return err
		}
	}
	if err := b.Delete(col(ColEventID), []byte(e.EventID)); err != nil {
		return err
	}
	room := string(e.RoomID)
	if err := b.Delete(col(ColRoomEvents), RoomEventsKey(room, string(e.EventID))); err != nil {
		return err
	}
	if err := b.Delete(col(ColRoomTypes), RoomTypesKey(room, e.Type, string(e.EventID))); err != nil {
		return err
	}
	if err := b.Delete(col(ColRoomDepths), RoomDepthsKey(room, uint64(e.Depth), idx)); err != nil {
		return err
	}
	if e.IsState() {
		key := RoomStateKey(room, e.Type, e.StateKeyStr(), uint64(e.Depth))
		if err := b.Delete(col(ColRoomState), key); err != nil {
			return err
		}
	}
	d.Evict(idx)
	return nil
}

// AdvanceHead records the event as a room head and retracts the heads it
// descends from. Run inside the same batch as the event's write plan.
func (d *DBS) AdvanceHead(b *store.Batch, e *event.Event, idx uint64) error {
	col := d.DB.Column
	room := string(e.RoomID)
	if err := b.Set(col(ColRoomHead), RoomEventsKey(room, string(e.EventID)), U64BE(idx)); err != nil {
		return err
	}
	for _, r := range e.PrevEvents {
		if err := b.Delete(col(ColRoomHead), RoomEventsKey(room, string(r.EventID))); err != nil {
			return err
		}
	}
	return nil
}
