package room

import (
	"context"

	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/id"
	"hearth/pkg/store"
)

// Head is the set of events with no local descendants; the prev_events
// of the next event in the room. Non-empty for any room with at least
// one stored event.
type Head struct {
	r *Room
}

// Head returns the head view.
func (r *Room) Head() *Head { return &Head{r: r} }

// ForEach enumerates (event_idx, event_id) head pairs.
func (h *Head) ForEach(ctx context.Context, fn func(idx uint64, eventID id.ID) bool) error {
	it, err := h.r.d.DB.Column(dbs.ColRoomHead).NewIter()
	if err != nil {
		return err
	}
	defer it.Close()
	prefix := dbs.RoomPrefix(string(h.r.ID))
	for err = it.SeekGE(ctx, prefix); err == nil && it.HasPrefix(prefix); err = it.Next(ctx) {
		eid := id.ID(it.Key()[len(prefix):])
		if !fn(dbs.ReadU64BE(it.Value()), eid) {
			return nil
		}
	}
	return err
}

// Count returns the number of current heads.
func (h *Head) Count(ctx context.Context) (int, error) {
	n := 0
	err := h.ForEach(ctx, func(uint64, id.ID) bool { n++; return true })
	return n, err
}

// IDs collects the head event ids, capped at max (0 = no cap).
func (h *Head) IDs(ctx context.Context, max int) ([]id.ID, error) {
	var out []id.ID
	err := h.ForEach(ctx, func(_ uint64, eid id.ID) bool {
		out = append(out, eid)
		return max <= 0 || len(out) < max
	})
	return out, err
}

// Refs returns the heads as ancestry references for event authoring.
func (h *Head) Refs(ctx context.Context, max int) ([]event.Ref, error) {
	ids, err := h.IDs(ctx, max)
	if err != nil {
		return nil, err
	}
	refs := make([]event.Ref, len(ids))
	for i, eid := range ids {
		refs[i] = event.Ref{EventID: eid}
	}
	return refs, nil
}

// Reset clears the head set without recomputing it.
func (h *Head) Reset() error {
	col := h.r.d.DB.Column(dbs.ColRoomHead)
	prefix := dbs.RoomPrefix(string(h.r.ID))
	return col.DeleteRange(prefix, keySuccessor(prefix))
}

// Rebuild recomputes the head set from the forward reference graph: an
// event is a head iff no stored event lists it among prev_events.
func (h *Head) Rebuild(ctx context.Context) error {
	if err := h.Reset(); err != nil {
		return err
	}
	refsCol := h.r.d.DB.Column(dbs.ColRefs)
	b := h.r.d.DB.NewBatch()
	defer b.Close()

	err := h.r.Events(ctx, EventsOpts{}, func(idx uint64) bool {
		it, err := refsCol.NewIter()
		if err != nil {
			return false
		}
		defer it.Close()
		prefix := dbs.RefsKey(idx, dbs.RefPrev, 0)[:9]
		if err := it.SeekGE(ctx, prefix); err != nil {
			return false
		}
		if it.HasPrefix(prefix) {
			return true // has a descendant; not a head
		}
		e, err := h.r.d.Fetch(idx)
		if err != nil {
			return false
		}
		key := dbs.RoomEventsKey(string(h.r.ID), string(e.EventID))
		if err := b.Set(h.r.d.DB.Column(dbs.ColRoomHead), key, dbs.U64BE(idx)); err != nil {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return b.Commit()
}

// MaxDepth returns the highest stored depth in the room, or not_found
// for an empty room.
func (r *Room) MaxDepth(ctx context.Context) (int64, error) {
	var depth int64
	found := false
	err := r.Events(ctx, EventsOpts{Reverse: true}, func(idx uint64) bool {
		v, gerr := r.d.DB.Column(dbs.ColDepth).Get(dbs.U64BE(idx))
		if gerr == nil {
			depth = int64(dbs.ReadU64BE(v))
			found = true
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, store.ErrNotFound
	}
	return depth, nil
}
