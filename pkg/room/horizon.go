package room

import (
	"context"

	"hearth/pkg/dbs"
	"hearth/pkg/id"
	"hearth/pkg/store"
)

// Horizon reports event ids referenced as prev/auth by stored events of
// this room but not themselves stored locally.
type Horizon struct {
	r *Room
}

// Horizon returns the horizon view.
func (r *Room) Horizon() *Horizon { return &Horizon{r: r} }

// ForEach enumerates (missing event_id, ref type, referrer event_idx)
// rows belonging to this room.
func (h *Horizon) ForEach(ctx context.Context, fn func(eventID id.ID, ref dbs.RefType, referrerIdx uint64) bool) error {
	it, err := h.r.d.DB.Column(dbs.ColHorizon).NewIter()
	if err != nil {
		return err
	}
	defer it.Close()
	roomCol := h.r.d.DB.Column(dbs.ColRoomID)
	for err = it.First(ctx); err == nil && it.Valid(); err = it.Next(ctx) {
		k := it.Key()
		// key layout: event_id \x00 reftype referrer_idx
		if len(k) < 10 {
			continue
		}
		split := len(k) - 10
		if k[split] != 0 {
			continue
		}
		eventID := id.ID(k[:split])
		ref := dbs.RefType(k[split+1])
		referrer := dbs.ReadU64BE(k[split+2:])

		roomVal, gerr := roomCol.Get(dbs.U64BE(referrer))
		if gerr != nil {
			if notFoundOK(gerr) != nil {
				return gerr
			}
			continue
		}
		if string(roomVal) != string(h.r.ID) {
			continue
		}
		if !fn(eventID, ref, referrer) {
			return nil
		}
	}
	return err
}

// Count returns the number of horizon rows for the room.
func (h *Horizon) Count(ctx context.Context) (int, error) {
	n := 0
	err := h.ForEach(ctx, func(id.ID, dbs.RefType, uint64) bool { n++; return true })
	return n, err
}

// Missing reports horizon references whose referrer sits at or above
// minDepth; the VM uses it to drive targeted backfill.
func (r *Room) Missing(ctx context.Context, minDepth int64, fn func(eventID id.ID, referrerIdx uint64) bool) error {
	depthCol := r.d.DB.Column(dbs.ColDepth)
	return r.Horizon().ForEach(ctx, func(eid id.ID, _ dbs.RefType, referrer uint64) bool {
		v, err := depthCol.Get(dbs.U64BE(referrer))
		if err != nil {
			return true
		}
		if int64(dbs.ReadU64BE(v)) < minDepth {
			return true
		}
		return fn(eid, referrer)
	})
}

// Gap bounds a contiguous depth gap in the stored DAG: Sounding is the
// lowest stored depth above the gap, Twain the highest stored depth
// below it.
type Gap struct {
	Sounding int64
	Twain    int64
}

// Sounding scans the depth stream downward and returns the highest gap,
// or store.ErrNotFound when the stored range is contiguous.
func (r *Room) Sounding(ctx context.Context) (Gap, error) {
	var prev int64 = -1
	var gap Gap
	found := false
	err := r.Events(ctx, EventsOpts{Reverse: true}, func(idx uint64) bool {
		v, gerr := r.d.DB.Column(dbs.ColDepth).Get(dbs.U64BE(idx))
		if gerr != nil {
			return true
		}
		depth := int64(dbs.ReadU64BE(v))
		if prev >= 0 && prev-depth > 1 {
			gap = Gap{Sounding: prev, Twain: depth}
			found = true
			return false
		}
		prev = depth
		return true
	})
	if err != nil {
		return Gap{}, err
	}
	if !found {
		return Gap{}, store.ErrNotFound
	}
	return gap, nil
}
