package vm

import (
	"context"
	"fmt"

	"hearth/pkg/fetch"
	"hearth/pkg/id"
	"hearth/pkg/room"
)

// Backfill pulls up to limit events behind the room's current heads (or
// the supplied anchors) and evaluates them. Backfilled history skips the
// present-state auth re-check and does not notify.
func (m *VM) Backfill(ctx context.Context, roomID id.ID, anchors []string, limit int) (int, error) {
	if m.fetcher == nil {
		return 0, fmt.Errorf("no fetch engine configured")
	}
	if len(anchors) == 0 {
		ids, err := room.View(m.d, roomID).Head().IDs(ctx, 20)
		if err != nil {
			return 0, err
		}
		for _, eid := range ids {
			anchors = append(anchors, string(eid))
		}
	}
	if len(anchors) == 0 {
		return 0, fmt.Errorf("no backfill anchors for %s", roomID)
	}
	res, err := m.fetcher.Fetch(ctx, &fetch.Request{
		Op:      fetch.OpBackfill,
		RoomID:  roomID,
		Anchors: anchors,
		Limit:   limit,
	})
	if err != nil {
		return 0, err
	}
	m.evalBundle(ctx, res.PDUs, Opts{})
	return len(res.PDUs), nil
}

// FetchMissing resolves one horizon reference: fetch the event from the
// room's servers and evaluate whatever arrives. The reaper drives this
// on its sweep.
func (m *VM) FetchMissing(ctx context.Context, roomID, eventID id.ID) error {
	if m.fetcher == nil {
		return fmt.Errorf("no fetch engine configured")
	}
	res, err := m.fetcher.Fetch(ctx, &fetch.Request{
		Op:      fetch.OpEvent,
		RoomID:  roomID,
		EventID: eventID,
	})
	if err != nil {
		return err
	}
	m.evalBundle(ctx, res.PDUs, Opts{})
	return nil
}
