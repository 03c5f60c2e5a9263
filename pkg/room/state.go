package room

import (
	"bytes"
	"context"

	"hearth/pkg/dbs"
	"hearth/pkg/store"
)

// State is the mapping from (type, state_key) to the event currently
// authoritative for the cell.
type State struct {
	r *Room
}

// State returns the state view.
func (r *Room) State() *State { return &State{r: r} }

// Get resolves the current event_idx for a cell, found by a reverse seek
// within the cell's depth-sorted rows. Returns store.ErrNotFound for an
// absent cell.
func (s *State) Get(ctx context.Context, typ, stateKey string) (uint64, error) {
	it, err := s.r.d.DB.Column(dbs.ColRoomState).NewIter()
	if err != nil {
		return 0, err
	}
	defer it.Close()
	prefix := dbs.RoomStateCellPrefix(string(s.r.ID), typ, stateKey)
	if err := it.SeekLT(ctx, keySuccessor(prefix)); err != nil {
		return 0, err
	}
	if !it.HasPrefix(prefix) {
		return 0, store.ErrNotFound
	}
	return dbs.ReadU64BE(it.Value()), nil
}

// Has reports cell presence.
func (s *State) Has(ctx context.Context, typ, stateKey string) (bool, error) {
	_, err := s.Get(ctx, typ, stateKey)
	if err == nil {
		return true, nil
	}
	return false, notFoundOK(err)
}

// ForEach enumerates the current cell for every (type, state_key) whose
// type begins with typePrefix (empty enumerates all state). fn receives
// the event_idx first, then the cell coordinates.
func (s *State) ForEach(ctx context.Context, typePrefix string, fn func(idx uint64, typ, stateKey string) bool) error {
	it, err := s.r.d.DB.Column(dbs.ColRoomState).NewIter()
	if err != nil {
		return err
	}
	defer it.Close()
	roomPrefix := dbs.RoomPrefix(string(s.r.ID))
	seek := append(append([]byte(nil), roomPrefix...), typePrefix...)

	// Rows sort by type, state_key then depth ascending: the last row of
	// each cell group is the authoritative one.
	var curCell []byte
	var curIdx uint64
	var curTyp, curKey string
	flush := func() bool {
		if curCell == nil {
			return true
		}
		return fn(curIdx, curTyp, curKey)
	}
	for err = it.SeekGE(ctx, seek); err == nil && it.HasPrefix(roomPrefix); err = it.Next(ctx) {
		k := it.Key()
		rest := k[len(roomPrefix):]
		if typePrefix != "" && !bytes.HasPrefix(rest, []byte(typePrefix)) {
			break
		}
		if len(rest) < 8 {
			continue
		}
		cell := rest[:len(rest)-8]
		fields := bytes.SplitN(cell, []byte{0}, 3)
		if len(fields) < 2 {
			continue
		}
		if !bytes.Equal(cell, curCell) {
			if !flush() {
				return nil
			}
			curCell = append([]byte(nil), cell...)
		}
		curIdx = dbs.ReadU64BE(it.Value())
		curTyp = string(fields[0])
		curKey = string(fields[1])
	}
	if err != nil {
		return err
	}
	flush()
	return nil
}

// Cells returns the full current state map keyed by type and state_key.
func (s *State) Cells(ctx context.Context) (map[[2]string]uint64, error) {
	out := map[[2]string]uint64{}
	err := s.ForEach(ctx, "", func(idx uint64, typ, key string) bool {
		out[[2]string{typ, key}] = idx
		return true
	})
	return out, err
}

// Version returns the room version from the create event's content, or
// "1" when the create event predates versioning.
func (r *Room) Version(ctx context.Context) (string, error) {
	idx, err := r.State().Get(ctx, "m.room.create", "")
	if err != nil {
		return "", err
	}
	e, err := r.d.Fetch(idx)
	if err != nil {
		return "", err
	}
	var c struct {
		RoomVersion string `json:"room_version"`
	}
	if err := jsonUnmarshal(e.Content, &c); err != nil || c.RoomVersion == "" {
		return "1", nil
	}
	return c.RoomVersion, nil
}
