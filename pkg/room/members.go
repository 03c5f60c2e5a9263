package room

import (
	"context"
	"encoding/json"

	"hearth/pkg/id"
)

func jsonUnmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Members enumerates the room membership from m.room.member state cells.
type Members struct {
	r *Room
}

// Members returns the membership view.
func (r *Room) Members() *Members { return &Members{r: r} }

// ForEach enumerates members, optionally filtered by membership value
// ("join", "invite", ...; empty matches all) and by server host (empty
// matches all). fn receives the member event_idx first.
func (m *Members) ForEach(ctx context.Context, membership, host string, fn func(idx uint64, userID id.ID) bool) error {
	return m.r.State().ForEach(ctx, "m.room.member", func(idx uint64, typ, stateKey string) bool {
		if typ != "m.room.member" {
			return true
		}
		uid := id.ID(stateKey)
		if host != "" && id.Host(uid) != host {
			return true
		}
		if membership != "" {
			e, err := m.r.d.Fetch(idx)
			if err != nil || e.Membership() != membership {
				return true
			}
		}
		return fn(idx, uid)
	})
}

// Count counts members with the given membership ("" counts every cell).
func (m *Members) Count(ctx context.Context, membership string) (int, error) {
	n := 0
	err := m.ForEach(ctx, membership, "", func(uint64, id.ID) bool { n++; return true })
	return n, err
}

// Membership returns the current membership value for userID, or "".
func (m *Members) Membership(ctx context.Context, userID id.ID) (string, error) {
	idx, err := m.r.State().Get(ctx, "m.room.member", string(userID))
	if err != nil {
		return "", notFoundOK(err)
	}
	e, err := m.r.d.Fetch(idx)
	if err != nil {
		return "", err
	}
	return e.Membership(), nil
}

// Origins is the set of remote servers considered in the room: the
// hosts of currently joined members.
func (r *Room) Origins(ctx context.Context, excludeHost string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	err := r.Members().ForEach(ctx, "join", "", func(_ uint64, userID id.ID) bool {
		h := id.Host(userID)
		if h == "" || h == excludeHost {
			return true
		}
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
		return true
	})
	return out, err
}

// AuthChain enumerates the transitive auth-event closure of the event at
// startIdx, deduplicated, in no specified order.
func (r *Room) AuthChain(ctx context.Context, startIdx uint64) *AuthChain {
	return &AuthChain{r: r, start: startIdx}
}

type AuthChain struct {
	r     *Room
	start uint64
}

// ForEach walks the closure. fn receives each member's event_idx.
func (a *AuthChain) ForEach(ctx context.Context, fn func(idx uint64) bool) error {
	seen := map[uint64]struct{}{}
	stack := []uint64{a.start}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e, err := a.r.d.Fetch(idx)
		if err != nil {
			return err
		}
		for _, ref := range e.AuthEvents {
			aidx, err := a.r.d.Idx(ref.EventID)
			if err != nil {
				if err := notFoundOK(err); err != nil {
					return err
				}
				continue
			}
			if _, ok := seen[aidx]; ok {
				continue
			}
			seen[aidx] = struct{}{}
			if !fn(aidx) {
				return nil
			}
			stack = append(stack, aidx)
		}
	}
	return nil
}

// IDs collects the closure as event ids.
func (a *AuthChain) IDs(ctx context.Context) ([]id.ID, error) {
	var out []id.ID
	err := a.ForEach(ctx, func(idx uint64) bool {
		e, gerr := a.r.d.Fetch(idx)
		if gerr != nil {
			return false
		}
		out = append(out, e.EventID)
		return true
	})
	return out, err
}
