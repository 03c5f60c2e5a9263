package room

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/id"
	"hearth/pkg/logger"
	"hearth/pkg/store"
)

const roomID = id.ID("!r:x")

func openTest(t *testing.T) *dbs.DBS {
	t.Helper()
	logger.Init()
	d, err := dbs.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func put(t *testing.T, d *dbs.DBS, eid, typ string, stateKey *string, sender string, depth int64, content string, prev []string) uint64 {
	t.Helper()
	e := &event.Event{
		Type:           typ,
		StateKey:       stateKey,
		RoomID:         roomID,
		Sender:         id.ID(sender),
		Origin:         "x",
		OriginServerTS: 1,
		Depth:          depth,
		EventID:        id.ID(eid),
		Content:        json.RawMessage(content),
	}
	e.SetTupleRefs(true)
	for _, p := range prev {
		e.PrevEvents = append(e.PrevEvents, event.Ref{EventID: id.ID(p)})
	}
	b := d.DB.NewBatch()
	defer b.Close()
	idx, err := d.NextIdx(b)
	if err != nil {
		t.Fatalf("NextIdx: %v", err)
	}
	if err := d.Write(b, e, dbs.WriteOpts{Op: dbs.SET, EventIdx: idx, HorizonResolve: true, Refs: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.AdvanceHead(b, e, idx); err != nil {
		t.Fatalf("AdvanceHead: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return idx
}

func strp(s string) *string { return &s }

// seedRoom writes create, two joins and a message.
func seedRoom(t *testing.T, d *dbs.DBS) {
	t.Helper()
	put(t, d, "$create:x", "m.room.create", strp(""), "@alice:x", 1,
		`{"creator":"@alice:x","room_version":"10"}`, nil)
	put(t, d, "$alice:x", "m.room.member", strp("@alice:x"), "@alice:x", 2,
		`{"membership":"join"}`, []string{"$create:x"})
	put(t, d, "$bob:x", "m.room.member", strp("@bob:y"), "@bob:y", 3,
		`{"membership":"join"}`, []string{"$alice:x"})
	put(t, d, "$msg:x", "m.room.message", nil, "@alice:x", 4,
		`{"body":"hi"}`, []string{"$bob:x"})
}

func TestHead(t *testing.T) {
	d := openTest(t)
	seedRoom(t, d)
	ctx := context.Background()
	r := View(d, roomID)

	n, err := r.Head().Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("head count: %d %v", n, err)
	}
	ids, err := r.Head().IDs(ctx, 0)
	if err != nil || len(ids) != 1 || ids[0] != "$msg:x" {
		t.Fatalf("head ids: %v %v", ids, err)
	}

	// head coverage: prev refs of non-head events cover events\heads
	total, err := r.Count(ctx)
	if err != nil || total != 4 {
		t.Fatalf("room count: %d %v", total, err)
	}
}

func TestHeadRebuild(t *testing.T) {
	d := openTest(t)
	seedRoom(t, d)
	ctx := context.Background()
	r := View(d, roomID)

	if err := r.Head().Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := r.Head().Count(ctx); n != 0 {
		t.Fatalf("head not empty after reset: %d", n)
	}
	if err := r.Head().Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	ids, err := r.Head().IDs(ctx, 0)
	if err != nil || len(ids) != 1 || ids[0] != "$msg:x" {
		t.Fatalf("rebuilt head: %v %v", ids, err)
	}
}

func TestStateCells(t *testing.T) {
	d := openTest(t)
	seedRoom(t, d)
	ctx := context.Background()
	r := View(d, roomID)

	idx, err := r.State().Get(ctx, "m.room.create", "")
	if err != nil {
		t.Fatalf("state get create: %v", err)
	}
	e, err := d.Fetch(idx)
	if err != nil || e.EventID != "$create:x" {
		t.Fatalf("create cell: %v %v", e, err)
	}

	if _, err := r.State().Get(ctx, "m.room.topic", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("absent cell: %v", err)
	}

	// a later write to the same cell wins
	put(t, d, "$bob2:x", "m.room.member", strp("@bob:y"), "@bob:y", 5,
		`{"membership":"leave"}`, []string{"$msg:x"})
	idx, err = r.State().Get(ctx, "m.room.member", "@bob:y")
	if err != nil {
		t.Fatalf("member cell: %v", err)
	}
	e, _ = d.Fetch(idx)
	if e.Membership() != "leave" {
		t.Fatalf("stale state cell: %s", e.Membership())
	}

	cells, err := r.State().Cells(ctx)
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	if len(cells) != 3 { // create + two member cells
		t.Fatalf("cell count: %d (%v)", len(cells), cells)
	}
}

func TestMembersAndOrigins(t *testing.T) {
	d := openTest(t)
	seedRoom(t, d)
	ctx := context.Background()
	r := View(d, roomID)

	n, err := r.Members().Count(ctx, "join")
	if err != nil || n != 2 {
		t.Fatalf("join count: %d %v", n, err)
	}
	ms, err := r.Members().Membership(ctx, "@bob:y")
	if err != nil || ms != "join" {
		t.Fatalf("membership: %q %v", ms, err)
	}

	origins, err := r.Origins(ctx, "x")
	if err != nil || len(origins) != 1 || origins[0] != "y" {
		t.Fatalf("origins: %v %v", origins, err)
	}

	// host filter
	n = 0
	err = r.Members().ForEach(ctx, "", "y", func(_ uint64, uid id.ID) bool { n++; return true })
	if err != nil || n != 1 {
		t.Fatalf("host filter: %d %v", n, err)
	}
}

func TestRoomVersion(t *testing.T) {
	d := openTest(t)
	seedRoom(t, d)
	v, err := View(d, roomID).Version(context.Background())
	if err != nil || v != "10" {
		t.Fatalf("version: %q %v", v, err)
	}
}

func TestEventsOrder(t *testing.T) {
	d := openTest(t)
	seedRoom(t, d)
	ctx := context.Background()
	r := View(d, roomID)

	var depths []int64
	err := r.Events(ctx, EventsOpts{Reverse: true}, func(idx uint64) bool {
		e, ferr := d.Fetch(idx)
		if ferr != nil {
			t.Fatalf("Fetch: %v", ferr)
		}
		depths = append(depths, e.Depth)
		return true
	})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(depths) != 4 || depths[0] != 4 || depths[3] != 1 {
		t.Fatalf("reverse depth order: %v", depths)
	}
}

func TestSounding(t *testing.T) {
	d := openTest(t)
	put(t, d, "$a:x", "m.room.create", strp(""), "@alice:x", 1, `{"creator":"@alice:x"}`, nil)
	put(t, d, "$b:x", "m.room.message", nil, "@alice:x", 2, `{}`, []string{"$a:x"})
	// depths 5..6 exist; 3..4 are a gap
	put(t, d, "$e:x", "m.room.message", nil, "@alice:x", 5, `{}`, []string{"$d:x"})
	put(t, d, "$f:x", "m.room.message", nil, "@alice:x", 6, `{}`, []string{"$e:x"})

	gap, err := View(d, roomID).Sounding(context.Background())
	if err != nil {
		t.Fatalf("Sounding: %v", err)
	}
	if gap.Sounding != 5 || gap.Twain != 2 {
		t.Fatalf("gap markers: %+v", gap)
	}
}

func TestHorizonView(t *testing.T) {
	d := openTest(t)
	put(t, d, "$a:x", "m.room.create", strp(""), "@alice:x", 1, `{"creator":"@alice:x"}`, nil)
	put(t, d, "$c:x", "m.room.message", nil, "@alice:x", 3, `{}`, []string{"$missing:x"})

	ctx := context.Background()
	r := View(d, roomID)
	n, err := r.Horizon().Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("horizon count: %d %v", n, err)
	}
	found := false
	err = r.Missing(ctx, 0, func(eid id.ID, _ uint64) bool {
		found = eid == "$missing:x"
		return true
	})
	if err != nil || !found {
		t.Fatalf("missing: found=%v %v", found, err)
	}
	// min depth above the referrer filters it out
	n = 0
	err = r.Missing(ctx, 10, func(id.ID, uint64) bool { n++; return true })
	if err != nil || n != 0 {
		t.Fatalf("missing min depth: %d %v", n, err)
	}
}
