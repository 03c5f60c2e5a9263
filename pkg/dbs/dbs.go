package dbs

import (
	"errors"
	"fmt"
	"sync"

	"hearth/pkg/event"
	"hearth/pkg/id"
	"hearth/pkg/logger"
	"hearth/pkg/store"
)

// DBS owns the open events database. Application code holds event_idx
// values as weak references and materializes events on demand through
// Fetch; the database owns all stored bytes.
type DBS struct {
	DB *store.DB

	mu  sync.Mutex
	seq uint64

	cache *jsonCache
}

// seqKey persists the last assigned event_idx in ColMeta.
var seqKey = []byte("event_idx_seq")

// Open opens the events database under baseDir and recovers the
// event_idx counter.
func Open(baseDir string) (*DBS, error) {
	db, err := store.Open(baseDir, Descriptor())
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	d := &DBS{DB: db, cache: newJSONCache(4096)}
	meta := db.Column(ColMeta)
	v, err := meta.Get(seqKey)
	switch {
	case err == nil:
		d.seq = ReadU64BE(v)
	case errors.Is(err, store.ErrNotFound):
		d.seq = 0
	default:
		return nil, err
	}
	logger.Info("events_db_ready", "dir", db.Dir(), "event_idx", d.seq)
	return d, nil
}

// Close closes the underlying database.
func (d *DBS) Close() error { return d.DB.Close() }

// NextIdx assigns the next event_idx. Indexes are monotonic and unique
// within the database and are never reused after deletion. The counter
// is persisted inside the same batch as the event it numbers.
func (d *DBS) NextIdx(b *store.Batch) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if err := b.Set(d.DB.Column(ColMeta), seqKey, U64BE(d.seq)); err != nil {
		d.seq--
		return 0, err
	}
	return d.seq, nil
}

// Idx resolves an event_id to its internal index.
func (d *DBS) Idx(eventID id.ID) (uint64, error) {
	v, err := d.DB.Column(ColEventID).Get([]byte(eventID))
	if err != nil {
		return 0, err
	}
	return ReadU64BE(v), nil
}

// Has reports whether event_id is stored.
func (d *DBS) Has(eventID id.ID) (bool, error) {
	return d.DB.Column(ColEventID).Has([]byte(eventID))
}

// JSON returns the canonical payload for idx, through the read cache.
func (d *DBS) JSON(idx uint64) ([]byte, error) {
	if v, ok := d.cache.get(idx); ok {
		return v, nil
	}
	v, err := d.DB.Column(ColEventJSON).Get(U64BE(idx))
	if err != nil {
		return nil, err
	}
	d.cache.put(idx, v)
	return v, nil
}

// Fetch materializes the event stored at idx. Hash-derived event ids
// are not part of the stored payload; they are restored from the
// event_id field column.
func (d *DBS) Fetch(idx uint64) (*event.Event, error) {
	raw, err := d.JSON(idx)
	if err != nil {
		return nil, err
	}
	e, err := event.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: stored event %d unparseable: %v", store.ErrCorruption, idx, err)
	}
	if e.EventID == "" {
		v, gerr := d.DB.Column(ColEventIDF).Get(U64BE(idx))
		if gerr != nil {
			return nil, gerr
		}
		e.EventID = id.ID(v)
	}
	return e, nil
}

// FetchByID materializes the event stored under eventID.
func (d *DBS) FetchByID(eventID id.ID) (*event.Event, uint64, error) {
	idx, err := d.Idx(eventID)
	if err != nil {
		return nil, 0, err
	}
	e, err := d.Fetch(idx)
	return e, idx, err
}

// Evict drops idx from the read cache (after redaction overwrites).
func (d *DBS) Evict(idx uint64) { d.cache.evict(idx) }
