package store

import (
	"bytes"
	"context"

	"github.com/cockroachdb/pebble"
)

// Snapshot fixes a sequence number; reads against it see exactly that
// state regardless of later commits.
type Snapshot struct {
	db   *DB
	snap *pebble.Snapshot
}

// NewSnapshot captures the current state of the database.
func (db *DB) NewSnapshot() *Snapshot {
	return &Snapshot{db: db, snap: db.pdb.NewSnapshot()}
}

// Close releases the snapshot.
func (s *Snapshot) Close() error { return mapErr(s.snap.Close()) }

// Get reads key from col at the snapshot.
func (s *Snapshot) Get(col *Column, key []byte) ([]byte, error) {
	v, closer, err := s.snap.Get(col.key(key))
	if err != nil {
		return nil, mapErr(err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

// Iterator walks one column in key order, forward or reverse. Every
// positioning call is idempotent with respect to (snapshot, key): the
// iterator may be re-seated to its current key at any time, even after
// the block cache has turned over, so cancelling an in-flight seek never
// invalidates it. Positioning starts in the non-blocking tier and is
// offloaded to a blocking worker token when that tier reports
// incomplete.
type Iterator struct {
	col  *Column
	pool *offloadPool
	it   *pebble.Iterator

	key   []byte
	value []byte
	valid bool
	err   error
}

func newIter(col *Column, src interface {
	NewIter(*pebble.IterOptions) (*pebble.Iterator, error)
}, pool *offloadPool) (*Iterator, error) {
	lower, upper := col.bounds()
	pit, err := src.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, mapErr(err)
	}
	return &Iterator{col: col, pool: pool, it: pit}, nil
}

// NewIter opens an iterator over col at the snapshot.
func (s *Snapshot) NewIter(col *Column) (*Iterator, error) {
	return newIter(col, s.snap, s.db.offload)
}

// NewIter opens an iterator over the live state of col.
func (c *Column) NewIter() (*Iterator, error) {
	return newIter(c, c.db.pdb, c.db.offload)
}

// position runs a raw positioning func under a worker token and captures
// the landing key/value.
func (i *Iterator) position(ctx context.Context, fn func() bool) error {
	if err := i.pool.tryAcquire(); err != nil {
		if err != ErrIncomplete {
			return err
		}
		// Offload: wait for a blocking worker token, then re-issue. The
		// fresh seek below lands on the same (snapshot, key) position.
		if err := i.pool.acquire(ctx); err != nil {
			return err
		}
	}
	defer i.pool.release()
	i.valid = fn()
	if i.valid {
		i.key = append(i.key[:0], i.it.Key()[len(i.col.prefix):]...)
		i.value = append(i.value[:0], i.it.Value()...)
	}
	i.err = mapErr(i.it.Error())
	return i.err
}

// SeekGE positions at the first key >= key.
func (i *Iterator) SeekGE(ctx context.Context, key []byte) error {
	return i.position(ctx, func() bool { return i.it.SeekGE(i.col.key(key)) })
}

// SeekLT positions at the last key < key (reverse scans).
func (i *Iterator) SeekLT(ctx context.Context, key []byte) error {
	return i.position(ctx, func() bool { return i.it.SeekLT(i.col.key(key)) })
}

// First positions at the first key of the column.
func (i *Iterator) First(ctx context.Context) error {
	return i.position(ctx, func() bool { return i.it.First() })
}

// Last positions at the last key of the column.
func (i *Iterator) Last(ctx context.Context) error {
	return i.position(ctx, func() bool { return i.it.Last() })
}

// Next advances forward.
func (i *Iterator) Next(ctx context.Context) error {
	return i.position(ctx, func() bool { return i.it.Next() })
}

// Prev steps backward.
func (i *Iterator) Prev(ctx context.Context) error {
	return i.position(ctx, func() bool { return i.it.Prev() })
}

// Valid reports whether the iterator is positioned on an entry.
func (i *Iterator) Valid() bool { return i.valid }

// Key returns the current key with the column prefix stripped. The
// buffer is owned by the iterator; copy to retain across moves.
func (i *Iterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.key
}

// Value returns the current value; same ownership rules as Key.
func (i *Iterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.value
}

// HasPrefix reports whether the current key starts with p.
func (i *Iterator) HasPrefix(p []byte) bool {
	return i.valid && bytes.HasPrefix(i.key, p)
}

// Err returns the deferred iteration error, if any.
func (i *Iterator) Err() error { return i.err }

// Close releases the iterator. Safe at any point of the scan.
func (i *Iterator) Close() error { return mapErr(i.it.Close()) }
