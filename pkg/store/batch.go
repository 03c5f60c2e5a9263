package store

import (
	"github.com/cockroachdb/pebble"
)

// Batch is an ordered sequence of cell writes applied as a unit. Readers
// outside the batch observe either all of it or none of it.
type Batch struct {
	db *DB
	b  *pebble.Batch
}

// NewBatch starts an empty batch against the database.
func (db *DB) NewBatch() *Batch {
	return &Batch{db: db, b: db.pdb.NewBatch()}
}

// Set queues a put into col.
func (b *Batch) Set(col *Column, key, value []byte) error {
	return mapErr(b.b.Set(col.key(key), value, nil))
}

// Delete queues a deletion from col.
func (b *Batch) Delete(col *Column, key []byte) error {
	return mapErr(b.b.Delete(col.key(key), nil))
}

// DeleteRange queues a range deletion [start, end) within col.
func (b *Batch) DeleteRange(col *Column, start, end []byte) error {
	return mapErr(b.b.DeleteRange(col.key(start), col.key(end), nil))
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return int(b.b.Count()) }

// Commit applies the batch atomically and durably. A corruption error
// aborts the whole batch; no partial writes become visible.
func (b *Batch) Commit() error {
	if b.db.readOnly.Load() {
		b.b.Close()
		return ErrReadOnly
	}
	if b.db.closed.Load() {
		b.b.Close()
		return ErrShutdown
	}
	err := mapErr(b.b.Commit(pebble.Sync))
	if err != nil {
		if IsTerminal(err) && err != ErrShutdown {
			b.db.noteCorruption()
		}
		batchAbortTotal.Inc()
		return err
	}
	batchCommitTotal.Inc()
	return nil
}

// Close releases the batch without committing.
func (b *Batch) Close() { _ = b.b.Close() }
