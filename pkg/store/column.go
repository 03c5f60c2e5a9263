package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Column is an ordered map namespace within its database. Columns borrow
// the database handle; they hold no resources of their own.
type Column struct {
	db     *DB
	name   string
	prefix []byte
}

// Name returns the column name from the descriptor.
func (c *Column) Name() string { return c.name }

func (c *Column) key(k []byte) []byte {
	out := make([]byte, 0, len(c.prefix)+len(k))
	out = append(out, c.prefix...)
	return append(out, k...)
}

// bounds returns the [lower, upper) key range covering the whole column.
func (c *Column) bounds() (lower, upper []byte) {
	lower = append([]byte(nil), c.prefix...)
	upper = append([]byte(nil), c.prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return lower, upper
		}
		upper[i] = 0
	}
	return lower, nil
}

// Get copies the value for key into a fresh buffer.
func (c *Column) Get(key []byte) ([]byte, error) {
	if c.db.closed.Load() {
		return nil, ErrShutdown
	}
	v, closer, err := c.db.pdb.Get(c.key(key))
	if err != nil {
		return nil, mapErr(err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	readTotal.Inc()
	return out, nil
}

// Has reports whether key is present.
func (c *Column) Has(key []byte) (bool, error) {
	_, err := c.Get(key)
	if err == nil {
		return true, nil
	}
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// Put writes key=value synchronously, outside any batch.
func (c *Column) Put(key, value []byte) error {
	if c.db.readOnly.Load() {
		return ErrReadOnly
	}
	if c.db.closed.Load() {
		return ErrShutdown
	}
	err := mapErr(c.db.pdb.Set(c.key(key), value, pebble.Sync))
	if IsTerminal(err) && err != ErrShutdown {
		c.db.noteCorruption()
	}
	return err
}

// Delete removes key if present.
func (c *Column) Delete(key []byte) error {
	if c.db.readOnly.Load() {
		return ErrReadOnly
	}
	if c.db.closed.Load() {
		return ErrShutdown
	}
	return mapErr(c.db.pdb.Delete(c.key(key), pebble.Sync))
}

// DeleteRange removes keys in [start, end) within the column.
func (c *Column) DeleteRange(start, end []byte) error {
	if c.db.readOnly.Load() {
		return ErrReadOnly
	}
	if c.db.closed.Load() {
		return ErrShutdown
	}
	if len(end) == 0 {
		return fmt.Errorf("%w: empty range end", ErrInvalidArgument)
	}
	return mapErr(c.db.pdb.DeleteRange(c.key(start), c.key(end), pebble.Sync))
}
