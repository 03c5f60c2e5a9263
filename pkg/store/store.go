// Package store exposes an ordered, transactional, per-column KV store
// on top of pebble. A database is opened by name under a base directory
// with a description enumerating its columns; columns are key-prefix
// namespaces within one pebble instance so that a write batch spanning
// columns commits atomically.
package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"hearth/pkg/logger"
)

// ColumnDesc describes one column at open time.
type ColumnDesc struct {
	Name string
	// Cached marks hot columns whose reads should be counted against
	// the block cache metrics.
	Cached bool
}

// Descriptor enumerates the columns of a database. Opening a database
// whose on-disk column set contains names missing from the descriptor is
// an error; columns added to the descriptor are created on first open.
type Descriptor struct {
	Name    string
	Columns []ColumnDesc
	// CacheSize is the pebble block cache size in bytes (0 = default).
	CacheSize int64
	// DisableWAL turns off the write-ahead log (tests only).
	DisableWAL bool
}

// DB is an open database: a pebble instance plus its column table.
type DB struct {
	name string
	dir  string
	pdb  *pebble.DB

	mu      sync.RWMutex
	columns map[string]*Column
	order   []*Column

	offload *offloadPool

	// corruptionCount flips the store read-only past a threshold.
	corruptionCount atomic.Uint64
	readOnly        atomic.Bool

	closed atomic.Bool
}

// corruptionThreshold is the number of observed corruption errors after
// which the store stops accepting writes.
const corruptionThreshold = 8

var (
	arenaMu sync.Mutex
	arena   = map[string]*DB{}
)

// colMetaKey holds the persisted column name set for descriptor checks.
const colMetaKey = "\x00columns"

// Open opens (or creates) the database described by desc under baseDir.
// Open is idempotent per path; a second Open of the same database
// returns the already-open handle from the arena.
func Open(baseDir string, desc Descriptor) (*DB, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: empty database name", ErrInvalidArgument)
	}
	dir := filepath.Join(baseDir, desc.Name)
	arenaMu.Lock()
	defer arenaMu.Unlock()
	if db, ok := arena[dir]; ok {
		return db, nil
	}
	opts := &pebble.Options{DisableWAL: desc.DisableWAL}
	if desc.CacheSize > 0 {
		cache := pebble.NewCache(desc.CacheSize)
		defer cache.Unref()
		opts.Cache = cache
	}
	logger.Info("opening_db", "name", desc.Name, "dir", dir)
	pdb, err := pebble.Open(dir, opts)
	if err != nil {
		logger.Error("db_open_failed", "name", desc.Name, "error", err)
		return nil, mapErr(err)
	}

	db := &DB{
		name:    desc.Name,
		dir:     dir,
		pdb:     pdb,
		columns: map[string]*Column{},
		offload: newOffloadPool(defaultOffloadWorkers),
	}
	if err := db.assignColumns(desc); err != nil {
		db.offload.close()
		_ = pdb.Close()
		return nil, err
	}
	arena[dir] = db
	logger.Info("db_opened", "name", desc.Name, "columns", len(desc.Columns))
	return db, nil
}

// assignColumns maps names to stable key prefixes. The on-disk column
// list fixes each existing column's ordinal; opening with a descriptor
// that omits an on-disk column is an error; columns new in the
// descriptor are appended and persisted.
func (db *DB) assignColumns(desc Descriptor) error {
	var stored []string
	val, closer, err := db.pdb.Get([]byte(colMetaKey))
	switch {
	case err == nil:
		stored = splitNames(string(val))
		_ = closer.Close()
	case err == pebble.ErrNotFound:
	default:
		return mapErr(err)
	}

	have := map[string]struct{}{}
	for _, cd := range desc.Columns {
		have[cd.Name] = struct{}{}
	}
	for _, name := range stored {
		if _, ok := have[name]; !ok {
			return fmt.Errorf("%w: on-disk column %q missing from descriptor", ErrInvalidArgument, name)
		}
	}

	ordered := append([]string(nil), stored...)
	known := map[string]struct{}{}
	for _, n := range stored {
		known[n] = struct{}{}
	}
	for _, cd := range desc.Columns {
		if _, ok := known[cd.Name]; !ok {
			ordered = append(ordered, cd.Name)
		}
	}

	for i, name := range ordered {
		col := &Column{db: db, name: name, prefix: columnPrefix(uint16(i))}
		db.columns[name] = col
		db.order = append(db.order, col)
	}

	joined := ""
	for i, name := range ordered {
		if i > 0 {
			joined += "\n"
		}
		joined += name
	}
	return mapErr(db.pdb.Set([]byte(colMetaKey), []byte(joined), pebble.Sync))
}

func splitNames(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// columnPrefix encodes the column ordinal as a two-byte key prefix. The
// ordinal is shifted by one so no prefix is the NUL pair. The meta key
// stays outside every column while there are at most 98 columns; ordinal
// 98 encodes as "\x00c", the meta key's first two bytes.
func columnPrefix(ordinal uint16) []byte {
	n := ordinal + 1
	return []byte{byte(n >> 8), byte(n)}
}

// Column returns the named column or nil.
func (db *DB) Column(name string) *Column {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.columns[name]
}

// Name returns the database name.
func (db *DB) Name() string { return db.name }

// Dir returns the on-disk directory.
func (db *DB) Dir() string { return db.dir }

// Close closes the database and removes it from the arena.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	arenaMu.Lock()
	delete(arena, db.dir)
	arenaMu.Unlock()
	db.offload.close()
	err := db.pdb.Close()
	logger.Info("db_closed", "name", db.name)
	return mapErr(err)
}

// ReadOnly reports whether the store refuses writes after repeated
// corruption errors.
func (db *DB) ReadOnly() bool { return db.readOnly.Load() }

// noteCorruption counts a corruption observation and flips the store
// read-only past the threshold.
func (db *DB) noteCorruption() {
	n := db.corruptionCount.Add(1)
	corruptionTotal.Inc()
	logger.Error("store_corruption_observed", "db", db.name, "count", n)
	if n >= corruptionThreshold {
		if db.readOnly.CompareAndSwap(false, true) {
			logger.Error("store_marked_read_only", "db", db.name)
		}
	}
}

// Metrics returns the underlying engine metrics structure.
func (db *DB) Metrics() *pebble.Metrics {
	return db.pdb.Metrics()
}
