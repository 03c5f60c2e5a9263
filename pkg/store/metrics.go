package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchCommitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_store_batch_commits_total",
		Help: "Write batches committed.",
	})
	batchAbortTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_store_batch_aborts_total",
		Help: "Write batches aborted by engine errors.",
	})
	readTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_store_reads_total",
		Help: "Point reads served.",
	})
	readMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_store_read_incomplete_total",
		Help: "Reads that missed the non-blocking tier and were offloaded.",
	})
	offloadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_store_offload_total",
		Help: "Blocking operations run on the offload worker pool.",
	})
	corruptionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_store_corruption_total",
		Help: "Corruption errors observed.",
	})
)

// DiskUsage reports best-effort on-disk size of the database.
func (db *DB) DiskUsage() uint64 {
	m := db.pdb.Metrics()
	if m == nil {
		return 0
	}
	return m.DiskSpaceUsage()
}
