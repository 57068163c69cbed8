// Package metrics exposes the engine's prometheus instrumentation. The
// registerer is injected so there is never a process-global registry;
// passing nil yields working but unregistered collectors, which is what
// tests and one-shot tools use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quill"

type Metrics struct {
	PoolHits      prometheus.Counter
	PoolMisses    prometheus.Counter
	PoolEvictions prometheus.Counter
	PageFlushes   prometheus.Counter
	PoolDirty     prometheus.Gauge

	WalAppends      prometheus.Counter
	WalFlushes      prometheus.Counter
	WalBytesWritten prometheus.Counter
	WalDurableLSN   prometheus.Gauge

	RecoveryRedone     prometheus.Counter
	RecoveryUndone     prometheus.Counter
	CheckpointDuration prometheus.Histogram

	TxnsBegun     prometheus.Counter
	TxnsCommitted prometheus.Counter
	TxnsAborted   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		PoolHits:      counter("bufferpool", "hits_total", "Page fetches served from a resident frame."),
		PoolMisses:    counter("bufferpool", "misses_total", "Page fetches that had to load from disk."),
		PoolEvictions: counter("bufferpool", "evictions_total", "Frames evicted to make room."),
		PageFlushes:   counter("bufferpool", "page_flushes_total", "Dirty pages written back to the data file."),
		PoolDirty:     gauge("bufferpool", "dirty_pages", "Dirty frames currently in the pool."),

		WalAppends:      counter("wal", "appends_total", "Records appended to the log."),
		WalFlushes:      counter("wal", "flushes_total", "Durability barriers issued."),
		WalBytesWritten: counter("wal", "bytes_written_total", "Bytes written to log segments."),
		WalDurableLSN:   gauge("wal", "durable_lsn", "Highest LSN known durable."),

		RecoveryRedone: counter("recovery", "redone_records_total", "Log records re-applied during redo."),
		RecoveryUndone: counter("recovery", "undone_records_total", "Updates rolled back during undo."),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "checkpoint_duration_seconds",
			Help:      "Wall time of checkpoint runs.",
			Buckets:   prometheus.DefBuckets,
		}),

		TxnsBegun:     counter("txns", "begun_total", "Transactions started."),
		TxnsCommitted: counter("txns", "committed_total", "Transactions committed."),
		TxnsAborted:   counter("txns", "aborted_total", "Transactions rolled back."),
	}
}
