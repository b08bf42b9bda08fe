// Package metrics holds the Prometheus instruments of the replication engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replica"

// Metrics holds all Prometheus metrics for one replication runtime.
type Metrics struct {
	// Storage handle metrics
	HandleOpens    prometheus.Counter
	HandleReopens  prometheus.Counter
	DeferredResets prometheus.Counter

	// Table replica metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	RemoteFetches *prometheus.CounterVec
	StaleServes   *prometheus.CounterVec

	// Outbox metrics
	MutationsEnqueued  *prometheus.CounterVec
	MutationsSucceeded prometheus.Counter
	MutationsFailed    prometheus.Counter
	MutationRetries    prometheus.Counter
	MutationsRecovered prometheus.Counter

	// Sync engine metrics
	RemoteEventsApplied   *prometheus.CounterVec
	RemoteEventsDuplicate prometheus.Counter
	Conflicts             *prometheus.CounterVec
	SyncRuns              *prometheus.CounterVec

	// Eviction metrics
	RowsEvicted       prometheus.Counter
	EvictionsDeferred *prometheus.CounterVec
	StorageUsageBytes prometheus.Gauge

	registry prometheus.Registerer
}

// New creates and registers all metrics on reg. A nil reg registers on a
// private registry, which keeps tests and embedded uses isolated from the
// global default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		HandleOpens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "opens_total",
			Help:      "Physical open attempts of the shared storage handle",
		}),
		HandleReopens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "reopens_total",
			Help:      "Corruption retries started on the shared storage handle",
		}),
		DeferredResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "deferred_resets_total",
			Help:      "Handle resets deferred because transactions were in flight",
		}),

		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "cache_hits_total",
			Help:      "Reads served from a fresh cached row",
		}, []string{"table"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "cache_misses_total",
			Help:      "Reads that found no fresh cached row",
		}, []string{"table"}),
		RemoteFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "remote_fetches_total",
			Help:      "Remote fetches issued on cache misses, by outcome",
		}, []string{"table", "outcome"}),
		StaleServes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "stale_serves_total",
			Help:      "Expired rows served because the remote was unreachable",
		}, []string{"table"}),

		MutationsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Mutations written to the outbox, by type",
		}, []string{"type"}),
		MutationsSucceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "succeeded_total",
			Help:      "Mutations confirmed by the remote source",
		}),
		MutationsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Mutations moved to the failed state",
		}),
		MutationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "retries_total",
			Help:      "Resubmissions after a transient failure",
		}),
		MutationsRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "recovered_total",
			Help:      "Mutations reclassified from syncing to pending",
		}),

		RemoteEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "remote_events_total",
			Help:      "Remote change events processed, by table",
		}, []string{"table"}),
		RemoteEventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "remote_events_duplicate_total",
			Help:      "Remote change events dropped as redeliveries",
		}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Conflicts resolved, by policy and winner",
		}, []string{"policy", "winner"}),
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Full/incremental sync runs, by outcome",
		}, []string{"outcome"}),

		RowsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "rows_total",
			Help:      "Cached rows evicted under quota pressure",
		}),
		EvictionsDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "deferred_total",
			Help:      "Eviction passes that could not bring usage under quota, by reason",
		}, []string{"reason"}),
		StorageUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "usage_bytes",
			Help:      "Approximate bytes held by cached rows and queued mutations",
		}),

		registry: reg,
	}
}

// RegisterInFlight exposes the coordinator's in-flight count as a gauge.
func (m *Metrics) RegisterInFlight(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "in_flight",
		Help:      "Storage transactions currently in flight",
	}, func() float64 { return float64(count()) })
}
