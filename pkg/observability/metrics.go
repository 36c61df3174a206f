package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Vector operation metrics
	VectorsInserted prometheus.Counter
	VectorsDeleted  prometheus.Counter
	VectorsUpserted prometheus.Counter
	Searches        prometheus.Counter

	// Search metrics
	SearchLatency    prometheus.Histogram
	SearchResultSize prometheus.Histogram
	SearchTruncated  prometheus.Counter

	// Index metrics
	LiveVectors       *prometheus.GaugeVec
	TombstonedVectors *prometheus.GaugeVec
	Rebuilds          prometheus.Counter

	// Cache metrics
	QueryCacheHits   prometheus.Counter
	QueryCacheMisses prometheus.Counter
	TableCacheHits   prometheus.Counter
	TableCacheMisses prometheus.Counter

	// Persistence metrics
	LogAppends       prometheus.Counter
	LogQueueDepth    prometheus.Gauge
	LogRejected      prometheus.Counter
	Snapshots        prometheus.Counter
	SnapshotDuration prometheus.Histogram
	Compactions      prometheus.Counter
	ReplayedEntries  prometheus.Counter
	CorruptLogTails  prometheus.Counter
}

// NewMetrics creates and registers all metrics against the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		VectorsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_vectors_inserted_total",
			Help: "Total number of vectors inserted",
		}),
		VectorsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_vectors_deleted_total",
			Help: "Total number of vectors deleted",
		}),
		VectorsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_vectors_upserted_total",
			Help: "Total number of vectors upserted",
		}),
		Searches: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_searches_total",
			Help: "Total number of search operations",
		}),
		SearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quiver_search_latency_seconds",
			Help:    "Search latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SearchResultSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quiver_search_result_size",
			Help:    "Number of results returned by search",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500},
		}),
		SearchTruncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_searches_truncated_total",
			Help: "Searches cut short by a caller deadline",
		}),
		LiveVectors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quiver_live_vectors",
			Help: "Live vectors per collection",
		}, []string{"collection"}),
		TombstonedVectors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quiver_tombstoned_vectors",
			Help: "Tombstoned vectors per collection",
		}, []string{"collection"}),
		Rebuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_index_rebuilds_total",
			Help: "Total number of HNSW rebuilds",
		}),
		QueryCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_query_cache_hits_total",
			Help: "Query result cache hits",
		}),
		QueryCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_query_cache_misses_total",
			Help: "Query result cache misses",
		}),
		TableCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_table_cache_hits_total",
			Help: "Quantization distance-table cache hits",
		}),
		TableCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_table_cache_misses_total",
			Help: "Quantization distance-table cache misses",
		}),
		LogAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_log_appends_total",
			Help: "Operation log appends",
		}),
		LogQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quiver_log_queue_depth",
			Help: "Pending entries in the log writer queue",
		}),
		LogRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_log_rejected_total",
			Help: "Writes rejected because the log queue was saturated",
		}),
		Snapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_snapshots_total",
			Help: "Snapshots written",
		}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quiver_snapshot_duration_seconds",
			Help:    "Snapshot write duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		Compactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_compactions_total",
			Help: "Compaction passes completed",
		}),
		ReplayedEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_replayed_entries_total",
			Help: "Log entries replayed during recovery",
		}),
		CorruptLogTails: factory.NewCounter(prometheus.CounterOpts{
			Name: "quiver_corrupt_log_tails_total",
			Help: "Recoveries that truncated a corrupt log tail",
		}),
	}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// Default returns the process-wide metrics registered against the
// default Prometheus registry. Lazily created once so repeated engine
// construction (tests, embedders) does not double-register.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// RecordSearch records a search operation.
func (m *Metrics) RecordSearch(duration time.Duration, resultSize int, truncated bool) {
	m.Searches.Inc()
	m.SearchLatency.Observe(duration.Seconds())
	m.SearchResultSize.Observe(float64(resultSize))
	if truncated {
		m.SearchTruncated.Inc()
	}
}

// RecordCollectionSize updates the per-collection gauges.
func (m *Metrics) RecordCollectionSize(collection string, live, tombstoned int) {
	m.LiveVectors.WithLabelValues(collection).Set(float64(live))
	m.TombstonedVectors.WithLabelValues(collection).Set(float64(tombstoned))
}

// ForgetCollection drops the per-collection gauges after a delete.
func (m *Metrics) ForgetCollection(collection string) {
	m.LiveVectors.DeleteLabelValues(collection)
	m.TombstonedVectors.DeleteLabelValues(collection)
}

// RecordSnapshot records a snapshot write.
func (m *Metrics) RecordSnapshot(duration time.Duration) {
	m.Snapshots.Inc()
	m.SnapshotDuration.Observe(duration.Seconds())
}
