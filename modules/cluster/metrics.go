package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is a package-level struct of already-registered collectors,
// constructed once per Controller.
type metrics struct {
	primaryCount   prometheus.Gauge
	secondaryCount prometheus.Gauge
	unbackedCount  prometheus.Gauge
	activeNodes    prometheus.Gauge
	bucketTransfer prometheus.Gauge

	migrateSyncTotal  prometheus.Counter
	migrationDuration prometheus.Histogram
	rebalanceDecisions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		primaryCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencluster", Name: "primary_count",
			Help: "Number of buckets this node hosts as primary.",
		}),
		secondaryCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencluster", Name: "secondary_count",
			Help: "Number of buckets this node hosts as secondary.",
		}),
		unbackedCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencluster", Name: "unbacked_count",
			Help: "Number of primary buckets with no backup peer.",
		}),
		activeNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencluster", Name: "active_nodes",
			Help: "Number of peers currently Active.",
		}),
		bucketTransfer: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencluster", Name: "bucket_transfer",
			Help: "1 if an outbound migration is in flight from this node, else 0.",
		}),
		migrateSyncTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opencluster", Name: "migrate_sync_total",
			Help: "Cumulative increments of the migrate_sync counter.",
		}),
		migrationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opencluster", Name: "migration_duration_seconds",
			Help:    "Time from OfferSent to Done/Aborted for a bucket transfer.",
			Buckets: prometheus.DefBuckets,
		}),
		rebalanceDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencluster", Name: "rebalance_decisions_total",
			Help: "Rebalance decisions taken, by kind.",
		}, []string{"kind"}),
	}
}
