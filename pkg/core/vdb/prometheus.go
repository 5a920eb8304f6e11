package vdb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for monitoring service.
var (
	//commitsTotal prometheus metric.
	commitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of committed transactions",
			Name:      "commits_total",
			Namespace: "vdb",
		},
	)
	//abandonsTotal prometheus metric.
	abandonsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of abandoned transactions",
			Name:      "abandons_total",
			Namespace: "vdb",
		},
	)
	//txnDuration prometheus metric.
	txnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Time from transaction start to commit",
			Name:      "txn_duration_seconds",
			Namespace: "vdb",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
	//lockWait prometheus metric.
	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Time spent waiting for the store lock",
			Name:      "lock_wait_seconds",
			Namespace: "vdb",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
	//touchedKeys prometheus metric.
	touchedKeys = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Number of keys read or written per committed transaction",
			Name:      "touched_keys",
			Namespace: "vdb",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		commitsTotal,
		abandonsTotal,
		txnDuration,
		lockWait,
		touchedKeys,
	)
}

func updateCommitMetrics(d time.Duration, keys int) {
	commitsTotal.Inc()
	txnDuration.Observe(d.Seconds())
	touchedKeys.Observe(float64(keys))
}

func updateAbandonMetrics() {
	abandonsTotal.Inc()
}

func updateLockWaitMetric(d time.Duration) {
	lockWait.Observe(d.Seconds())
}
