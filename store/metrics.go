package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Health metrics for the append path and the background services.
// Scraped from the same http server that serves pprof.
var (
	metricWrotePosition = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaylog",
		Subsystem: "commitlog",
		Name:      "write_position_bytes",
		Help:      "Highest byte offset written into the commit log.",
	})

	metricCommittedWhere = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaylog",
		Subsystem: "commitlog",
		Name:      "committed_where_bytes",
		Help:      "Highest offset copied from the transient buffer into the mapped region.",
	})

	metricFlushedWhere = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaylog",
		Subsystem: "commitlog",
		Name:      "flushed_where_bytes",
		Help:      "Highest offset durably persisted.",
	})

	metricPutMessageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaylog",
		Subsystem: "commitlog",
		Name:      "put_message_total",
		Help:      "PutMessage outcomes by status.",
	}, []string{"status"})

	metricLockHold = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relaylog",
		Subsystem: "commitlog",
		Name:      "put_lock_hold_millis",
		Help:      "Writer lock hold time per append.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
)

func observePositions(q *SegmentQueue) {
	metricWrotePosition.Set(float64(q.MaxOffset()))
	metricCommittedWhere.Set(float64(q.CommittedWhere()))
	metricFlushedWhere.Set(float64(q.FlushedWhere()))
}
