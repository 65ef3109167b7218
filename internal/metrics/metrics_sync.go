package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propsync_sync_count_total",
			Help: "Total number of sync runs",
		},
	)

	syncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propsync_sync_failed_total",
			Help: "Total number of failed sync runs",
		},
		[]string{"stage"},
	)

	syncUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propsync_sync_updated_total",
			Help: "Total number of sync runs that published a change",
		},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propsync_sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"repo"},
	)

	lastSyncStart = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "propsync_last_sync_start_timestamp",
			Help: "Unix timestamp of when the last sync run started",
		},
		[]string{"repo"},
	)

	lastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "propsync_last_sync_end_timestamp",
			Help: "Unix timestamp of when the last sync run ended",
		},
		[]string{"repo"},
	)
)

func SyncStarted(repo string) {
	syncCount.Inc()
	lastSyncStart.WithLabelValues(repo).SetToCurrentTime()
}

func SyncSucceeded(repo string, updated bool, startTime time.Time) {
	if updated {
		syncUpdated.Inc()
	}
	syncDuration.WithLabelValues(repo).Observe(time.Since(startTime).Seconds())
	lastSyncEnd.WithLabelValues(repo).SetToCurrentTime()
}

func SyncFailed(repo, stage string) {
	syncFailed.WithLabelValues(stage).Inc()
	lastSyncEnd.WithLabelValues(repo).SetToCurrentTime()
}
