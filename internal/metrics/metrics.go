package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queueActions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slotsync",
			Name:      "queue_actions",
			Help:      "Queued actions by status.",
		},
		[]string{"status"},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotsync",
			Name:      "sync_passes_total",
			Help:      "Synchronization passes by result.",
		},
		[]string{"result"},
	)

	syncActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotsync",
			Name:      "sync_actions_total",
			Help:      "Actions processed during sync passes, by outcome.",
		},
		[]string{"outcome"},
	)

	lastSync = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slotsync",
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last completed sync pass.",
		},
	)

	networkState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slotsync",
			Name:      "network_state",
			Help:      "Connectivity state: 0 offline, 1 reconciling, 2 online.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotsync",
			Name:      "http_requests_total",
			Help:      "Local API HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queueActions, syncPasses, syncActions, lastSync, networkState, httpRequests)
	})
}

// SetQueueDepth records the queue gauge for one status label.
func SetQueueDepth(status string, n int) {
	queueActions.WithLabelValues(status).Set(float64(n))
}

// IncSyncPass counts one finished (or failed-to-start) pass.
func IncSyncPass(result string) {
	syncPasses.WithLabelValues(result).Inc()
}

// IncSyncAction counts one action outcome inside a pass.
func IncSyncAction(outcome string) {
	syncActions.WithLabelValues(outcome).Inc()
}

// SetLastSync records when the last pass completed.
func SetLastSync(t time.Time) {
	lastSync.Set(float64(t.Unix()))
}

// SetNetworkState records the monitor's current state.
func SetNetworkState(state int) {
	networkState.Set(float64(state))
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
