package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_submissions_enqueued_total", Help: "Submissions buffered in the local queue"})
	OnlineSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tally_online_attempts_total", Help: "Direct submission attempts from the operator API by outcome"}, []string{"outcome"})
	ReplayOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tally_replay_attempts_total", Help: "Replay attempts made by the drainer by outcome"}, []string{"outcome"})
	DrainRuns         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tally_drains_total", Help: "Drain passes by trigger"}, []string{"trigger"})
	DrainSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_drains_skipped_total", Help: "Drain requests coalesced because a pass was already running"})
	StoreErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_store_errors_total", Help: "Queue store operations that failed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_rate_limit_rejects_total", Help: "Requests or replays held back by the rate limiter"})
	PendingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tally_queue_pending", Help: "Records pending replay at the start of the last drain"})
	ConfirmationsOpen = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tally_confirmations_open", Help: "Conflicts waiting for an operator decision"})
	LeaseUnavailable  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_drain_lease_unavailable_total", Help: "Drain passes run without the lease because its backend was unreachable"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			OnlineSubmissions,
			ReplayOutcomes,
			DrainRuns,
			DrainSkipped,
			StoreErrors,
			RateLimitRejects,
			PendingGauge,
			ConfirmationsOpen,
			LeaseUnavailable,
		)
	})
	return promhttp.Handler()
}
