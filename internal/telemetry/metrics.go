package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_jobs_submitted_total", Help: "Jobs accepted for processing"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_rate_limit_rejects_total", Help: "Submissions rejected by the per-VLE rate limiter"})
	StageSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_stage_success_total", Help: "Stage dispatches that succeeded"})
	StageRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_stage_retries_total", Help: "Transient stage failures retried"})
	StageFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_stage_failures_total", Help: "Stage dispatches that failed permanently"})
	ConsentBlocked    = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_consent_blocked_total", Help: "Consent gate checks that parked a job"})
	NotificationsSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_notifications_sent_total", Help: "Terminal notifications dispatched"})
	SyncOpsApplied    = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_sync_ops_applied_total", Help: "Edge sync operations applied centrally"})
	SyncOpsDuplicate  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seva_sync_ops_duplicate_total", Help: "Edge sync operations deduplicated by token"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "seva_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "seva_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			StageSuccess,
			StageRetries,
			StageFailures,
			ConsentBlocked,
			NotificationsSent,
			SyncOpsApplied,
			SyncOpsDuplicate,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
