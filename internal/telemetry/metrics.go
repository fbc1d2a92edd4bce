package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_jobs_enqueued_total", Help: "Jobs inserted into the job store"}, []string{"type"})
	JobsClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_claimed_total", Help: "Jobs claimed by workers, including reclaims"})
	JobsSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_jobs_retried_total", Help: "Failed jobs scheduled for another attempt"}, []string{"type"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_jobs_failed_total", Help: "Jobs that reached the failed state"}, []string{"type"})
	LockLost      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_lock_lost_total", Help: "Transitions rejected because the lock token was stale"})
	JobDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "dispatch_job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"type"})
	QueueDepth    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dispatch_jobs", Help: "Jobs in the store by status"}, []string{"status"})
	InFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_jobs_inflight", Help: "Jobs currently executing in this process"})
	KickErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_kick_errors_total", Help: "Failed worker wake-up signals"})

	EventsPublished    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_events_published_total", Help: "Domain events written to the outbox"}, []string{"type"})
	EventPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_event_publish_errors_total", Help: "Domain events lost because the outbox insert failed"})
	EventsPurged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_events_purged_total", Help: "Expired domain events deleted"})

	StreamsActive         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_realtime_streams", Help: "Open realtime connections"})
	StreamEventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_realtime_events_delivered_total", Help: "Updates written to realtime clients"})
	StreamEventsSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_realtime_events_skipped_total", Help: "Events passed over by topic filters"})
	StreamPollErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_realtime_poll_errors_total", Help: "Outbox polls that failed"})

	WebhookRequests  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_webhook_requests_total", Help: "Webhook deliveries by outcome"}, []string{"provider", "result"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ArchiveErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_archive_errors_total", Help: "Raw webhook bodies that could not be archived"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			LockLost,
			JobDuration,
			QueueDepth,
			InFlight,
			KickErrors,
			EventsPublished,
			EventPublishErrors,
			EventsPurged,
			StreamsActive,
			StreamEventsDelivered,
			StreamEventsSkipped,
			StreamPollErrors,
			WebhookRequests,
			RateLimitRejects,
			ArchiveErrors,
		)
	})
	return promhttp.Handler()
}
