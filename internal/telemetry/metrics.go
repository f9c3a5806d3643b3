package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Jobs created, by type"}, []string{"type"})
	JobTransitions     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_transitions_total", Help: "Applied job status transitions, by target status"}, []string{"status"})
	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_enqueued_total", Help: "Enqueue calls, by outcome (created or coalesced)"}, []string{"outcome"})
	QueueRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_retries_total", Help: "Failed deliveries scheduled for another attempt"})
	QueueDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_dead_letter_total", Help: "Entries moved to the dead-letter list"})
	LeasesReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_leases_reclaimed_total", Help: "Expired leases returned to the ready list"})
	QueueWaitingGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_waiting", Help: "Entries waiting for a worker"})
	QueueActiveGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_active", Help: "Entries currently leased"})
	WorkersSpawned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "controller_workers_spawned_total", Help: "Worker processes started"})
	WorkerSpawnErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "controller_spawn_failures_total", Help: "Worker process start failures"})
	ActiveWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "controller_active_workers", Help: "Worker processes tracked by this controller"})
	PollErrors         = prometheus.NewCounter(prometheus.CounterOpts{Name: "controller_poll_errors_total", Help: "Poll cycles that failed to read the queue"})
	WebhookEvents      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook deliveries, by event and outcome"}, []string{"event", "outcome"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	NotificationErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "notification_failures_total", Help: "Notifications that could not be delivered"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobTransitions,
			EnqueueCounter,
			QueueRetries,
			QueueDeadLetter,
			LeasesReclaimed,
			QueueWaitingGauge,
			QueueActiveGauge,
			WorkersSpawned,
			WorkerSpawnErrors,
			ActiveWorkersGauge,
			PollErrors,
			WebhookEvents,
			RateLimitRejects,
			NotificationErrors,
		)
	})
	return promhttp.Handler()
}
