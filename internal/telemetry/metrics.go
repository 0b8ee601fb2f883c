package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_runs_started_total", Help: "Sync runs created"})
	RunConflicts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_run_conflicts_total", Help: "Start requests rejected because a run was already active"})
	RunsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_runs_completed_total", Help: "Runs that reached completed"})
	RunsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_runs_failed_total", Help: "Runs that reached failed"})
	RunsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_runs_cancelled_total", Help: "Runs cancelled by request"})
	StepsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_steps_completed_total", Help: "Pipeline steps completed"})
	StepRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_step_retries_total", Help: "Step attempts rescheduled with backoff"})
	StepsDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_steps_dead_letter_total", Help: "Step tasks moved to the dead-letter queue"})
	DiscardedResults = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_discarded_results_total", Help: "Step results discarded after run cancellation"})
	DuplicateEvents  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_duplicate_events_total", Help: "Workflow events absorbed as duplicates"})
	WebhookFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_webhook_failures_total", Help: "Step completion webhooks that failed to deliver"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_rate_limit_rejects_total", Help: "Start requests rejected by the tenant rate limiter"})
	RateGateWaits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_rate_gate_waits_total", Help: "Times a worker waited on the marketplace rate gate"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Waiting step queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_tasks_inflight", Help: "Step tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunConflicts,
			RunsCompleted,
			RunsFailed,
			RunsCancelled,
			StepsCompleted,
			StepRetries,
			StepsDeadLetter,
			DiscardedResults,
			DuplicateEvents,
			WebhookFailures,
			RateLimitRejects,
			RateGateWaits,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
