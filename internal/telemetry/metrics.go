package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dispatched_total", Help: "Task rows enqueued by dispatch calls"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the per-tenant rate limiter"})
	TasksReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_reclaimed_total", Help: "Stale running tasks reset to retrying"})
	TasksSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_succeeded_total", Help: "Tasks finished successfully"})
	TasksRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_retried_total", Help: "Tasks that failed and will retry"})
	TasksDead           = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_total", Help: "Tasks dead-lettered after exhausting attempts"})
	ClaimableDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_claimable_depth", Help: "Tasks currently claimable"})
	DecisionCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "decisions_computed_total", Help: "Decisions computed by direction"}, []string{"direction"})
	AlertsRaised        = prometheus.NewCounter(prometheus.CounterOpts{Name: "guardrail_alerts_raised_total", Help: "Guardrail alerts opened or refreshed"})
	AlertsResolved      = prometheus.NewCounter(prometheus.CounterOpts{Name: "guardrail_alerts_resolved_total", Help: "Guardrail alerts auto-resolved"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchCounter,
			RateLimitRejects,
			TasksReclaimed,
			TasksSucceeded,
			TasksRetried,
			TasksDead,
			ClaimableDepthGauge,
			DecisionCounter,
			AlertsRaised,
			AlertsResolved,
		)
	})
	return promhttp.Handler()
}
