package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics counts the observable outcomes of the moderation worker. Each
// worker process builds its own registry, so tests can construct as many
// instances as they like without duplicate-registration panics.
type WorkerMetrics struct {
	registry *prometheus.Registry

	TasksCompleted   prometheus.Counter
	TasksFailed      prometheus.Counter
	RetriesScheduled prometheus.Counter
	DeadLetters      prometheus.Counter
}

func NewWorkerMetrics() *WorkerMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &WorkerMetrics{
		registry: registry,
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "moderation_tasks_completed_total",
			Help: "Moderation tasks finished with a verdict.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "moderation_tasks_failed_total",
			Help: "Moderation tasks moved to the failed state.",
		}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "moderation_retries_scheduled_total",
			Help: "Delayed redeliveries scheduled after transient scorer failures.",
		}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "moderation_dead_letters_total",
			Help: "Messages deposited into the dead-letter queue.",
		}),
	}
}

// Handler exposes the worker's registry in the Prometheus text format.
func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
