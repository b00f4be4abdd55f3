// Package metrics exposes Prometheus instrumentation for the
// reconciliation core: scheduler tick behavior, container and processor
// lifecycle counts, queue depth, and meter emission.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxpod_reconciliation_cycles_total",
		Help: "Total number of scheduler tick cycles run.",
	})
	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fluxpod_reconciliation_duration_seconds",
		Help: "Duration of a full scheduler tick.",
	})
	ReconcileTasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxpod_reconcile_tasks_in_flight",
		Help: "Number of per-resource reconcile tasks currently running.",
	})
	ReconcileTasksSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxpod_reconcile_tasks_skipped_total",
		Help: "Reconcile tasks skipped because a task for the resource was already in flight.",
	})

	ContainersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxpod_containers_by_status",
		Help: "Number of containers currently in each status.",
	}, []string{"status"})
	ContainersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxpod_containers_created_total",
		Help: "Total containers that reached Created via the backend adapter.",
	})
	ContainersFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxpod_containers_failed_total",
		Help: "Total containers that transitioned to Failed.",
	})
	ContainerCreateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fluxpod_container_create_duration_seconds",
		Help: "Duration of the container Create path.",
	})
	ContainerWatchIterationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fluxpod_container_watch_iteration_duration_seconds",
		Help: "Duration of a single watch-loop iteration.",
	})

	ProcessorsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxpod_processors_by_status",
		Help: "Number of processors currently in each status.",
	}, []string{"status"})
	ProcessorReplicasDesired = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxpod_processor_replicas_desired",
		Help: "Desired replica count per processor.",
	}, []string{"processor_id"})
	ProcessorReplicasActual = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxpod_processor_replicas_actual",
		Help: "Actual active replica count per processor.",
	}, []string{"processor_id"})
	ProcessorBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxpod_processor_backlog",
		Help: "Last-observed consumer group backlog per processor.",
	}, []string{"processor_id"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxpod_queue_depth",
		Help: "Number of queued containers per named queue.",
	}, []string{"queue"})

	MeterEventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxpod_meter_events_emitted_total",
		Help: "Meter events successfully posted to the sink.",
	}, []string{"metric"})
	MeterEventsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxpod_meter_events_failed_total",
		Help: "Meter events that failed to post to the sink.",
	}, []string{"metric"})

	BackendCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fluxpod_backend_call_duration_seconds",
		Help: "Duration of backend adapter calls by operation.",
	}, []string{"backend", "operation"})
	BackendCallErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxpod_backend_call_errors_total",
		Help: "Backend adapter call failures by operation and error kind.",
	}, []string{"backend", "operation", "kind"})
)

func init() {
	prometheus.MustRegister(
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		ReconcileTasksInFlight,
		ReconcileTasksSkippedTotal,
		ContainersByStatus,
		ContainersCreatedTotal,
		ContainersFailedTotal,
		ContainerCreateDuration,
		ContainerWatchIterationDuration,
		ProcessorsByStatus,
		ProcessorReplicasDesired,
		ProcessorReplicasActual,
		ProcessorBacklog,
		QueueDepth,
		MeterEventsEmittedTotal,
		MeterEventsFailedTotal,
		BackendCallDuration,
		BackendCallErrorsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
