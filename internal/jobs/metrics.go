package jobmetrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the notification worker.
type Metrics struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	skipped   *prometheus.CounterVec
	delivered *prometheus.CounterVec
}

// NewMetrics registers the worker collectors on registerer, or on the default
// registerer when nil. Registering twice reuses the collectors already there.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		runs: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildtrack_worker_tasks_total",
			Help: "Worker task executions by task type and outcome.",
		}, []string{"task", "outcome"})),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildtrack_worker_task_duration_seconds",
			Help:    "Worker task duration by task type.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"task"})),
		skipped: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildtrack_worker_tasks_skipped_total",
			Help: "Tasks dropped without delivery, by task type and reason.",
		}, []string{"task", "reason"})),
		delivered: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildtrack_notifications_delivered_total",
			Help: "Notifications handed to the sender, by notification kind.",
		}, []string{"kind"})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Tracker times a single task run.
type Tracker struct {
	metrics *Metrics
	task    string
	start   time.Time
}

// Track starts timing a run of task.
func (m *Metrics) Track(task string) *Tracker {
	return &Tracker{metrics: m, task: task, start: time.Now()}
}

// End records the outcome and duration and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.metrics.runs.WithLabelValues(t.task, outcome).Inc()
	t.metrics.duration.WithLabelValues(t.task).Observe(time.Since(t.start).Seconds())
	return err
}

// Skipped counts a task dropped as a duplicate or as undeliverable.
func (m *Metrics) Skipped(task, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(task, reason).Inc()
}

// Delivered counts a notification of kind accepted by the sender.
func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(kind).Inc()
}
