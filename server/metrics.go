package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/remoting"
)

const subsystem = "beansync"

// Metrics are the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	contexts       prometheus.Gauge
	commands       *prometheus.CounterVec
	rejected       prometheus.Counter
	actionFailures *prometheus.CounterVec
	tasks          *prometheus.CounterVec
}

// NewMetrics registers the collectors in reg, a fresh registry when nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		contexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "contexts",
			Help:      "Number of live remoting sessions.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Count of commands exchanged with clients by direction and type.",
		}, []string{"direction", "type"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "gc_rejected_total",
			Help:      "Count of beans deleted by the garbage collector.",
		}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "action_failures_total",
			Help:      "Count of failed action calls by controller and action.",
		}, []string{"controller", "action"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Count of deferred tasks by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.contexts, m.commands, m.rejected, m.actionFailures, m.tasks)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) hooks() remoting.Hooks {
	if m == nil {
		return remoting.Hooks{}
	}
	return remoting.Hooks{
		Command: func(dir command.Direction, t command.Type) {
			m.commands.WithLabelValues(string(dir), string(t)).Inc()
		},
		ActionFailed: func(controller, action string) {
			m.actionFailures.WithLabelValues(controller, action).Inc()
		},
		Rejected: func(n int) {
			m.rejected.Add(float64(n))
		},
	}
}

func (m *Metrics) contextCreated() {
	if m != nil {
		m.contexts.Inc()
	}
}

func (m *Metrics) contextDestroyed() {
	if m != nil {
		m.contexts.Dec()
	}
}

func (m *Metrics) tasksRun(s TaskStats) {
	if m == nil {
		return
	}
	if ok := s.Ran - s.Failed; ok > 0 {
		m.tasks.WithLabelValues("ok").Add(float64(ok))
	}
	if s.Failed > 0 {
		m.tasks.WithLabelValues("failed").Add(float64(s.Failed))
	}
	if s.Deferred > 0 {
		m.tasks.WithLabelValues("deferred").Add(float64(s.Deferred))
	}
}
