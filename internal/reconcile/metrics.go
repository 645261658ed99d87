package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons used as metric labels and in logs.
const (
	reasonNotRunning = "not_running"
	reasonIdle       = "idle"
	reasonOrphan     = "orphan"
)

// Metrics counts what adjust passes do.
type Metrics struct {
	passes          prometheus.Counter
	deregistrations *prometheus.CounterVec
	terminations    *prometheus.CounterVec
	errors          *prometheus.CounterVec
	lastPass        prometheus.Gauge
}

// NewMetrics creates the adjust metrics and registers them with reg. A nil reg
// gets a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{}
	m.passes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetfit",
		Subsystem: "adjust",
		Name:      "passes_total",
		Help:      "Number of completed adjust passes.",
	})
	reg.MustRegister(m.passes)
	m.deregistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetfit",
		Subsystem: "adjust",
		Name:      "deregistrations_total",
		Help:      "Instances removed from the registrar, by reason.",
	}, []string{"reason"})
	reg.MustRegister(m.deregistrations)
	m.terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetfit",
		Subsystem: "adjust",
		Name:      "terminations_total",
		Help:      "Instances terminated at the cloud provider, by reason.",
	}, []string{"reason"})
	reg.MustRegister(m.terminations)
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetfit",
		Subsystem: "adjust",
		Name:      "errors_total",
		Help:      "Failed calls during adjust passes, by source (provider or registrar).",
	}, []string{"source"})
	reg.MustRegister(m.errors)
	m.lastPass = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetfit",
		Subsystem: "adjust",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix time the last adjust pass finished.",
	})
	reg.MustRegister(m.lastPass)
	return m
}
