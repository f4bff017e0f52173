// Package metrics defines the Prometheus collectors exported by the
// controller. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	commands  *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	connected *prometheus.GaugeVec
	abort     prometheus.Gauge
	sequences *prometheus.CounterVec
	telemetry *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firestand",
			Name:      "commands_total",
			Help:      "Console commands processed, by kind and result.",
		}, []string{"kind", "result"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firestand",
			Name:      "delivery_attempts_total",
			Help:      "Relay-set instructions sent, by node.",
		}, []string{"node"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firestand",
			Name:      "delivery_failures_total",
			Help:      "Relay-set deliveries that failed, by node and reason.",
		}, []string{"node", "reason"}),
		connected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firestand",
			Name:      "node_connected",
			Help:      "1 while the node's link is up.",
		}, []string{"node"}),
		abort: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "firestand",
			Name:      "abort_asserted",
			Help:      "1 while the abort override is asserted.",
		}),
		sequences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firestand",
			Name:      "sequence_runs_total",
			Help:      "Override sequence runs, by name and outcome.",
		}, []string{"name", "outcome"}),
		telemetry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firestand",
			Name:      "telemetry_rows_total",
			Help:      "Telemetry rows forwarded, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Command(kind, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Attempt(node string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(node).Inc()
}

func (m *Metrics) Failure(node, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(node, reason).Inc()
}

func (m *Metrics) Connected(node string, up bool) {
	if m == nil {
		return
	}
	m.connected.WithLabelValues(node).Set(boolValue(up))
}

func (m *Metrics) Abort(asserted bool) {
	if m == nil {
		return
	}
	m.abort.Set(boolValue(asserted))
}

func (m *Metrics) Sequence(name, outcome string) {
	if m == nil {
		return
	}
	m.sequences.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) Telemetry(result string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(result).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
