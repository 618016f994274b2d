package pump_controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the controller's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Readings     *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	Commands     *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Superseded   prometheus.Counter
	ActuationLat *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "greenthumb",
			Name:      "readings_total",
			Help:      "Telemetry readings applied, by device.",
		}, []string{"device"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "greenthumb",
			Name:      "decisions_total",
			Help:      "Threshold transitions, by device and target state.",
		}, []string{"device", "state"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "greenthumb",
			Name:      "pump_commands_total",
			Help:      "Pump command writes, by source and outcome.",
		}, []string{"device", "source", "outcome"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "greenthumb",
			Name:      "readings_dropped_total",
			Help:      "Readings not applied, by reason.",
		}, []string{"reason"}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "greenthumb",
			Name:      "pump_commands_superseded_total",
			Help:      "Queued pump commands replaced by a newer intent.",
		}),
		ActuationLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "greenthumb",
			Name:      "actuation_duration_seconds",
			Help:      "Time from dispatch to write outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Readings, m.Decisions, m.Commands, m.Dropped, m.Superseded, m.ActuationLat)
	}
	return m
}

func (m *Metrics) reading(device string) {
	if m != nil {
		m.Readings.WithLabelValues(device).Inc()
	}
}

func (m *Metrics) decision(device, state string) {
	if m != nil {
		m.Decisions.WithLabelValues(device, state).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) superseded() {
	if m != nil {
		m.Superseded.Inc()
	}
}

func (m *Metrics) command(device, source string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	m.Commands.WithLabelValues(device, source, outcome).Inc()
	m.ActuationLat.WithLabelValues(outcome).Observe(took.Seconds())
}
