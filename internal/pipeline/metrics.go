package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the turn counters and latency histogram.
type Metrics struct {
	turns         *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	sqlExtraction *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llamachat",
				Name:      "turns_total",
				Help:      "Total conversation turns by mode, provider and outcome.",
			},
			[]string{"mode", "provider", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "llamachat",
				Name:      "turn_duration_seconds",
				Help:      "Remote inference time per turn in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "provider"},
		),
		sqlExtraction: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llamachat",
				Name:      "sql_extraction_total",
				Help:      "SQL extraction results: matched or fallback to raw text.",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.turns, m.duration, m.sqlExtraction)
	}
	return m
}
