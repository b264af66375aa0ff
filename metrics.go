package vcompress

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records per-call compression outcomes.
type Metrics struct {
	Compressions *prometheus.CounterVec
	Duration     prometheus.Histogram
	Bytes        *prometheus.CounterVec
}

// NewMetrics registers the compression metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Compressions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcompress_compressions_total",
				Help: "Total number of compression calls by outcome",
			},
			[]string{"outcome"},
		),
		Duration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vcompress_compression_duration_seconds",
				Help:    "Wall time of compression calls in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcompress_bytes_total",
				Help: "Bytes read from inputs and written to outputs of successful calls",
			},
			[]string{"direction"}, // "in", "out"
		),
	}
}

// observe records one finished call. res is nil unless the call completed.
func (m *Metrics) observe(outcome string, elapsed time.Duration, res *Result) {
	if m == nil {
		return
	}
	m.Compressions.WithLabelValues(outcome).Inc()
	m.Duration.Observe(elapsed.Seconds())
	if res != nil {
		m.Bytes.WithLabelValues("in").Add(float64(res.OriginalSize))
		m.Bytes.WithLabelValues("out").Add(float64(res.CompressedSize))
	}
}
