package compiler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const resultLabel = "result"

// Metrics are the statistics recorded by a compiler configured
// WithMetrics.
type Metrics struct {
	methods          *prometheus.CounterVec
	suspensionPoints prometheus.Counter
	spilledLocals    prometheus.Counter
	duration         prometheus.Histogram
}

// NewMetrics creates the compiler metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		methods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suspend",
			Subsystem: "compiler",
			Name:      "methods_total",
			Help:      "The number of continuation methods seen, by result (transformed, skipped, failed).",
		}, []string{resultLabel}),

		suspensionPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "suspend",
			Subsystem: "compiler",
			Name:      "suspension_points_total",
			Help:      "The number of suspension points lowered.",
		}),

		spilledLocals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "suspend",
			Subsystem: "compiler",
			Name:      "spilled_locals_total",
			Help:      "The number of local slots persisted across suspension points.",
		}),

		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "suspend",
			Subsystem: "compiler",
			Name:      "transform_duration_seconds",
			Help:      "Time spent transforming a single method.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
	reg.MustRegister(m.methods, m.suspensionPoints, m.spilledLocals, m.duration)
	return m
}

func (m *Metrics) observe(result string, points, spills int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.methods.WithLabelValues(result).Inc()
	m.suspensionPoints.Add(float64(points))
	m.spilledLocals.Add(float64(spills))
	if result == "transformed" {
		m.duration.Observe(elapsed.Seconds())
	}
}
