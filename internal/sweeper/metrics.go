package sweeper

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sweeper loop itself. Swept
// counts are recorded on the shared observability collector.
type Metrics struct {
	PassesTotal   prometheus.Counter
	PassFailures  prometheus.Counter
	LimiterPruned prometheus.Counter
	PassDuration  prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		PassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "sweeper",
			Name:      "passes_total",
			Help:      "Total sweep passes run.",
		}),
		PassFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "sweeper",
			Name:      "pass_failures_total",
			Help:      "Sweep passes where at least one step failed.",
		}),
		LimiterPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "sweeper",
			Name:      "limiter_keys_pruned_total",
			Help:      "Idle rate limiter buckets dropped.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "sweeper",
			Name:      "pass_duration_seconds",
			Help:      "Duration of each sweep pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.PassesTotal,
		m.PassFailures,
		m.LimiterPruned,
		m.PassDuration,
	)

	return m
}
