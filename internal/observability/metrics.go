package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Crucible.
// Uses a custom registry, no global state. Every Record method is safe to
// call on a nil receiver.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Gateway metrics.
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayTokensUsed      *prometheus.CounterVec
	GatewayCacheHits       *prometheus.CounterVec
	UnknownPricingTotal    *prometheus.CounterVec

	// Ledger and budget metrics.
	CreditsPostedTotal *prometheus.CounterVec
	LedgerRejectsTotal *prometheus.CounterVec
	BudgetDenialsTotal *prometheus.CounterVec
	ShortfallsTotal    prometheus.Counter
	ShortfallCredits   prometheus.Counter
	ReservationsSwept  prometheus.Counter
	IdempotencyPurged  prometheus.Counter

	// Experiment lifecycle metrics.
	TransitionsTotal     *prometheus.CounterVec
	AutoPausesTotal      prometheus.Counter
	AutoPauseFailures    prometheus.Counter
	EventHandlerFailures *prometheus.CounterVec

	// Event stream metrics.
	StreamClients       prometheus.Gauge
	StreamEventsDropped prometheus.Counter

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total AI gateway requests by outcome.",
		}, []string{"provider", "model", "outcome"}),

		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "AI gateway request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		GatewayTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed through the gateway.",
		}, []string{"provider", "model", "direction"}),

		GatewayCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "cache_hits_total",
			Help:      "Requests served from the idempotency cache.",
		}, []string{"source"}),

		UnknownPricingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "pricing",
			Name:      "unknown_total",
			Help:      "Calls billed at 0 because the price table had no entry.",
		}, []string{"provider", "model"}),

		CreditsPostedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "ledger",
			Name:      "credits_posted_total",
			Help:      "Credits posted to the ledger by entry type.",
		}, []string{"type"}),

		LedgerRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "ledger",
			Name:      "rejects_total",
			Help:      "Ledger writes rejected before commit.",
		}, []string{"reason"}),

		BudgetDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "budget",
			Name:      "denials_total",
			Help:      "Budget checks and pre-authorizations that denied.",
		}, []string{"stage"}),

		ShortfallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "ledger",
			Name:      "shortfalls_total",
			Help:      "Settlements that failed after the provider call succeeded.",
		}),

		ShortfallCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "ledger",
			Name:      "shortfall_credits_total",
			Help:      "Credits owed by failed settlements.",
		}),

		ReservationsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "budget",
			Name:      "reservations_swept_total",
			Help:      "Expired reservations released by the sweeper.",
		}),

		IdempotencyPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "idempotency_purged_total",
			Help:      "Expired idempotency records removed by the sweeper.",
		}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "experiment",
			Name:      "transitions_total",
			Help:      "Experiment status transitions.",
		}, []string{"from", "to"}),

		AutoPausesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "experiment",
			Name:      "auto_pauses_total",
			Help:      "Experiments paused automatically on budget breach.",
		}),

		AutoPauseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "experiment",
			Name:      "auto_pause_failures_total",
			Help:      "Budget breaches where the automatic pause failed.",
		}),

		EventHandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Event subscriber errors and panics.",
		}, []string{"subscriber"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected event stream clients.",
		}),

		StreamEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a stream client was not keeping up.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crucible",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.GatewayTokensUsed,
		m.GatewayCacheHits,
		m.UnknownPricingTotal,
		m.CreditsPostedTotal,
		m.LedgerRejectsTotal,
		m.BudgetDenialsTotal,
		m.ShortfallsTotal,
		m.ShortfallCredits,
		m.ReservationsSwept,
		m.IdempotencyPurged,
		m.TransitionsTotal,
		m.AutoPausesTotal,
		m.AutoPauseFailures,
		m.EventHandlerFailures,
		m.StreamClients,
		m.StreamEventsDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

func (m *MetricsCollector) RecordGatewayRequest(provider, model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	m.GatewayRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

func (m *MetricsCollector) RecordTokens(provider, model string, input, output int) {
	if m == nil {
		return
	}
	m.GatewayTokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	m.GatewayTokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
}

func (m *MetricsCollector) RecordCacheHit(source string) {
	if m == nil {
		return
	}
	m.GatewayCacheHits.WithLabelValues(source).Inc()
}

func (m *MetricsCollector) RecordUnknownPricing(provider, model string) {
	if m == nil {
		return
	}
	m.UnknownPricingTotal.WithLabelValues(provider, model).Inc()
}

func (m *MetricsCollector) RecordPosted(entryType string, credits int64) {
	if m == nil {
		return
	}
	m.CreditsPostedTotal.WithLabelValues(entryType).Add(float64(credits))
}

func (m *MetricsCollector) RecordLedgerReject(reason string) {
	if m == nil {
		return
	}
	m.LedgerRejectsTotal.WithLabelValues(reason).Inc()
}

func (m *MetricsCollector) RecordBudgetDenial(stage string) {
	if m == nil {
		return
	}
	m.BudgetDenialsTotal.WithLabelValues(stage).Inc()
}

func (m *MetricsCollector) RecordShortfall(credits int64) {
	if m == nil {
		return
	}
	m.ShortfallsTotal.Inc()
	m.ShortfallCredits.Add(float64(credits))
}

func (m *MetricsCollector) RecordSweep(reservations, idempotency int) {
	if m == nil {
		return
	}
	m.ReservationsSwept.Add(float64(reservations))
	m.IdempotencyPurged.Add(float64(idempotency))
}

func (m *MetricsCollector) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *MetricsCollector) RecordAutoPause(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.AutoPausesTotal.Inc()
		return
	}
	m.AutoPauseFailures.Inc()
}

func (m *MetricsCollector) RecordHandlerFailure(subscriber string) {
	if m == nil {
		return
	}
	m.EventHandlerFailures.WithLabelValues(subscriber).Inc()
}

func (m *MetricsCollector) RecordStreamClients(delta int) {
	if m == nil {
		return
	}
	m.StreamClients.Add(float64(delta))
}

func (m *MetricsCollector) RecordStreamDrop() {
	if m == nil {
		return
	}
	m.StreamEventsDropped.Inc()
}
