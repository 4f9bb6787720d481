package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics exposes counters/histograms for ledger calls.
type LedgerMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	skipped *prometheus.CounterVec
	events  *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Ledger calls by operation and outcome",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Latency of ledger calls including confirmation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "ledger",
			Name:      "skipped_records_total",
			Help:      "Records skipped during enumeration because they failed to read",
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "ledger",
			Name:      "session_events_total",
			Help:      "Connectivity session events",
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.calls, m.latency, m.skipped, m.events)
	return m
}

func (m *LedgerMetrics) ObserveCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *LedgerMetrics) ObserveSkipped(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skipped.WithLabelValues(op).Add(float64(n))
}

func (m *LedgerMetrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// EngineMetrics covers the reconciliation engine.
type EngineMetrics struct {
	intents *prometheus.CounterVec
	views   *prometheus.CounterVec
	repairs *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "engine",
			Name:      "intents_total",
			Help:      "Book/approve/decline intents by outcome",
		}, []string{"intent", "outcome"}),
		views: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "engine",
			Name:      "unified_views_total",
			Help:      "Unified view computations by confidence",
		}, []string{"confidence"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "engine",
			Name:      "cache_repairs_total",
			Help:      "Cache records corrected from ledger truth",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.intents, m.views, m.repairs)
	return m
}

func (m *EngineMetrics) ObserveIntent(intent, outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(intent, outcome).Inc()
}

func (m *EngineMetrics) ObserveView(degraded bool) {
	if m == nil {
		return
	}
	confidence := "full"
	if degraded {
		confidence = "reduced"
	}
	m.views.WithLabelValues(confidence).Inc()
}

func (m *EngineMetrics) ObserveRepair(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.repairs.WithLabelValues(outcome).Inc()
}
