package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the admission and metering collectors.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	LimiterStates      prometheus.Gauge
	LimiterEvictions   prometheus.Counter

	RegistryLookups *prometheus.CounterVec

	EventsPublished     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	EventsBuffered      prometheus.Gauge
	LateEventsDiscarded prometheus.Counter

	WindowsClosed       prometheus.Counter
	AggregationFailures prometheus.Counter
	AggregationAlerts   prometheus.Counter
	RunDuration         prometheus.Histogram

	BillingPushes *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg. A nil reg uses a private registry,
// which keeps tests independent of the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		AdmissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by outcome (allowed, rate_limited, oversize, unresolvable, inactive).",
		}, []string{"outcome"}),
		LimiterStates: f.NewGauge(prometheus.GaugeOpts{
			Name: "rate_limiter_live_states",
			Help: "Number of in-memory per-tenant limiter states.",
		}),
		LimiterEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_limiter_evictions_total",
			Help: "Idle limiter states evicted.",
		}),
		RegistryLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_registry_lookups_total",
			Help: "Tenant registry resolutions by result (hit, stale, miss, negative, error).",
		}, []string{"result"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_events_published_total",
			Help: "Usage events accepted by the bus, by kind.",
		}, []string{"kind"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_events_dropped_total",
			Help: "Usage events dropped because a tenant buffer overflowed, by kind.",
		}, []string{"kind"}),
		EventsBuffered: f.NewGauge(prometheus.GaugeOpts{
			Name: "usage_events_buffered",
			Help: "Usage events currently held by the bus.",
		}),
		LateEventsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "usage_late_events_discarded_total",
			Help: "Events that arrived for windows already closed.",
		}),
		WindowsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "metering_windows_closed_total",
			Help: "Hourly windows persisted together with their watermark.",
		}),
		AggregationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "metering_aggregation_failures_total",
			Help: "Per-tenant aggregation attempts that failed and were deferred.",
		}),
		AggregationAlerts: f.NewCounter(prometheus.CounterOpts{
			Name: "metering_aggregation_alerts_total",
			Help: "Tenants whose consecutive failures crossed the alert threshold.",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "metering_run_duration_seconds",
			Help:    "Duration of one aggregation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		BillingPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_pushes_total",
			Help: "Billing handoffs by status (billed, failed, abandoned).",
		}, []string{"status"}),
	}
}
