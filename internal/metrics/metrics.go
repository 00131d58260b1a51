package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of the orchestrator.
type Metrics struct {
	// Dispatch
	CallsDispatched     *prometheus.CounterVec
	CallOutcomes        *prometheus.CounterVec
	CallsInFlight       prometheus.Gauge
	RetriesScheduled    prometheus.Counter
	DispatchTickSeconds prometheus.Histogram
	DialTimeouts        prometheus.Counter

	// Campaign lifecycle
	CampaignTransitions *prometheus.CounterVec

	// Events and webhooks
	EventsEmitted           *prometheus.CounterVec
	WebhookDeliveries       *prometheus.CounterVec
	WebhookDeliverySeconds  prometheus.Histogram
	WebhookAttemptsReleased prometheus.Counter

	// API
	APIRequestsTotal  *prometheus.CounterVec
	RateLimitExceeded prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CallsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_calls_dispatched_total",
				Help: "Call attempts handed to the telephony gateway",
			},
			[]string{"kind"},
		),
		CallOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_call_outcomes_total",
				Help: "Finished call attempts by outcome",
			},
			[]string{"outcome"},
		),
		CallsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outbound_calls_in_flight",
				Help: "Calls currently dialing or in progress",
			},
		),
		RetriesScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbound_call_retries_scheduled_total",
				Help: "Retries scheduled after a retryable outcome",
			},
		),
		DispatchTickSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbound_dispatch_tick_seconds",
				Help:    "Time spent in one dispatcher admission pass",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		DialTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbound_dial_timeouts_total",
				Help: "Attempts abandoned after staying in dialing too long",
			},
		),
		CampaignTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_campaign_transitions_total",
				Help: "Campaign status transitions by target status",
			},
			[]string{"to"},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_events_emitted_total",
				Help: "Lifecycle events appended to the event log",
			},
			[]string{"type"},
		),
		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_webhook_deliveries_total",
				Help: "Webhook delivery attempts by result",
			},
			[]string{"result"},
		),
		WebhookDeliverySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbound_webhook_delivery_seconds",
				Help:    "Webhook POST latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		WebhookAttemptsReleased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbound_webhook_claims_released_total",
				Help: "In-flight delivery claims returned to pending after the lease expired",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_api_requests_total",
				Help: "Admin API requests",
			},
			[]string{"method", "status"},
		),
		RateLimitExceeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbound_api_rate_limited_total",
				Help: "Admin API requests rejected by the rate limiter",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.CallsDispatched,
		m.CallOutcomes,
		m.CallsInFlight,
		m.RetriesScheduled,
		m.DispatchTickSeconds,
		m.DialTimeouts,
		m.CampaignTransitions,
		m.EventsEmitted,
		m.WebhookDeliveries,
		m.WebhookDeliverySeconds,
		m.WebhookAttemptsReleased,
		m.APIRequestsTotal,
		m.RateLimitExceeded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
