// Package metrics holds the Prometheus instrumentation for the control
// plane. One Metrics value is created at startup and threaded into the
// components that record on it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Rate-limit metrics
	RateLimitDecisions *prometheus.CounterVec

	// Vault metrics
	VaultOperations *prometheus.CounterVec
	VaultSessions   prometheus.Gauge
	KDFDuration     prometheus.Histogram

	// Alerting metrics
	AlertsTriggered   *prometheus.CounterVec
	AlertDeliveries   *prometheus.CounterVec
	AlertChannelSkips *prometheus.CounterVec

	// Approval metrics
	ApprovalTransitions *prometheus.CounterVec
	ApprovalsExpired    prometheus.Counter

	// Outbound metrics
	OutboundCalls    *prometheus.CounterVec
	OutboundDuration prometheus.Histogram
	SSRFBlocked      *prometheus.CounterVec

	// Event fan-out metrics
	SSESubscribers prometheus.Gauge
	EventsDropped  *prometheus.CounterVec

	// Notification metrics
	NotifyDeliveries *prometheus.CounterVec

	// Credential sync metrics
	CredSyncPushes *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on a caller-supplied registerer. Tests pass a
// fresh registry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_http_requests_total",
				Help: "Total HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocmt_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_rate_limit_decisions_total",
				Help: "Rate-limit admission decisions",
			},
			[]string{"limiter", "outcome"}, // outcome: allowed, limited, failopen
		),

		VaultOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_vault_operations_total",
				Help: "Vault lifecycle operations by outcome",
			},
			[]string{"operation", "outcome"}, // outcome: ok, denied, error
		),

		VaultSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocmt_vault_sessions_active",
				Help: "Unlocked vault sessions currently resident",
			},
		),

		KDFDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ocmt_vault_kdf_duration_seconds",
				Help:    "Wall time of password key derivation",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),

		AlertsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_alerts_triggered_total",
				Help: "Alert triggers that passed severity gating",
			},
			[]string{"event_type", "severity"},
		),

		AlertDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_alert_deliveries_total",
				Help: "Per-channel alert delivery outcomes",
			},
			[]string{"channel", "outcome"}, // outcome: sent, failed, throttled
		),

		AlertChannelSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_alert_channel_skips_total",
				Help: "Alerts skipped because the owner has not configured the channel",
			},
			[]string{"channel"},
		),

		ApprovalTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_approval_transitions_total",
				Help: "Capability approval state transitions",
			},
			[]string{"from", "to"},
		),

		ApprovalsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ocmt_approvals_expired_total",
				Help: "Pending approvals expired by the sweeper",
			},
		),

		OutboundCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_outbound_calls_total",
				Help: "Outbound resource invocations by outcome",
			},
			[]string{"outcome"}, // outcome: ok, denied, ssrf_blocked, rate_limited, upstream_error
		),

		OutboundDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ocmt_outbound_call_duration_seconds",
				Help:    "Wall time of outbound resource invocations",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		SSRFBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_ssrf_blocked_total",
				Help: "Outbound calls refused by the SSRF guard",
			},
			[]string{"reason"}, // reason: private, loopback, link_local, dns_failure
		),

		SSESubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocmt_sse_subscribers",
				Help: "Connected event-stream subscribers",
			},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_events_dropped_total",
				Help: "Events dropped because a subscriber could not keep up",
			},
			[]string{"transport"}, // transport: sse, websocket, bus
		),

		NotifyDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_notify_deliveries_total",
				Help: "Notification delivery attempts by backend",
			},
			[]string{"backend", "outcome"}, // backend: cloudtasks, inline; outcome: sent, failed, dropped
		),

		CredSyncPushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocmt_credsync_pushes_total",
				Help: "Credential pushes to owner sandboxes by outcome",
			},
			[]string{"outcome"}, // outcome: ok, token_error, upstream_error, superseded
		),
	}
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordRateLimit records an admission decision.
func (m *Metrics) RecordRateLimit(limiter string, outcome string) {
	m.RateLimitDecisions.WithLabelValues(limiter, outcome).Inc()
}

// RecordVaultOp records a vault lifecycle operation.
func (m *Metrics) RecordVaultOp(operation string, outcome string) {
	m.VaultOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordAlertTrigger records a trigger that passed severity gating.
func (m *Metrics) RecordAlertTrigger(eventType, severity string) {
	m.AlertsTriggered.WithLabelValues(eventType, severity).Inc()
}

// RecordAlertDelivery records one per-channel delivery outcome.
func (m *Metrics) RecordAlertDelivery(channel, outcome string) {
	m.AlertDeliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordChannelSkip counts a rule channel the owner never configured.
func (m *Metrics) RecordChannelSkip(channel string) {
	m.AlertChannelSkips.WithLabelValues(channel).Inc()
}

// RecordApprovalTransition records a state-machine edge.
func (m *Metrics) RecordApprovalTransition(from, to string) {
	m.ApprovalTransitions.WithLabelValues(from, to).Inc()
}

// RecordOutboundCall records an invocation outcome with its duration.
func (m *Metrics) RecordOutboundCall(outcome string, seconds float64) {
	m.OutboundCalls.WithLabelValues(outcome).Inc()
	m.OutboundDuration.Observe(seconds)
}

// RecordSSRFBlock counts a refused outbound destination.
func (m *Metrics) RecordSSRFBlock(reason string) {
	m.SSRFBlocked.WithLabelValues(reason).Inc()
}

// RecordEventDropped counts a slow-subscriber drop.
func (m *Metrics) RecordEventDropped(transport string) {
	m.EventsDropped.WithLabelValues(transport).Inc()
}

// RecordNotifyDelivery records a notification delivery attempt.
func (m *Metrics) RecordNotifyDelivery(backend, outcome string) {
	m.NotifyDeliveries.WithLabelValues(backend, outcome).Inc()
}

// RecordCredSync records a sandbox credential push outcome.
func (m *Metrics) RecordCredSync(outcome string) {
	m.CredSyncPushes.WithLabelValues(outcome).Inc()
}
