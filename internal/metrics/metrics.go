package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payments core.
type Metrics struct {
	// Payment metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Approval metrics
	ApprovalsCreatedTotal *prometheus.CounterVec
	ApprovalsDecidedTotal *prometheus.CounterVec
	ApprovalLatency       *prometheus.HistogramVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Ledger and anchoring metrics
	LedgerEntriesTotal *prometheus.CounterVec
	AnchorRunsTotal    *prometheus.CounterVec
	AnchorBatchSize    prometheus.Histogram

	// Wallet lock metrics
	LockWaitDuration  *prometheus.HistogramVec
	LockTimeoutsTotal prometheus.Counter

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all metrics. A nil registry uses the default
// registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_payments_total",
				Help: "Total number of payment dispatch attempts",
			},
			[]string{"source", "chain"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_payments_success_total",
				Help: "Total number of settled payments",
			},
			[]string{"source", "chain"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_payments_failed_total",
				Help: "Total number of failed or blocked payments",
			},
			[]string{"source", "chain", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_payment_amount_minor_total",
				Help: "Total settled amount in token minor units",
			},
			[]string{"token", "chain"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sardis_settlement_duration_seconds",
				Help:    "Time from dispatch entry to on-chain confirmation",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"chain"},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_rpc_calls_total",
				Help: "Total number of RPC calls to chain backends",
			},
			[]string{"method", "chain"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sardis_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to chain backends",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "chain"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "chain"},
		),

		ApprovalsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_approvals_created_total",
				Help: "Total number of approval requests opened",
			},
			[]string{"tier"},
		),
		ApprovalsDecidedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_approvals_decided_total",
				Help: "Total number of approval requests decided",
			},
			[]string{"status"},
		),
		ApprovalLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sardis_approval_latency_seconds",
				Help:    "Time from approval request to terminal decision",
				Buckets: []float64{60, 300, 900, 3600, 14400, 86400},
			},
			[]string{"status"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_webhooks_total",
				Help: "Total number of webhook delivery outcomes",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_webhook_dlq_total",
				Help: "Total number of webhooks dead-lettered",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sardis_webhook_duration_seconds",
				Help:    "Time taken for one webhook delivery attempt",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		LedgerEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_ledger_entries_total",
				Help: "Total number of ledger entries appended",
			},
			[]string{"status"},
		),
		AnchorRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sardis_anchor_runs_total",
				Help: "Total number of Merkle anchoring runs",
			},
			[]string{"outcome"},
		),
		AnchorBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sardis_anchor_batch_size",
				Help:    "Ledger entries per committed anchor batch",
				Buckets: []float64{1, 10, 50, 100, 500, 1000},
			},
		),

		LockWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sardis_lock_wait_duration_seconds",
				Help:    "Time spent waiting for a wallet lock",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"outcome"},
		),
		LockTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sardis_lock_timeouts_total",
				Help: "Total number of wallet lock acquisitions that timed out",
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sardis_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sardis_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObservePayment records a dispatch attempt and its outcome.
func (m *Metrics) ObservePayment(source, chain, token string, settled bool, duration time.Duration, amountMinor int64) {
	m.PaymentsTotal.WithLabelValues(source, chain).Inc()
	if settled {
		m.PaymentsSuccessTotal.WithLabelValues(source, chain).Inc()
		m.PaymentAmountTotal.WithLabelValues(token, chain).Add(float64(amountMinor))
	}
	m.SettlementDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed or blocked payment with its code.
func (m *Metrics) ObservePaymentFailure(source, chain, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(source, chain, reason).Inc()
}

// ObserveRPCCall records one chain RPC round trip.
func (m *Metrics) ObserveRPCCall(method, chain string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, chain).Inc()
	m.RPCCallDuration.WithLabelValues(method, chain).Observe(duration.Seconds())
	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(method, chain).Inc()
	}
}

// ObserveApprovalCreated records a newly opened approval request.
func (m *Metrics) ObserveApprovalCreated(tier string) {
	m.ApprovalsCreatedTotal.WithLabelValues(tier).Inc()
}

// ObserveApprovalDecided records a terminal approval decision and its latency.
func (m *Metrics) ObserveApprovalDecided(status string, latency time.Duration) {
	m.ApprovalsDecidedTotal.WithLabelValues(status).Inc()
	m.ApprovalLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// ObserveWebhook records one webhook delivery attempt.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, deadLettered bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
	if deadLettered {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveLedgerEntry records an appended entry by terminal status.
func (m *Metrics) ObserveLedgerEntry(status string) {
	m.LedgerEntriesTotal.WithLabelValues(status).Inc()
}

// ObserveAnchorRun records one anchoring pass.
func (m *Metrics) ObserveAnchorRun(outcome string, batchSize int) {
	m.AnchorRunsTotal.WithLabelValues(outcome).Inc()
	if batchSize > 0 {
		m.AnchorBatchSize.Observe(float64(batchSize))
	}
}

// ObserveLockWait records a wallet lock acquisition.
func (m *Metrics) ObserveLockWait(acquired bool, wait time.Duration) {
	outcome := "acquired"
	if !acquired {
		outcome = "timeout"
		m.LockTimeoutsTotal.Inc()
	}
	m.LockWaitDuration.WithLabelValues(outcome).Observe(wait.Seconds())
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt > 5 {
		return "5+"
	}
	return strconv.Itoa(attempt)
}
