package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for RiskGate.
// Every component accepts a nil *Metrics and skips recording.
type Metrics struct {
	// --- Audit chain ---
	AuditAppends          *prometheus.CounterVec
	AuditAppendRetries    prometheus.Counter
	AuditAppendErrors     prometheus.Counter
	AuditSequence         prometheus.Gauge
	AuditVerifications    *prometheus.CounterVec
	AuditTamper           prometheus.Counter
	AuditArchived         prometheus.Counter
	AuditAnchorsPublished prometheus.Counter

	// --- Idempotency ---
	IdempotencyReservations *prometheus.CounterVec
	IdempotencyCompletions  *prometheus.CounterVec
	IdempotencyReaped       prometheus.Counter
	IdempotencyCacheHits    prometheus.Counter
	IdempotencyCacheSize    prometheus.Gauge
	IdempotencyWaits        prometheus.Counter

	// --- Circuit breaker ---
	BreakerHalted      prometheus.Gauge
	BreakerHalts       *prometheus.CounterVec
	BreakerResets      prometheus.Counter
	BreakerFailClosed  prometheus.Counter
	ConsecutiveLosses  prometheus.Gauge
	DailyLossPercent   prometheus.Gauge
	DrawdownPercent    prometheus.Gauge
	OutcomesApplied    *prometheus.CounterVec
	OutcomesDuplicate  prometheus.Counter
	OutcomesOutOfOrder *prometheus.CounterVec

	// --- Trade gate ---
	GateSubmissions    *prometheus.CounterVec
	GateSubmitDuration prometheus.Histogram
	GateReconciliation *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestRetries  prometheus.Counter

	// --- Control API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	submitBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_audit_appends_total",
			Help: "Audit entries appended",
		}, []string{"event_type"}),

		AuditAppendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_audit_append_retries_total",
			Help: "Appends retried after a sequence conflict",
		}),

		AuditAppendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_audit_append_errors_total",
			Help: "Appends that failed with ChainWriteError",
		}),

		AuditSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_audit_sequence",
			Help: "Sequence number of the chain tail",
		}),

		AuditVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_audit_verifications_total",
			Help: "Chain verifications by result",
		}, []string{"result"}),

		AuditTamper: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_audit_tamper_detected_total",
			Help: "Verifications that found a broken link",
		}),

		AuditArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_audit_archived_entries_total",
			Help: "Entries moved to the archive table",
		}),

		AuditAnchorsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_audit_anchors_published_total",
			Help: "Tail hashes published off-store",
		}),

		IdempotencyReservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_idempotency_reservations_total",
			Help: "Reserve calls by outcome (reserved/hit/stale/conflict)",
		}, []string{"outcome"}),

		IdempotencyCompletions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_idempotency_completions_total",
			Help: "Records completed by terminal status",
		}, []string{"status"}),

		IdempotencyReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_idempotency_reaped_total",
			Help: "Expired records removed",
		}),

		IdempotencyCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_idempotency_cache_hits_total",
			Help: "Lookups served by the in-memory tier",
		}),

		IdempotencyCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_idempotency_cache_size",
			Help: "Terminal records held in the in-memory tier",
		}),

		IdempotencyWaits: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_idempotency_waits_total",
			Help: "Reserve calls that waited on an in-flight reservation",
		}),

		BreakerHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_breaker_halted",
			Help: "1 when trading is halted, 0 when active",
		}),

		BreakerHalts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_breaker_halts_total",
			Help: "Halts by trigger",
		}, []string{"trigger"}),

		BreakerResets: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_breaker_resets_total",
			Help: "Operator resets",
		}),

		BreakerFailClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_breaker_fail_closed_total",
			Help: "Checks refused because risk state could not be read",
		}),

		ConsecutiveLosses: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_consecutive_losses",
			Help: "Current consecutive loss count",
		}),

		DailyLossPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_daily_loss_percent",
			Help: "Current daily loss percent",
		}),

		DrawdownPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_drawdown_percent",
			Help: "Current drawdown from peak equity percent",
		}),

		OutcomesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_outcomes_applied_total",
			Help: "Trade outcomes applied to risk counters",
		}, []string{"outcome"}),

		OutcomesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_outcomes_duplicate_total",
			Help: "Outcomes ignored because the order_id was already applied",
		}),

		OutcomesOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_outcomes_out_of_order_total",
			Help: "Outcomes deferred because an earlier order is still pending",
		}, []string{"symbol"}),

		GateSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_gate_submissions_total",
			Help: "Submit calls by result",
		}, []string{"result"}),

		GateSubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskgate_gate_submit_duration_seconds",
			Help:    "Latency of the external submit call",
			Buckets: submitBuckets,
		}),

		GateReconciliation: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_gate_reconciliations_total",
			Help: "Records resolved by reconciliation",
		}, []string{"status"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_ingest_messages_total",
			Help: "Outcome messages by result (applied/nak/invalid)",
		}, []string{"result"}),

		IngestRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_ingest_retries_total",
			Help: "Outcome applications retried after a transient error",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_api_requests_total",
			Help: "Control API requests",
		}, []string{"method", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_api_duration_seconds",
			Help:    "Control API latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
	}
}

// SetRiskGauges mirrors the live breaker counters.
func (m *Metrics) SetRiskGauges(halted bool, consecutive int, dailyLoss, drawdown float64) {
	if halted {
		m.BreakerHalted.Set(1)
	} else {
		m.BreakerHalted.Set(0)
	}
	m.ConsecutiveLosses.Set(float64(consecutive))
	m.DailyLossPercent.Set(dailyLoss)
	m.DrawdownPercent.Set(drawdown)
}
