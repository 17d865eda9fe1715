// Package metrics defines the Prometheus collectors for the trading control
// plane and the HTTP server exposing them. Financial values cross the float
// boundary only here.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for the rejection reason label.
const (
	ReasonSlippage     = "SLIPPAGE_EXCEEDED"
	ReasonTimeout      = "HITL_TIMEOUT"
	ReasonGuardianLock = "GUARDIAN_LOCK"
	ReasonHashMismatch = "HASH_MISMATCH"
	ReasonOperator     = "OPERATOR_REJECTED"
	ReasonOther        = "OTHER"
)

// NormalizeRejectionReason maps arbitrary rejection reasons to the bounded set.
func NormalizeRejectionReason(reason string) string {
	switch upper := strings.ToUpper(reason); upper {
	case ReasonSlippage, ReasonTimeout, ReasonGuardianLock, ReasonHashMismatch, ReasonOperator:
		return upper
	default:
		return ReasonOther
	}
}

// Signal pipeline metrics
var (
	SignalsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signals_received_total",
		Help: "Total number of webhook signals accepted by ingress",
	})

	SignalsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signals_executed_total",
		Help: "Total number of signals that reached order execution",
	})

	EquityZAR = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equity_zar",
		Help: "Current account equity in ZAR",
	})

	SlippagePct = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slippage_pct",
		Help:    "Realized slippage per filled order as a percentage",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	})

	Expectancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "expectancy",
		Help: "Rolling trade expectancy in ZAR",
	})
)

// HITL gateway metrics
var (
	HITLRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hitl_requests_total",
		Help: "Total number of approval requests created",
	})

	HITLApprovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hitl_approvals_total",
		Help: "Total number of approved requests",
	})

	HITLRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hitl_rejections_total",
		Help: "Total number of rejected requests by reason",
	}, []string{"reason"})

	HITLRejectionsTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hitl_rejections_timeout_total",
		Help: "Total number of requests rejected by expiry",
	})

	HITLResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hitl_response_latency_seconds",
		Help:    "Time from request creation to operator decision",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	BlockedByGuardian = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blocked_by_guardian_total",
		Help: "Total number of requests refused or cascaded by the Guardian lock",
	})
)

// RGI trust metrics
var (
	RGITrustProbability = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rgi_trust_probability",
		Help: "Most recent trust probability emitted by the governor",
	})

	RGIAdjustedConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rgi_adjusted_confidence",
		Help:    "Adjusted confidence values evaluated against the execution gate",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99, 1.0},
	})

	RGISafeModeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rgi_safe_mode_active",
		Help: "Whether the trust governor is latched into safe mode (0/1)",
	})

	RGIModelLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rgi_model_loaded",
		Help: "Whether a trained trust model is loaded (0/1)",
	})
)

// RecordRejection increments the labelled rejection counter, and the
// dedicated timeout counter when the reason is expiry.
func RecordRejection(reason string) {
	normalized := NormalizeRejectionReason(reason)
	HITLRejections.WithLabelValues(normalized).Inc()
	if normalized == ReasonTimeout {
		HITLRejectionsTimeout.Inc()
	}
}
