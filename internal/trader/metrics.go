package trader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the trader system.
var (
	TradersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "traders_active",
			Help: "Number of traders per lifecycle state",
		},
		[]string{"state"},
	)

	TraderStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_state_transitions_total",
			Help: "Total number of state transitions",
		},
		[]string{"from", "to"},
	)

	TraderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_errors_total",
			Help: "Total number of trader errors",
		},
		[]string{"trader_id", "error_type"},
	)

	TraderEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_evaluations_total",
			Help: "Total number of filter evaluations",
		},
		[]string{"trader_id", "result"},
	)

	TraderEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trader_evaluation_duration_seconds",
			Help:    "Duration of single-symbol filter evaluations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trader_id"},
	)

	SignalsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_generated_total",
			Help: "Total number of signals generated",
		},
		[]string{"trader_id", "symbol"},
	)

	SignalsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_deduplicated_total",
			Help: "Matches collapsed into an existing signal row",
		},
		[]string{"trader_id"},
	)

	SignalPersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_persist_errors_total",
			Help: "Total number of signal persistence errors",
		},
		[]string{"trader_id"},
	)

	QuotaAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_acquisitions_total",
			Help: "Total number of quota acquisitions",
		},
		[]string{"user_id", "tier"},
	)

	QuotaReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_releases_total",
			Help: "Total number of quota releases",
		},
		[]string{"user_id", "tier"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total number of quota rejections",
		},
		[]string{"user_id", "tier", "reason"},
	)

	QuotaUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_usage",
			Help: "Current running traders per user",
		},
		[]string{"user_id", "tier"},
	)

	QuotaLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_limit",
			Help: "Running-trader limit per tier",
		},
		[]string{"tier"},
	)

	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_size",
			Help: "Number of traders in the registry",
		},
	)

	TradersLoadedFromDB = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traders_loaded_from_db_total",
			Help: "Total number of traders loaded from the repository",
		},
		[]string{"status"},
	)
)

// RecordStateTransition records a state transition metric.
func RecordStateTransition(from, to string) {
	TraderStateTransitions.WithLabelValues(from, to).Inc()
	TradersActive.WithLabelValues(to).Inc()
	if from != to {
		TradersActive.WithLabelValues(from).Dec()
	}
}

// RecordError records a trader error metric.
func RecordError(traderID, errorType string) {
	TraderErrors.WithLabelValues(traderID, errorType).Inc()
}

// RecordEvaluation records one filter evaluation and its duration.
func RecordEvaluation(traderID, result string, seconds float64) {
	TraderEvaluations.WithLabelValues(traderID, result).Inc()
	TraderEvaluationDuration.WithLabelValues(traderID).Observe(seconds)
}

// RecordSignal records a signal generation metric.
func RecordSignal(traderID, symbol string) {
	SignalsGenerated.WithLabelValues(traderID, symbol).Inc()
}

// RecordSignalDeduplicated records a match collapsed by the dedup window.
func RecordSignalDeduplicated(traderID string) {
	SignalsDeduplicated.WithLabelValues(traderID).Inc()
}

// RecordSignalPersistError records a signal persistence failure.
func RecordSignalPersistError(traderID string) {
	SignalPersistErrors.WithLabelValues(traderID).Inc()
}

// RecordQuotaAcquisition records a quota acquisition.
func RecordQuotaAcquisition(userID, tier string) {
	QuotaAcquisitions.WithLabelValues(userID, tier).Inc()
}

// RecordQuotaRelease records a quota release.
func RecordQuotaRelease(userID, tier string) {
	QuotaReleases.WithLabelValues(userID, tier).Inc()
}

// RecordQuotaRejection records a quota rejection.
func RecordQuotaRejection(userID, tier, reason string) {
	QuotaRejections.WithLabelValues(userID, tier, reason).Inc()
}

// UpdateQuotaUsage updates current quota usage for a user.
func UpdateQuotaUsage(userID, tier string, usage float64) {
	QuotaUsage.WithLabelValues(userID, tier).Set(usage)
}

// UpdateQuotaLimit updates the quota limit gauge for a tier.
func UpdateQuotaLimit(tier string, limit float64) {
	QuotaLimit.WithLabelValues(tier).Set(limit)
}

// UpdateRegistrySize updates the registry size gauge.
func UpdateRegistrySize(size float64) {
	RegistrySize.Set(size)
}
