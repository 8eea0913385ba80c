package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulse"

// LicensingMetrics manages Prometheus instrumentation for the licensing subsystem.
type LicensingMetrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	retriesTotal        *prometheus.CounterVec
	decisionsTotal      *prometheus.CounterVec
	cacheLookupsTotal   *prometheus.CounterVec
	denialsTotal        *prometheus.CounterVec
	creditsConsumed     *prometheus.CounterVec
	insufficientCredits *prometheus.CounterVec
	tokenRefreshTotal   *prometheus.CounterVec
	backgroundRunsTotal *prometheus.CounterVec
}

var (
	licensingMetricsInstance *LicensingMetrics
	licensingMetricsOnce     sync.Once
)

// Get returns the singleton metrics instance registered on the default registry.
func Get() *LicensingMetrics {
	licensingMetricsOnce.Do(func() {
		licensingMetricsInstance = New(prometheus.DefaultRegisterer)
	})
	return licensingMetricsInstance
}

// New creates metrics registered on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *LicensingMetrics {
	m := &LicensingMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license_api",
				Name:      "requests_total",
				Help:      "Remote licensing API calls by method, path and outcome",
			},
			[]string{"method", "path", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "license_api",
				Name:      "request_duration_seconds",
				Help:      "Wall-clock duration of remote licensing API calls including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"path"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license_api",
				Name:      "retries_total",
				Help:      "Retried remote licensing API attempts by path",
			},
			[]string{"path"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license",
				Name:      "decisions_total",
				Help:      "Feature validation outcomes by state",
			},
			[]string{"state"},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license",
				Name:      "cache_lookups_total",
				Help:      "Validation cache lookups by result",
			},
			[]string{"result"},
		),
		denialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "denials_total",
				Help:      "Feature gate denials by feature and reason",
			},
			[]string{"feature", "reason"},
		),
		creditsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "addons",
				Name:      "credits_consumed_total",
				Help:      "Credits debited by addon and operation",
			},
			[]string{"addon", "operation"},
		),
		insufficientCredits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "addons",
				Name:      "insufficient_credits_total",
				Help:      "Credit consumptions refused for insufficient balance",
			},
			[]string{"addon"},
		),
		tokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "token_refresh_total",
				Help:      "Access token refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		backgroundRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license",
				Name:      "background_runs_total",
				Help:      "Background job executions by job and outcome",
			},
			[]string{"job", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.requestsTotal,
			m.requestDuration,
			m.retriesTotal,
			m.decisionsTotal,
			m.cacheLookupsTotal,
			m.denialsTotal,
			m.creditsConsumed,
			m.insufficientCredits,
			m.tokenRefreshTotal,
			m.backgroundRunsTotal,
		)
	}
	return m
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordRequest records a completed remote call.
func (m *LicensingMetrics) RecordRequest(method, path, outcome string, seconds float64) {
	m.requestsTotal.WithLabelValues(orUnknown(method), orUnknown(path), orUnknown(outcome)).Inc()
	m.requestDuration.WithLabelValues(orUnknown(path)).Observe(seconds)
}

// RecordRetry records one retried attempt.
func (m *LicensingMetrics) RecordRetry(path string) {
	m.retriesTotal.WithLabelValues(orUnknown(path)).Inc()
}

// RecordDecision records a validator outcome.
func (m *LicensingMetrics) RecordDecision(state string) {
	m.decisionsTotal.WithLabelValues(orUnknown(state)).Inc()
}

// RecordCacheLookup records a validation cache hit or miss.
func (m *LicensingMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDenial records a gate denial.
func (m *LicensingMetrics) RecordDenial(feature, reason string) {
	m.denialsTotal.WithLabelValues(orUnknown(feature), orUnknown(reason)).Inc()
}

// RecordCreditsConsumed records a successful debit.
func (m *LicensingMetrics) RecordCreditsConsumed(addon, operation string, cost int) {
	m.creditsConsumed.WithLabelValues(orUnknown(addon), orUnknown(operation)).Add(float64(cost))
}

// RecordInsufficientCredits records a refused debit.
func (m *LicensingMetrics) RecordInsufficientCredits(addon string) {
	m.insufficientCredits.WithLabelValues(orUnknown(addon)).Inc()
}

// RecordTokenRefresh records a refresh attempt.
func (m *LicensingMetrics) RecordTokenRefresh(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordBackgroundRun records a background job execution.
func (m *LicensingMetrics) RecordBackgroundRun(job string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.backgroundRunsTotal.WithLabelValues(orUnknown(job), outcome).Inc()
}
