// Package metrics exposes pipeline metrics in Prometheus format and keeps the
// running generation spend used for budget alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of the query pipeline
type Metrics struct {
	StageLatency      *prometheus.HistogramVec
	Queries           *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	PrivacyViolations prometheus.Counter
	PrivacyWarnings   prometheus.Counter
	PrivacyCheckTime  prometheus.Histogram
	IntegrityErrors   *prometheus.CounterVec
	Tokens            *prometheus.CounterVec
	CostUSD           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests independent of the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askguard",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"stage", "outcome"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "queries_total",
			Help:      "Processed queries by final state",
		}, []string{"result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "search_cache_lookups_total",
			Help:      "Search cache lookups by result",
		}, []string{"result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "askguard",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
		PrivacyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "privacy_violations_total",
			Help:      "Responses with blocking privacy violations",
		}),
		PrivacyWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "privacy_warnings_total",
			Help:      "Responses flagged by the heuristic leak signal",
		}),
		PrivacyCheckTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "askguard",
			Name:      "privacy_check_duration_seconds",
			Help:      "Duration of privacy validation",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1},
		}),
		IntegrityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "integrity_errors_total",
			Help:      "Fatal integrity errors (dimension mismatch, tenant isolation)",
		}, []string{"kind"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "generation_tokens_total",
			Help:      "Generation tokens by direction and model",
		}, []string{"direction", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askguard",
			Name:      "generation_cost_usd_total",
			Help:      "Generation spend in USD by model",
		}, []string{"model"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StageLatency,
			m.Queries,
			m.CacheLookups,
			m.BreakerState,
			m.PrivacyViolations,
			m.PrivacyWarnings,
			m.PrivacyCheckTime,
			m.IntegrityErrors,
			m.Tokens,
			m.CostUSD,
		)
	}
	return m
}

// BreakerStateValue maps a breaker state name to its gauge value
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
