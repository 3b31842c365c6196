package engine

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one Manager instance.
// Collectors are registered on the injected Registerer; there is no
// global registry dependency.
type Metrics struct {
	// Runs counts compression runs that produced a retrieval.
	Runs prometheus.Counter

	// SavingsTokens accumulates tokens saved versus the L2 baseline.
	SavingsTokens prometheus.Counter

	// SavingsRatio observes the per-run savings ratio.
	// Buckets: 0.1 .. 0.9
	SavingsRatio prometheus.Histogram

	// FallbackEvents counts fallback events by stage
	// (overview|abstract|archive-miss).
	FallbackEvents *prometheus.CounterVec

	// ReachedLayer counts retrieval decisions by layer.
	ReachedLayer *prometheus.CounterVec

	// BuildDuration observes index build latency in seconds.
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s
	BuildDuration prometheus.Histogram

	// BuildFailures counts failed index builds.
	BuildFailures prometheus.Counter
}

// NewMetrics creates and registers the collectors. A nil registerer
// returns nil metrics; every record method tolerates that.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_runs_total",
			Help: "Compression runs that produced a retrieval.",
		}),
		SavingsTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_savings_tokens_total",
			Help: "Tokens saved versus the full-transcript baseline.",
		}),
		SavingsRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "strata_savings_ratio",
			Help:    "Per-run savings ratio.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		FallbackEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_fallback_events_total",
			Help: "Fallback events by stage.",
		}, []string{"stage"}),
		ReachedLayer: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_reached_layer_total",
			Help: "Retrieval decisions by reached layer.",
		}, []string{"layer"}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "strata_build_duration_seconds",
			Help:    "Index build latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		BuildFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_build_failures_total",
			Help: "Index builds that failed to persist.",
		}),
	}
}

func (m *Metrics) recordFallbacks(events []string) {
	if m == nil {
		return
	}
	for _, ev := range events {
		stage, _, _ := strings.Cut(ev, ":")
		m.FallbackEvents.WithLabelValues(stage).Inc()
	}
}

// MetricsSnapshot is the Manager's running totals, inspectable without a
// Prometheus scrape.
type MetricsSnapshot struct {
	TotalRuns          int64
	TotalSavingsTokens int64
	AvgSavingsTokens   float64
	AvgSavingsRatio    float64
	FallbackEvents     int64
}

// totals accumulates the snapshot under a mutex.
type totals struct {
	mu            sync.Mutex
	runs          int64
	savingsTokens int64
	savingsRatio  float64
	fallbacks     int64
}

func (t *totals) recordRun(savings int, ratio float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	t.savingsTokens += int64(savings)
	t.savingsRatio += ratio
}

func (t *totals) recordFallbacks(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallbacks += int64(n)
}

func (t *totals) snapshot() MetricsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := MetricsSnapshot{
		TotalRuns:          t.runs,
		TotalSavingsTokens: t.savingsTokens,
		FallbackEvents:     t.fallbacks,
	}
	if t.runs > 0 {
		snap.AvgSavingsTokens = float64(t.savingsTokens) / float64(t.runs)
		snap.AvgSavingsRatio = t.savingsRatio / float64(t.runs)
	}
	return snap
}
