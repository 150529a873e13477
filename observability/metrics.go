// Package observability exposes the process-wide metric registries. Each
// registry is registered lazily on first use so importing a package never
// forces collectors onto callers that do not walk pools.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type poolMetrics struct {
	walks        *prometheus.CounterVec
	walkDuration *prometheus.HistogramVec
	applyNodes   *prometheus.HistogramVec
	spills       *prometheus.CounterVec
	insolvencies *prometheus.CounterVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *poolMetrics
)

// Pool returns the metrics registry tracking tree walks.
func Pool() *poolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &poolMetrics{
			walks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqtree",
				Subsystem: "pool",
				Name:      "walks_total",
				Help:      "Count of tree walks segmented by pool, operation and outcome.",
			}, []string{"pool", "op", "outcome"}),
			walkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "liqtree",
				Subsystem: "pool",
				Name:      "walk_duration_seconds",
				Help:      "Wall time of one full tree walk including settlement.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			}, []string{"pool", "op"}),
			applyNodes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "liqtree",
				Subsystem: "pool",
				Name:      "apply_nodes",
				Help:      "Number of nodes a walk's delta landed on.",
				Buckets:   prometheus.LinearBuckets(1, 4, 16),
			}, []string{"pool"}),
			spills: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqtree",
				Subsystem: "pool",
				Name:      "fee_spills_total",
				Help:      "Count of walks where a compounding balance saturated.",
			}, []string{"pool", "token"}),
			insolvencies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqtree",
				Subsystem: "pool",
				Name:      "insolvency_rejections_total",
				Help:      "Count of walks rejected by the root solvency check.",
			}, []string{"pool"}),
		}
		prometheus.MustRegister(
			poolRegistry.walks,
			poolRegistry.walkDuration,
			poolRegistry.applyNodes,
			poolRegistry.spills,
			poolRegistry.insolvencies,
		)
	})
	return poolRegistry
}

// RecordWalk counts a finished walk and observes its duration.
func (m *poolMetrics) RecordWalk(pool, op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	pool = normalizeLabel(pool)
	op = normalizeLabel(op)
	m.walks.WithLabelValues(pool, op, normalizeLabel(outcome)).Inc()
	m.walkDuration.WithLabelValues(pool, op).Observe(took.Seconds())
}

// RecordApplyNodes observes how many nodes the walk's delta landed on.
func (m *poolMetrics) RecordApplyNodes(pool string, count int) {
	if m == nil {
		return
	}
	m.applyNodes.WithLabelValues(normalizeLabel(pool)).Observe(float64(count))
}

// RecordSpill counts a saturated compounding balance for one token.
func (m *poolMetrics) RecordSpill(pool, token string) {
	if m == nil {
		return
	}
	m.spills.WithLabelValues(normalizeLabel(pool), normalizeLabel(token)).Inc()
}

// RecordInsolvency counts a walk the root solvency check rejected.
func (m *poolMetrics) RecordInsolvency(pool string) {
	if m == nil {
		return
	}
	m.insolvencies.WithLabelValues(normalizeLabel(pool)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
