// Package metrics exposes Prometheus collectors for one pricing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors. Each instance owns its registry so
// several engines can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Refresh
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	GraphTokens     prometheus.Gauge
	GraphPools      prometheus.Gauge
	AnchorPrice     prometheus.Gauge

	// LP processing
	LPResolved    prometheus.Gauge
	LPSkipped     prometheus.Gauge
	LPExcluded    prometheus.Gauge
	QueueTimeouts prometheus.Counter

	// Oracle
	OracleFailures prometheus.Counter

	// Cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheErrors prometheus.Counter

	// Signals
	ArbitrageSignals prometheus.Counter
}

// New creates and registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_pricer"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "runs_total",
			Help:      "Pricing data refresh runs by result",
		}, []string{"result"}),
		RefreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of a full pricing refresh",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		GraphTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "tokens",
			Help:      "Tokens in the current price graph",
		}),
		GraphPools: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "pools",
			Help:      "Pool edges in the current price graph",
		}),
		AnchorPrice: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "anchor_price_usd",
			Help:      "Anchor price used by the current snapshot",
		}),
		LPResolved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lp",
			Name:      "resolved",
			Help:      "LP tokens priced in the last pass",
		}),
		LPSkipped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lp",
			Name:      "skipped",
			Help:      "LP tokens skipped in the last pass",
		}),
		LPExcluded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lp",
			Name:      "excluded",
			Help:      "LP tokens excluded from the dependency graph",
		}),
		QueueTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lp",
			Name:      "timeouts_total",
			Help:      "LP passes that stopped on the time budget",
		}),
		OracleFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "failures_total",
			Help:      "Failed anchor price polls",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Price lookups served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Price lookups computed from the snapshot",
		}),
		CacheErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Cache store operations that failed",
		}),
		ArbitrageSignals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "arbitrage_total",
			Help:      "Market/intrinsic divergences above threshold",
		}),
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
