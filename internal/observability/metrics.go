// Package observability exposes Prometheus metrics for the coordination
// engine: investigation lifecycle counters, fusion gate outcomes, analyzer
// latencies, and status cache effectiveness.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "caseline"

// Metrics holds all Prometheus collectors. Construct once at startup; all
// operations are safe for concurrent use.
type Metrics struct {
	InvestigationsStarted  prometheus.Counter
	InvestigationsFinished *prometheus.CounterVec
	FusionVerdicts         *prometheus.CounterVec
	AnalyzerDuration       *prometheus.HistogramVec
	AnalyzerFailures       *prometheus.CounterVec
	MergeConflicts         prometheus.Counter
	StatusCacheHits        prometheus.Counter
	StatusCacheMisses      prometheus.Counter
}

// New registers all collectors on the given registerer (use
// prometheus.DefaultRegisterer in the server, a fresh registry in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InvestigationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "investigations_started_total",
			Help:      "Investigations that entered IN_PROGRESS.",
		}),
		InvestigationsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "investigations_finished_total",
			Help:      "Investigations that reached a terminal status.",
		}, []string{"status"}),
		FusionVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusion_verdicts_total",
			Help:      "Fused risk verdicts by gate status.",
		}, []string{"status"}),
		AnalyzerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_duration_seconds",
			Help:      "Domain analyzer wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
		AnalyzerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_failures_total",
			Help:      "Domain analyzer invocations recorded as degraded evidence.",
		}, []string{"domain"}),
		MergeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_total",
			Help:      "Progress merges retried after losing a version CAS.",
		}),
		StatusCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_cache_hits_total",
			Help:      "Status queries served from the in-process cache.",
		}),
		StatusCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_cache_misses_total",
			Help:      "Status queries that fetched from the store.",
		}),
	}
}
