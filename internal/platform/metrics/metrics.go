package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	StageItems    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageBacklog  *prometheus.GaugeVec
	DeadLetters   *prometheus.CounterVec
	Releases      prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
}

// New creates and registers all pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regpipe_stage_items_total",
			Help: "Items processed per stage, by outcome (advanced, rejected, retried, dead_lettered).",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regpipe_stage_tick_duration_seconds",
			Help:    "Duration of one stage tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		StageBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regpipe_stage_backlog",
			Help: "Pending items observed by the last tick of each stage.",
		}, []string{"stage"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regpipe_dead_letters_total",
			Help: "Items dead-lettered, by typed reason.",
		}, []string{"reason"}),
		Releases: factory.NewCounter(prometheus.CounterOpts{
			Name: "regpipe_releases_total",
			Help: "Successful rule releases published.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "regpipe_query_cache_hits_total",
			Help: "Published-rule query cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "regpipe_query_cache_misses_total",
			Help: "Published-rule query cache misses.",
		}),
	}
}
