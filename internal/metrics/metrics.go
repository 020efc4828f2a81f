// Package metrics exposes Prometheus collectors for the collector service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collectorItemsTotal        *prometheus.CounterVec
	collectorJobsTotal         *prometheus.CounterVec
	collectorActiveWorkers     *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	enrichmentBatchSize        prometheus.Histogram
	enrichmentCacheHitsTotal   prometheus.Counter
	enrichmentCacheMissesTotal prometheus.Counter
	cacheOpsTotal              *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectorItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_items_total",
				Help: "Total items processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		collectorJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_jobs_total",
				Help: "Total collection jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		collectorActiveWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_active_workers",
				Help: "Jobs currently running, labeled by tier.",
			},
			[]string{"tier"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		enrichmentBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enrichment_batch_size",
				Help:    "Histogram of texts per model invocation.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		)

		enrichmentCacheHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichment_cache_hits_total",
				Help: "Enrichment requests resolved from cache.",
			},
		)

		enrichmentCacheMissesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichment_cache_misses_total",
				Help: "Enrichment requests sent to the model.",
			},
		)

		cacheOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_ops_total",
				Help: "Cache manager operations, labeled by op and result.",
			},
			[]string{"op", "result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts one processed item for a source.
// Outcome is one of stored, duplicate, invalid, error.
func ObserveItem(source, outcome string) {
	if collectorItemsTotal == nil {
		return
	}
	collectorItemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveJob counts one finished job for the given status.
func ObserveJob(status string) {
	if collectorJobsTotal == nil {
		return
	}
	collectorJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the running-jobs gauge for a tier.
func IncActiveWorkers(tier string) {
	if collectorActiveWorkers == nil {
		return
	}
	collectorActiveWorkers.WithLabelValues(tier).Inc()
}

// DecActiveWorkers decrements the running-jobs gauge for a tier.
func DecActiveWorkers(tier string) {
	if collectorActiveWorkers == nil {
		return
	}
	collectorActiveWorkers.WithLabelValues(tier).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveEnrichmentBatch records the size of one model invocation.
func ObserveEnrichmentBatch(size int) {
	if enrichmentBatchSize == nil {
		return
	}
	enrichmentBatchSize.Observe(float64(size))
}

// ObserveEnrichmentCache counts a cache hit or miss in the enrichment path.
func ObserveEnrichmentCache(hit bool) {
	if enrichmentCacheHitsTotal == nil {
		return
	}
	if hit {
		enrichmentCacheHitsTotal.Inc()
		return
	}
	enrichmentCacheMissesTotal.Inc()
}

// ObserveCacheOp counts one cache manager operation.
func ObserveCacheOp(op, result string) {
	if cacheOpsTotal == nil {
		return
	}
	cacheOpsTotal.WithLabelValues(op, result).Inc()
}
