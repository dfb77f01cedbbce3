// Package metrics exposes the fleet's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed counts finalized queue rows by their written status.
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "items_processed_total",
		Help:      "Queue items finalized, labeled by resulting status.",
	}, []string{"status"})

	// BatchesClaimed counts non-empty batch claims.
	BatchesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "batches_claimed_total",
		Help:      "Non-empty batches claimed from the queue.",
	})

	// CacheHits / CacheMisses count interceptor cache decisions.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cacheable script requests served from the store.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cacheable script requests fetched upstream.",
	})

	// BytesSaved counts proxy bandwidth avoided by cache hits and blocking.
	BytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "bytes_saved_total",
		Help:      "Proxy bytes avoided via cache hits.",
	})

	// SessionDuration observes wall time per batch session.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "harvester",
		Name:      "session_duration_seconds",
		Help:      "Wall time of one batch session.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// ProxyAcquisitions counts acquisition outcomes.
	ProxyAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "proxy",
		Name:      "acquisitions_total",
		Help:      "Proxy credential acquisitions by outcome.",
	}, []string{"outcome"})
)
