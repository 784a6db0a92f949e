package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelationCommitsTotal counts writer commits by channel and outcome
	RelationCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_relation_commits_total",
			Help: "Total number of relation index commits",
		},
		[]string{"channel", "status"},
	)

	// RelationCommitDurationSeconds measures the time from Commit call to visibility
	RelationCommitDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relnode_relation_commit_duration_seconds",
			Help:    "Duration of relation index commits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// RelationCommitBatchSize tracks puts+deletes applied per commit
	RelationCommitBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relnode_relation_commit_batch_size",
			Help:    "Number of edge puts and deletes applied per commit",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// RelationEdges tracks the committed edge count per channel
	RelationEdges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relnode_relation_edges",
			Help: "Number of committed edges in open relation indexes",
		},
		[]string{"channel"},
	)

	// RelationWriterWaitSeconds measures how long AcquireWriter blocked
	RelationWriterWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relnode_relation_writer_wait_seconds",
			Help:    "Time spent waiting for exclusive writer access",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)

	// RelationWriterAcquireTotal counts writer acquisition attempts by result
	RelationWriterAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_relation_writer_acquire_total",
			Help: "Writer acquisition attempts by result (acquired, busy, canceled)",
		},
		[]string{"result"},
	)

	// RelationWritersActive is 1 while a writer session is held
	RelationWritersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relnode_relation_writers_active",
			Help: "Number of writer sessions currently held",
		},
	)

	// RelationSearchTotal counts searches by sub-query kind and outcome
	RelationSearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_relation_search_total",
			Help: "Total number of relation searches",
		},
		[]string{"kind", "status"},
	)

	// RelationSearchDurationSeconds measures search latency by sub-query kind
	RelationSearchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relnode_relation_search_duration_seconds",
			Help:    "Duration of relation search sub-queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RelationSubgraphNodesVisited tracks BFS breadth for subgraph searches
	RelationSubgraphNodesVisited = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relnode_relation_subgraph_nodes_visited",
			Help:    "Nodes visited per subgraph search",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// RelationViewBuildsTotal counts derived graph views built from storage
	RelationViewBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_relation_view_builds_total",
			Help: "Derived graph views built from the storage engine",
		},
		[]string{"channel"},
	)

	// QueryCacheHitsTotal counts search cache hits
	QueryCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_query_cache_hits_total",
			Help: "Total number of relation search cache hits",
		},
		[]string{"index"},
	)

	// QueryCacheMissesTotal counts search cache misses
	QueryCacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_query_cache_misses_total",
			Help: "Total number of relation search cache misses",
		},
		[]string{"index"},
	)

	// QueryCacheEvictionsTotal counts entries evicted for capacity
	QueryCacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relnode_query_cache_evictions_total",
			Help: "Total number of relation search cache evictions",
		},
		[]string{"index"},
	)

	// QueryCacheSize tracks current number of cached responses
	QueryCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relnode_query_cache_size",
			Help: "Number of cached relation search responses",
		},
		[]string{"index"},
	)
)
