package core

// metrics.go – prometheus instrumentation for the hot paths. Collectors
// register on the default registry; the RPC listener exposes /metrics via
// promhttp.

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetricBlockHeight tracks the finalized height per shard.
	MetricBlockHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sultan",
		Subsystem: "chain",
		Name:      "block_height",
		Help:      "Finalized block height per shard.",
	}, []string{"shard"})

	// MetricBlocksFinalized counts finalizations.
	MetricBlocksFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sultan",
		Subsystem: "chain",
		Name:      "blocks_finalized_total",
		Help:      "Blocks finalized per shard.",
	}, []string{"shard"})

	// MetricTxApplied counts transactions included in finalized blocks.
	MetricTxApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sultan",
		Subsystem: "chain",
		Name:      "transactions_applied_total",
		Help:      "Transactions applied to state.",
	})

	// MetricVotesRejected counts rejected votes by reason kind.
	MetricVotesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sultan",
		Subsystem: "consensus",
		Name:      "votes_rejected_total",
		Help:      "Votes rejected during collection.",
	}, []string{"reason"})

	// MetricCrossShardTransfers counts 2PC outcomes by terminal state.
	MetricCrossShardTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sultan",
		Subsystem: "shard",
		Name:      "cross_shard_transfers_total",
		Help:      "Cross-shard transfers by terminal state.",
	}, []string{"state"})

	// MetricPeersBanned counts transport bans.
	MetricPeersBanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sultan",
		Subsystem: "p2p",
		Name:      "peers_banned_total",
		Help:      "Peers banned for rate or protocol violations.",
	})

	// MetricStorageCacheHits tracks LRU effectiveness.
	MetricStorageCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sultan",
		Subsystem: "storage",
		Name:      "block_cache_requests_total",
		Help:      "Block cache lookups by outcome.",
	}, []string{"outcome"})
)
