package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "eventql"
	subsystem = "lsm"
)

var (
	// InsertedRecords counts records appended to head arenas, after
	// version deduplication.
	InsertedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "inserted_records_total",
		Help:      "Number of records inserted into head arenas after deduplication",
	})

	// SkippedRecords counts records dropped by the insert-time version check.
	SkippedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "skipped_records_total",
		Help:      "Number of records skipped because a newer or equal version was already stored",
	})

	// CommitDuration stores arena flush times.
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "commit_duration_seconds",
		Help:      "Time taken to flush an arena to a segment",
	})

	// CompactionDuration stores segment merge times.
	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compaction_duration_seconds",
		Help:      "Time taken to merge segments",
	})

	// PartitionSplitsTotal counts proposed partition splits.
	PartitionSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "partition_splits_total",
		Help:      "Number of SPLIT_PARTITION operations proposed by writers",
	})

	// MetadataOperationsTotal counts coordinator metadata operations by
	// outcome: committed, failed or conflict.
	MetadataOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "metadata",
		Name:      "operations_total",
		Help:      "Number of metadata operations partitioned by outcome",
	}, []string{"outcome"})

	// DiscoveryRequestsTotal counts partition discovery requests served.
	DiscoveryRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "metadata",
		Name:      "discovery_requests_total",
		Help:      "Number of partition discovery requests served",
	})

	// RPCRequestDuration stores the processing time of frontend requests
	// routed to one of the /rpc endpoints.
	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "RPC request processing time partitioned by path",
	}, []string{"path"})
)
