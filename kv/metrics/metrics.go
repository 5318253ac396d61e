package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WALAppendCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "wal",
			Name:      "records_total",
			Help:      "Counter of log records appended, by kind.",
		}, []string{"kind"})

	WALBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "wal",
			Name:      "bytes_total",
			Help:      "Counter of log bytes appended.",
		})

	WALFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinypg",
			Subsystem: "wal",
			Name:      "flush_duration_seconds",
			Help:      "Bucketed histogram of log flush duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})

	WALFlushBatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinypg",
			Subsystem: "wal",
			Name:      "flush_batch_bytes",
			Help:      "Bucketed histogram of bytes written per flush. Large batches mean group commit kicks in.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		})

	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "txn",
			Name:      "ended_total",
			Help:      "Counter of ended transactions, by result.",
		}, []string{"result"})

	TxnConflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "txn",
			Name:      "conflicts_total",
			Help:      "Counter of write conflicts, by resolution.",
		}, []string{"resolution"})

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinypg",
			Subsystem: "txn",
			Name:      "lock_wait_duration_seconds",
			Help:      "Bucketed histogram of time writers waited on a conflicting transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	CheckpointCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "checkpoint",
			Name:      "total",
			Help:      "Counter of checkpoints, by trigger and result.",
		}, []string{"trigger", "result"})

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinypg",
			Subsystem: "checkpoint",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of checkpoint duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20),
		})

	CheckpointChainsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "checkpoint",
			Name:      "chains_written_total",
			Help:      "Counter of version chain images written by checkpoints.",
		})

	VacuumVersionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinypg",
			Subsystem: "vacuum",
			Name:      "versions_total",
			Help:      "Counter of versions handled by vacuum, by action.",
		}, []string{"action"})

	XidAgeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinypg",
			Subsystem: "xid",
			Name:      "age",
			Help:      "Number of xids allocated since the oldest unfrozen xid.",
		})

	ReplicationLagGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinypg",
			Subsystem: "replication",
			Name:      "lag_bytes",
			Help:      "Log bytes flushed locally but not confirmed by the slot.",
		}, []string{"slot"})

	SyncWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinypg",
			Subsystem: "replication",
			Name:      "sync_wait_duration_seconds",
			Help:      "Bucketed histogram of commit waits for synchronous slots.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(WALAppendCounter)
	prometheus.MustRegister(WALBytesCounter)
	prometheus.MustRegister(WALFlushDuration)
	prometheus.MustRegister(WALFlushBatchBytes)
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(TxnConflictCounter)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(CheckpointCounter)
	prometheus.MustRegister(CheckpointDuration)
	prometheus.MustRegister(CheckpointChainsWritten)
	prometheus.MustRegister(VacuumVersionsCounter)
	prometheus.MustRegister(XidAgeGauge)
	prometheus.MustRegister(ReplicationLagGauge)
	prometheus.MustRegister(SyncWaitDuration)
}
