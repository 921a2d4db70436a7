package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Raft metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftLastApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_raft_last_applied",
			Help: "Highest log index applied to the state machine",
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seq_raft_elections_total",
			Help: "Total number of elections started by this node",
		},
	)

	RaftAppendEntriesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seq_raft_append_entries_duration_seconds",
			Help:    "Time taken to replicate AppendEntries to a quorum",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sequencer / admission metrics
	AdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seq_admitted_total",
			Help: "Total number of transactions admitted by priority",
		},
		[]string{"priority"},
	)

	AdmissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seq_admission_rejected_total",
			Help: "Total number of transactions rejected at admission, by reason",
		},
		[]string{"reason"},
	)

	BatchesCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seq_batches_committed_total",
			Help: "Total number of batches committed",
		},
	)

	BatchesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seq_batches_failed_total",
			Help: "Total number of batches abandoned after commitTimeout",
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seq_batch_size_transactions",
			Help:    "Number of transactions per committed batch",
			Buckets: []float64{1, 4, 16, 64, 128, 256, 512, 1024},
		},
	)

	BatchCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seq_batch_commit_duration_seconds",
			Help:    "Time from batch formation to quorum commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_pending_queue_depth",
			Help: "Number of admitted transactions waiting to be batched",
		},
	)

	// Merkle accumulator metrics
	AccumulatorLeafCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_accumulator_leaves_total",
			Help: "Total number of committed leaves in the Merkle accumulator",
		},
	)

	AccumulatorAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seq_accumulator_append_duration_seconds",
			Help:    "Time taken to append a batch of leaves",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seq_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seq_cache_misses_total",
			Help: "Total cache misses that fell through to the loader",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seq_cache_evictions_total",
			Help: "Total cache evictions by tier",
		},
		[]string{"tier"},
	)

	// WorkerPool metrics
	WorkerPoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_workerpool_queue_depth",
			Help: "Number of tasks queued for execution",
		},
	)

	WorkerPoolActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seq_workerpool_active_workers",
			Help: "Number of currently running worker goroutines",
		},
	)

	WorkerPoolRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seq_workerpool_rejected_total",
			Help: "Total task submissions rejected with Overloaded",
		},
	)

	// StateStore metrics
	StoreShardUnavailableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seq_store_shard_unavailable_total",
			Help: "Total ShardUnavailable errors observed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftCommitIndex,
		RaftLastApplied,
		RaftElectionsTotal,
		RaftAppendEntriesDuration,
		AdmittedTotal,
		AdmissionRejectedTotal,
		BatchesCommittedTotal,
		BatchesFailedTotal,
		BatchSize,
		BatchCommitDuration,
		PendingQueueDepth,
		AccumulatorLeafCount,
		AccumulatorAppendDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		WorkerPoolQueueDepth,
		WorkerPoolActiveWorkers,
		WorkerPoolRejectedTotal,
		StoreShardUnavailableTotal,
	)
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
