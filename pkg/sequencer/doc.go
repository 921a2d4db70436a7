/*
Package sequencer implements ParallelSequencer: the leader-only
admission, batch formation, conflict-aware parallel execution, and
commit pipeline. BundleProcessor lives alongside it in this package as a
dedicated scheduling type consumed by a larger node, not folded into it.

ParallelSequencer is parameterized on the narrow capability slices it
needs (LogAppender, AppliedTracker, a *events.Broker) rather than
depending on the concrete *raft.RaftCore or *stateapply.StateReplication
types, so it can be driven by a fake in tests without standing up a full
cluster.
*/
package sequencer
