/*
Package node wires every component into one running sequencer node:
StateStore, ReplicationLog, MerkleAccumulator, MultiLevelCache,
WorkerPool, RaftCore, StateReplication, ParallelSequencer, and NodeSync,
plus the peer transport and event bus that tie them together: one type
that owns every subsystem's lifecycle (Start/Stop) and exposes the
handful of cross-cutting accessors other layers (CLI, tests) need.
*/
package node
