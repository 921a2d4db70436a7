// Package stateapply implements StateReplication: applying
// committed Raft log entries to the StateStore and MerkleAccumulator in
// the same deterministic order on every replica, and producing/consuming
// the snapshots NodeSync streams to lagging followers.
package stateapply
