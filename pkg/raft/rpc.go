package raft

import (
	"context"

	"github.com/cuemby/l2seq/pkg/types"
)

// RequestVoteRequest is sent by a candidate to solicit a peer's vote.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest is both the heartbeat and the log-replication RPC.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []types.LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// ConflictIndex/ConflictTerm let the leader back up nextIndex in one
	// round trip instead of one entry at a time, per the standard Raft
	// log-matching optimization.
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotRequest transfers a full state snapshot to a follower
// that has fallen too far behind for log replication to catch it up.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Snapshot          types.Snapshot
}

type InstallSnapshotResponse struct {
	Term uint64
}

// Transport is RaftCore's view of the network: sending an RPC to a named
// peer and getting back its response or an error (timeout, unreachable).
// A concrete transport.Transport-backed implementation maps these calls
// onto the wire protocol; tests can use an in-process stub instead.
type Transport interface {
	SendRequestVote(ctx context.Context, peer string, req RequestVoteRequest) (RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, peer string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, peer string, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}

// StateMachine is the Apply/Snapshot/Restore triad RaftCore drives once
// entries commit. Apply must be deterministic: the same entry applied on
// every replica must produce the same resulting state.
type StateMachine interface {
	Apply(entry types.LogEntry) error
	Snapshot() (types.Snapshot, error)
	Restore(snap types.Snapshot) error
}
