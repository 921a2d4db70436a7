package raft

import (
	"context"

	"github.com/cuemby/l2seq/pkg/types"
)

// Propose submits batch to be replicated, stamping batch.Term/batch.Index
// on success. It returns once the entry is durably appended to the
// leader's own log (not once committed); callers needing commit
// confirmation should poll GetStatus/CommitIndex or subscribe to
// events.EventBatchCommitted.
func (r *RaftCore) Propose(ctx context.Context, batch *types.Batch) (uint64, uint64, error) {
	reply := make(chan proposeResult, 1)
	select {
	case r.proposeCh <- proposeCall{batch: batch, reply: reply}:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-r.stopCh:
		return 0, 0, ctx.Err()
	}
	select {
	case result := <-reply:
		return result.index, result.term, result.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// RequestVote is the externally callable entry point a Transport
// implementation invokes when this node receives a RequestVote RPC.
func (r *RaftCore) RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	reply := make(chan RequestVoteResponse, 1)
	select {
	case r.requestVoteCh <- requestVoteCall{req: req, reply: reply}:
	case <-ctx.Done():
		return RequestVoteResponse{}, ctx.Err()
	case <-r.stopCh:
		return RequestVoteResponse{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return RequestVoteResponse{}, ctx.Err()
	}
}

// AppendEntries is the externally callable entry point for the
// AppendEntries RPC.
func (r *RaftCore) AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	reply := make(chan AppendEntriesResponse, 1)
	select {
	case r.appendEntriesCh <- appendEntriesCall{req: req, reply: reply}:
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	case <-r.stopCh:
		return AppendEntriesResponse{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	}
}

// InstallSnapshot is the externally callable entry point for the
// InstallSnapshot RPC.
func (r *RaftCore) InstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	reply := make(chan InstallSnapshotResponse, 1)
	select {
	case r.installSnapshotCh <- installSnapshotCall{req: req, reply: reply}:
	case <-ctx.Done():
		return InstallSnapshotResponse{}, ctx.Err()
	case <-r.stopCh:
		return InstallSnapshotResponse{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return InstallSnapshotResponse{}, ctx.Err()
	}
}
