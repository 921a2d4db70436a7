package raft

import (
	"context"

	"github.com/cuemby/l2seq/pkg/types"
)

// broadcastAppendEntries sends the leader's current view of the log to
// every peer, one goroutine per peer so a single slow follower cannot
// delay the others; results come back on appendResultCh.
func (r *RaftCore) broadcastAppendEntries() {
	term := r.currentTerm
	leaderCommit := r.commitIndex

	for _, peer := range r.peers {
		peer := peer
		progress := r.peerProgress[peer]
		nextIndex := progress.NextIndex

		prevLogIndex := uint64(0)
		prevLogTerm := uint64(0)
		if nextIndex > 1 {
			prevLogIndex = nextIndex - 1
			if entry, ok, _ := r.replicationLog.Get(prevLogIndex); ok {
				prevLogTerm = entry.Term
			} else if r.snapshot != nil && prevLogIndex == r.snapshot.LastIncludedIndex {
				prevLogTerm = r.snapshot.LastIncludedTerm
			}
		}

		entries, err := r.replicationLog.GetEntriesAfter(prevLogIndex)
		if err != nil {
			continue
		}

		req := AppendEntriesRequest{
			Term:         term,
			LeaderID:     r.id,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: leaderCommit,
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RPCMaxBackoff)
			defer cancel()
			resp, err := r.transport.SendAppendEntries(ctx, peer, req)
			result := appendResult{peer: peer, sentNewNext: nextIndex, sentEntries: len(entries), resp: resp, err: err}
			select {
			case r.appendResultCh <- result:
			default:
			}
		}()
	}
}

func (r *RaftCore) handleAppendResult(ar appendResult) {
	if ar.err != nil {
		return // peer unreachable this round; retried on the next heartbeat
	}
	if ar.resp.Term > r.currentTerm {
		r.becomeFollower(ar.resp.Term, "")
		return
	}
	if r.role != types.RoleLeader {
		return
	}
	progress, ok := r.peerProgress[ar.peer]
	if !ok {
		return
	}

	if ar.resp.Success {
		progress.MatchIndex = ar.sentNewNext - 1 + uint64(ar.sentEntries)
		progress.NextIndex = progress.MatchIndex + 1
		r.advanceCommitIndex()
		return
	}

	// Back up nextIndex using the follower's conflict hint, falling back
	// to a single-step decrement when the follower reports none.
	if ar.resp.ConflictIndex > 0 {
		progress.NextIndex = ar.resp.ConflictIndex
	} else if progress.NextIndex > 1 {
		progress.NextIndex--
	}
}

// advanceCommitIndex applies the Raft commit rule: commitIndex may move
// forward to any index replicated on a majority of nodes whose entry was
// written in the leader's current term (committing an earlier term's
// entry directly would violate leader completeness).
func (r *RaftCore) advanceCommitIndex() {
	matches := sortedMatchIndexes(r.peerProgress, r.lastLogIndexSelf())
	medianIdx := len(matches) - majority(len(matches))
	candidate := matches[medianIdx]
	if candidate <= r.commitIndex {
		return
	}
	entry, ok, err := r.replicationLog.Get(candidate)
	if err != nil || !ok || entry.Term != r.currentTerm {
		return
	}
	r.commitIndex = candidate
	r.applyCommitted()
	r.publish()
}

func (r *RaftCore) lastLogIndexSelf() uint64 {
	idx, _ := r.lastLogIndexAndTerm()
	return idx
}

// applyCommitted drives the fsm forward from lastApplied up to
// commitIndex, in order — the determinism invariant depends on every
// replica applying entries in exactly this order.
func (r *RaftCore) applyCommitted() {
	for r.lastApplied < r.commitIndex {
		next := r.lastApplied + 1
		entry, ok, err := r.replicationLog.Get(next)
		if err != nil || !ok {
			return
		}
		if err := r.fsm.Apply(entry); err != nil {
			r.logger.Warn().Uint64("index", next).Err(err).Msg("state machine apply failed")
			return
		}
		// fsm.Apply stamps entry.Batch.RootAfter/Receipts in place;
		// persist the enriched entry back so getBatch/getProof can read
		// them later without replaying the apply path, and so a
		// snapshot-installed follower that never ran Apply itself still
		// serves byte-identical batch records once it re-derives them.
		if err := r.replicationLog.Append(entry); err != nil {
			r.logger.Warn().Uint64("index", next).Err(err).Msg("failed to persist applied receipts")
		}
		r.lastApplied = next
	}
	r.maybeSnapshot()
}

func (r *RaftCore) maybeSnapshot() {
	if r.cfg.SnapshotThreshold == 0 {
		return
	}
	baseline := uint64(0)
	if r.snapshot != nil {
		baseline = r.snapshot.LastIncludedIndex
	}
	if r.lastApplied-baseline < r.cfg.SnapshotThreshold {
		return
	}
	// The state machine stamps LastIncludedIndex/Term itself from the
	// applied index it has tracked all along (StateReplication.Snapshot);
	// RaftCore only decides when to trigger one and truncates its log
	// once the snapshot is in hand.
	snap, err := r.fsm.Snapshot()
	if err != nil {
		r.logger.Warn().Err(err).Msg("snapshot failed")
		return
	}
	r.snapshot = &snap
	_ = r.replicationLog.TruncatePrefix(snap.LastIncludedIndex)
}

// handlePropose appends a new entry for batch at the next log index, only
// valid while this node is leader.
func (r *RaftCore) handlePropose(batch *types.Batch) proposeResult {
	if r.role != types.RoleLeader {
		return proposeResult{err: types.ErrNotLeader}
	}
	if batch == nil || len(batch.Txs) == 0 {
		return proposeResult{err: types.ErrMalformedPayload}
	}
	lastIndex, _ := r.lastLogIndexAndTerm()
	index := lastIndex + 1
	entry := types.LogEntry{Term: r.currentTerm, Index: index, Batch: batch}
	if err := r.replicationLog.Append(entry); err != nil {
		return proposeResult{err: err}
	}
	batch.Term = r.currentTerm
	batch.Index = index

	if len(r.peers) == 0 {
		r.advanceCommitIndex()
	} else {
		r.broadcastAppendEntries()
	}
	return proposeResult{index: index, term: r.currentTerm}
}

// handleAppendEntries implements the follower side of log replication,
// including the log-matching consistency check and conflict-index hint.
func (r *RaftCore) handleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	if req.Term < r.currentTerm {
		return AppendEntriesResponse{Term: r.currentTerm, Success: false}
	}
	r.becomeFollower(req.Term, req.LeaderID)

	if req.PrevLogIndex > 0 {
		entry, ok, err := r.replicationLog.Get(req.PrevLogIndex)
		matchesSnapshot := r.snapshot != nil && req.PrevLogIndex == r.snapshot.LastIncludedIndex && req.PrevLogTerm == r.snapshot.LastIncludedTerm
		if err != nil {
			return AppendEntriesResponse{Term: r.currentTerm, Success: false}
		}
		if !ok && !matchesSnapshot {
			last, _ := r.lastLogIndexAndTerm()
			return AppendEntriesResponse{Term: r.currentTerm, Success: false, ConflictIndex: last + 1}
		}
		if ok && entry.Term != req.PrevLogTerm {
			conflictTerm := entry.Term
			firstOfTerm := req.PrevLogIndex
			for firstOfTerm > 1 {
				prev, ok, _ := r.replicationLog.Get(firstOfTerm - 1)
				if !ok || prev.Term != conflictTerm {
					break
				}
				firstOfTerm--
			}
			return AppendEntriesResponse{Term: r.currentTerm, Success: false, ConflictIndex: firstOfTerm, ConflictTerm: conflictTerm}
		}
	}

	for _, entry := range req.Entries {
		existing, ok, _ := r.replicationLog.Get(entry.Index)
		if ok && existing.Term != entry.Term {
			if err := r.replicationLog.TruncateSuffix(entry.Index); err != nil {
				return AppendEntriesResponse{Term: r.currentTerm, Success: false}
			}
			ok = false
		}
		if !ok {
			if err := r.replicationLog.Append(entry); err != nil {
				return AppendEntriesResponse{Term: r.currentTerm, Success: false}
			}
		}
	}

	if req.LeaderCommit > r.commitIndex {
		lastNew, _ := r.lastLogIndexAndTerm()
		if req.LeaderCommit < lastNew {
			r.commitIndex = req.LeaderCommit
		} else {
			r.commitIndex = lastNew
		}
		r.applyCommitted()
	}
	r.publish()
	return AppendEntriesResponse{Term: r.currentTerm, Success: true}
}

// handleInstallSnapshot replaces this node's state wholesale with a
// leader-provided snapshot, used when a follower has fallen far enough
// behind that replaying the log would mean re-sending already-truncated
// entries.
func (r *RaftCore) handleInstallSnapshot(req InstallSnapshotRequest) InstallSnapshotResponse {
	if req.Term < r.currentTerm {
		return InstallSnapshotResponse{Term: r.currentTerm}
	}
	r.becomeFollower(req.Term, req.LeaderID)

	if err := r.fsm.Restore(req.Snapshot); err != nil {
		r.logger.Warn().Err(err).Msg("snapshot restore failed")
		return InstallSnapshotResponse{Term: r.currentTerm}
	}
	r.snapshot = &req.Snapshot
	r.commitIndex = req.LastIncludedIndex
	r.lastApplied = req.LastIncludedIndex
	_ = r.replicationLog.TruncatePrefix(req.LastIncludedIndex)
	r.publish()
	return InstallSnapshotResponse{Term: r.currentTerm}
}
