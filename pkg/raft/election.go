package raft

import (
	"context"

	"github.com/cuemby/l2seq/pkg/events"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
)

// startElection transitions to candidate, votes for self, and fans out
// RequestVote RPCs; responses arrive asynchronously on voteResultCh so the
// control loop never blocks on a slow or unreachable peer.
func (r *RaftCore) startElection() {
	r.currentTerm++
	r.role = types.RoleCandidate
	r.votedFor = r.id
	r.leaderID = ""
	r.currentElectionTerm = r.currentTerm
	r.votesThisElection = 0
	r.resetElectionTimer()
	r.publish()
	metrics.RaftElectionsTotal.Inc()
	r.logger.Info().Uint64("term", r.currentTerm).Msg("starting election")

	if majority(len(r.peers)+1) <= 1 {
		r.becomeLeader()
		return
	}

	lastIndex, lastTerm := r.lastLogIndexAndTerm()
	req := RequestVoteRequest{
		Term:         r.currentTerm,
		CandidateID:  r.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	electionTerm := r.currentTerm

	for _, peer := range r.peers {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RPCMaxBackoff)
			defer cancel()
			resp, err := r.transport.SendRequestVote(ctx, peer, req)
			if err != nil {
				return
			}
			select {
			case r.voteResultCh <- voteResult{term: electionTerm, granted: resp.VoteGranted}:
			default:
			}
			if resp.Term > electionTerm {
				select {
				case r.voteResultCh <- voteResult{term: resp.Term, granted: false}:
				default:
				}
			}
		}()
	}
}

func (r *RaftCore) handleVoteResult(vr voteResult) {
	if vr.term > r.currentTerm {
		r.becomeFollower(vr.term, "")
		return
	}
	if r.role != types.RoleCandidate || vr.term != r.currentElectionTerm {
		return // stale result from a superseded election
	}
	if !vr.granted {
		return
	}
	r.votesThisElection++
	if r.votesThisElection+1 >= majority(len(r.peers)+1) {
		r.becomeLeader()
	}
}

func (r *RaftCore) becomeLeader() {
	r.role = types.RoleLeader
	r.leaderID = r.id
	lastIndex, _ := r.lastLogIndexAndTerm()
	for _, peer := range r.peers {
		r.peerProgress[peer] = &types.PeerProgress{NextIndex: lastIndex + 1, MatchIndex: 0}
	}
	r.publish()
	r.logger.Info().Uint64("term", r.currentTerm).Msg("became leader")
	if r.bus != nil {
		r.bus.Publish(&events.Event{Type: events.EventLeaderElected, Message: r.id})
	}
	r.broadcastAppendEntries()
}

// handleRequestVote implements the RequestVote RPC's safety rules: grant
// at most one vote per term, and only to a candidate whose log is at
// least as up to date as this node's.
func (r *RaftCore) handleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	if req.Term < r.currentTerm {
		return RequestVoteResponse{Term: r.currentTerm, VoteGranted: false}
	}
	if req.Term > r.currentTerm {
		r.becomeFollower(req.Term, "")
	}

	canVote := r.votedFor == "" || r.votedFor == req.CandidateID
	lastIndex, lastTerm := r.lastLogIndexAndTerm()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	if canVote && upToDate {
		r.votedFor = req.CandidateID
		r.resetElectionTimer()
		r.publish()
		return RequestVoteResponse{Term: r.currentTerm, VoteGranted: true}
	}
	return RequestVoteResponse{Term: r.currentTerm, VoteGranted: false}
}
