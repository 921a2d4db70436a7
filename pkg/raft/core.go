package raft

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/events"
	"github.com/cuemby/l2seq/pkg/log"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/replog"
	"github.com/cuemby/l2seq/pkg/types"
)

type requestVoteCall struct {
	req   RequestVoteRequest
	reply chan RequestVoteResponse
}

type appendEntriesCall struct {
	req   AppendEntriesRequest
	reply chan AppendEntriesResponse
}

type installSnapshotCall struct {
	req   InstallSnapshotRequest
	reply chan InstallSnapshotResponse
}

type proposeCall struct {
	batch *types.Batch
	reply chan proposeResult
}

type proposeResult struct {
	index uint64
	term  uint64
	err   error
}

type voteResult struct {
	term    uint64
	granted bool
}

type appendResult struct {
	peer         string
	sentNewNext  uint64 // nextIndex value this send was attempted with
	sentEntries  int
	resp         AppendEntriesResponse
	err          error
}

type peerMatchCall struct {
	peer  string
	reply chan peerMatchResult
}

type peerMatchResult struct {
	matchIndex uint64
	ok         bool
}

// RaftCore is one node's Raft state machine and control loop.
type RaftCore struct {
	id    string
	peers []string
	cfg   config.Config

	replicationLog *replog.ReplicationLog
	fsm            StateMachine
	transport      Transport
	bus            *events.Broker

	currentTerm uint64
	votedFor    string
	role        types.Role
	leaderID    string
	commitIndex uint64
	lastApplied uint64

	peerProgress map[string]*types.PeerProgress

	currentElectionTerm uint64 // guards stale vote results from a superseded election

	snapshot *types.Snapshot

	published atomic.Pointer[types.RaftStateSnapshot]

	requestVoteCh     chan requestVoteCall
	appendEntriesCh   chan appendEntriesCall
	installSnapshotCh chan installSnapshotCall
	proposeCh         chan proposeCall
	statusCh          chan chan types.NodeStatus
	peerMatchCh       chan peerMatchCall
	voteResultCh      chan voteResult
	appendResultCh    chan appendResult
	stopCh chan struct{}

	rng *rand.Rand

	electionTimer     *time.Timer
	votesThisElection int

	logger  zerolog.Logger
	startWG sync.WaitGroup
}

// New creates a RaftCore for id, with peers as the other cluster members
// (never including id itself).
func New(cfg config.Config, replicationLog *replog.ReplicationLog, fsm StateMachine, transport Transport, bus *events.Broker) *RaftCore {
	peerProgress := make(map[string]*types.PeerProgress, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerProgress[p] = &types.PeerProgress{}
	}

	r := &RaftCore{
		id:                cfg.NodeID,
		peers:             cfg.Peers,
		cfg:               cfg,
		replicationLog:    replicationLog,
		fsm:               fsm,
		transport:         transport,
		bus:               bus,
		role:              types.RoleFollower,
		peerProgress:      peerProgress,
		requestVoteCh:     make(chan requestVoteCall),
		appendEntriesCh:   make(chan appendEntriesCall),
		installSnapshotCh: make(chan installSnapshotCall),
		proposeCh:         make(chan proposeCall),
		statusCh:          make(chan chan types.NodeStatus),
		peerMatchCh:       make(chan peerMatchCall),
		voteResultCh:      make(chan voteResult, len(cfg.Peers)),
		appendResultCh:    make(chan appendResult, len(cfg.Peers)),
		stopCh:            make(chan struct{}),
		rng:               rand.New(rand.NewSource(seedFor(cfg.NodeID))),
		logger:            log.WithNodeID(cfg.NodeID),
	}

	r.publish()
	return r
}

func seedFor(nodeID string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range nodeID {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h + time.Now().UnixNano()%7919
}

// Start launches the control loop goroutine.
func (r *RaftCore) Start() {
	r.startWG.Add(1)
	go func() {
		defer r.startWG.Done()
		r.run()
	}()
}

// Stop signals the control loop to exit and waits for it to finish.
func (r *RaftCore) Stop() {
	close(r.stopCh)
	r.startWG.Wait()
}

func (r *RaftCore) run() {
	r.electionTimer = time.NewTimer(r.randomElectionTimeout())
	heartbeatTimer := time.NewTimer(r.cfg.HeartbeatInterval)
	defer r.electionTimer.Stop()
	defer heartbeatTimer.Stop()

	for {
		select {
		case <-r.stopCh:
			return

		case call := <-r.requestVoteCh:
			call.reply <- r.handleRequestVote(call.req)

		case call := <-r.appendEntriesCh:
			call.reply <- r.handleAppendEntries(call.req)

		case call := <-r.installSnapshotCh:
			call.reply <- r.handleInstallSnapshot(call.req)

		case call := <-r.proposeCh:
			call.reply <- r.handlePropose(call.batch)

		case replyCh := <-r.statusCh:
			replyCh <- r.status()

		case pm := <-r.peerMatchCh:
			progress, ok := r.peerProgress[pm.peer]
			if !ok {
				pm.reply <- peerMatchResult{}
			} else {
				pm.reply <- peerMatchResult{matchIndex: progress.MatchIndex, ok: true}
			}

		case vr := <-r.voteResultCh:
			r.handleVoteResult(vr)

		case ar := <-r.appendResultCh:
			r.handleAppendResult(ar)

		case <-r.electionTimer.C:
			r.startElection()

		case <-heartbeatTimer.C:
			if r.role == types.RoleLeader {
				r.broadcastAppendEntries()
			}
			heartbeatTimer.Reset(r.cfg.HeartbeatInterval)
		}
	}
}

func (r *RaftCore) randomElectionTimeout() time.Duration {
	min := r.cfg.ElectionTimeoutMin
	max := r.cfg.ElectionTimeoutMax
	if max <= min {
		return min
	}
	spread := max - min
	return min + time.Duration(r.rng.Int63n(int64(spread)))
}

func (r *RaftCore) resetElectionTimer() {
	t := r.electionTimer
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(r.randomElectionTimeout())
}

func (r *RaftCore) becomeFollower(term uint64, leaderID string) {
	stepDown := r.role == types.RoleLeader
	r.currentTerm = term
	r.role = types.RoleFollower
	r.votedFor = ""
	r.leaderID = leaderID
	r.resetElectionTimer()
	r.publish()
	if stepDown {
		r.logger.Warn().Uint64("term", term).Msg("stepping down as leader")
		if r.bus != nil {
			r.bus.Publish(&events.Event{Type: events.EventLeaderStepDown, Message: r.id})
		}
	}
}

// publish atomically updates the read-only snapshot other goroutines see.
func (r *RaftCore) publish() {
	snap := types.RaftStateSnapshot{
		NodeID:      r.id,
		CurrentTerm: r.currentTerm,
		VotedFor:    r.votedFor,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		Role:        r.role,
		LeaderID:    r.leaderID,
	}
	r.published.Store(&snap)
	metrics.RaftTerm.Set(float64(r.currentTerm))
	metrics.RaftCommitIndex.Set(float64(r.commitIndex))
	metrics.RaftLastApplied.Set(float64(r.lastApplied))
	if r.role == types.RoleLeader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
}

// Status returns a lock-free, eventually-consistent view of the node's
// Raft state, safe to call from any goroutine.
func (r *RaftCore) Status() types.RaftStateSnapshot {
	if s := r.published.Load(); s != nil {
		return *s
	}
	return types.RaftStateSnapshot{NodeID: r.id}
}

// GetStatus is the richer getStatus() operation, served
// through the control loop so Peers/commit/apply are read consistently.
func (r *RaftCore) GetStatus() types.NodeStatus {
	reply := make(chan types.NodeStatus, 1)
	select {
	case r.statusCh <- reply:
		return <-reply
	case <-r.stopCh:
		return types.NodeStatus{NodeID: r.id}
	}
}

// PeerMatchIndex reports the leader's current view of how far peer has
// replicated, read through the control loop like GetStatus. NodeSync uses
// this to decide whether a peer has fallen behind the log's retained
// prefix and needs a snapshot rather than an AppendEntries catch-up.
func (r *RaftCore) PeerMatchIndex(peer string) (uint64, bool) {
	reply := make(chan peerMatchResult, 1)
	select {
	case r.peerMatchCh <- peerMatchCall{peer: peer, reply: reply}:
		res := <-reply
		return res.matchIndex, res.ok
	case <-r.stopCh:
		return 0, false
	}
}

func (r *RaftCore) status() types.NodeStatus {
	return types.NodeStatus{
		NodeID:      r.id,
		Role:        r.role,
		Term:        r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		LeaderID:    r.leaderID,
		Peers:       append([]string(nil), r.peers...),
	}
}

func (r *RaftCore) lastLogIndexAndTerm() (uint64, uint64) {
	last, err := r.replicationLog.LastIndex()
	if err != nil || last == 0 {
		if r.snapshot != nil {
			return r.snapshot.LastIncludedIndex, r.snapshot.LastIncludedTerm
		}
		return 0, 0
	}
	term, _ := r.replicationLog.LastTerm()
	return last, term
}

func majority(n int) int { return n/2 + 1 }

func sortedMatchIndexes(progress map[string]*types.PeerProgress, selfMatch uint64) []uint64 {
	out := make([]uint64, 0, len(progress)+1)
	out = append(out, selfMatch)
	for _, p := range progress {
		out = append(out, p.MatchIndex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
