package nodesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/events"
	"github.com/cuemby/l2seq/pkg/log"
	"github.com/cuemby/l2seq/pkg/raft"
	"github.com/cuemby/l2seq/pkg/types"
)

// maxTailChunk bounds how many log entries are streamed to a catching-up
// follower in one AppendEntries RPC, independent of maxFrameSize so a
// slow follower's in-flight RPC stays small enough to retry cheaply.
const maxTailChunk = 256

// RaftView is the slice of RaftCore nodesync needs: its own status and a
// peer's last known replication progress. Satisfied by *raft.RaftCore.
type RaftView interface {
	GetStatus() types.NodeStatus
	PeerMatchIndex(peer string) (uint64, bool)
}

// SnapshotSource produces a fresh point-in-time snapshot of applied
// state. Satisfied by *stateapply.StateReplication.Snapshot.
type SnapshotSource interface {
	Snapshot() (types.Snapshot, error)
}

// LogSource is read access to the replicated log's retained range.
// Satisfied by *replog.ReplicationLog.
type LogSource interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	GetEntriesAfter(after uint64) ([]types.LogEntry, error)
}

// Transport is the subset of raft.Transport nodesync drives directly,
// outside RaftCore's own control loop, to push a peer current in one
// burst rather than waiting for ordinary heartbeats to converge it.
type Transport interface {
	SendInstallSnapshot(ctx context.Context, peer string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error)
	SendAppendEntries(ctx context.Context, peer string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
}

// Progress reports one peer's catch-up state, for callers that want to
// surface it (metrics, admin API) beyond the log lines Syncer emits.
type Progress struct {
	Peer   string
	Stage  string // "snapshot", "tail", "done"
	Sent   uint64
	Target uint64
}

// Syncer brings lagging followers current. It is leader-only:
// a follower never drives its own catch-up, since InstallSnapshot/
// AppendEntries are always leader-initiated pushes.
type Syncer struct {
	cfg       config.Config
	raft      RaftView
	logSrc    LogSource
	snapSrc   SnapshotSource
	transport Transport
	bus       *events.Broker
	logger    zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Syncer. raft, logSrc, and snapSrc are narrow capability
// views so tests can supply fakes without standing up a real cluster.
func New(cfg config.Config, raftView RaftView, logSrc LogSource, snapSrc SnapshotSource, transport Transport, bus *events.Broker) *Syncer {
	return &Syncer{
		cfg:       cfg,
		raft:      raftView,
		logSrc:    logSrc,
		snapSrc:   snapSrc,
		transport: transport,
		bus:       bus,
		logger:    log.WithComponent("nodesync"),
		inFlight:  make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background scan loop, which looks for peers that
// have fallen far enough behind to need a snapshot push and catches them
// up one at a time per peer.
func (s *Syncer) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.scanLoop(ctx)
}

// Stop halts the scan loop. In-flight catch-ups are not interrupted.
func (s *Syncer) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Syncer) scanLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval * 10
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Syncer) scanOnce(ctx context.Context) {
	status := s.raft.GetStatus()
	if status.Role != types.RoleLeader {
		return
	}
	first, err := s.logSrc.FirstIndex()
	if err != nil {
		return
	}
	for _, peer := range status.Peers {
		match, ok := s.raft.PeerMatchIndex(peer)
		if !ok {
			continue
		}
		// Only peers the ordinary heartbeat loop cannot reconverge on its
		// own — the entries they'd need have already been truncated —
		// get the expensive snapshot-push treatment.
		if first > 0 && match < first {
			go s.CatchUp(ctx, peer)
		}
	}
}

func (s *Syncer) claim(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[peer] {
		return false
	}
	s.inFlight[peer] = true
	return true
}

func (s *Syncer) release(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, peer)
}

// CatchUp brings peer current: pushes a fresh snapshot, then streams the
// log tail until peer has everything through the leader's commit index at
// the time CatchUp started. A rejected snapshot or tail chunk (stale term,
// peer unreachable) aborts the attempt; the next scanOnce retries with a
// fresh snapshot rather than resuming a stale one.
func (s *Syncer) CatchUp(ctx context.Context, peer string) error {
	if !s.claim(peer) {
		return nil
	}
	defer s.release(peer)

	status := s.raft.GetStatus()
	if status.Role != types.RoleLeader {
		return types.ErrNotLeader
	}
	target := status.CommitIndex

	snapIndex, snapTerm, err := s.pushSnapshot(ctx, peer, status.Term)
	if err != nil {
		s.logger.Warn().Str("peer", peer).Err(err).Msg("snapshot push failed")
		return err
	}
	s.report(peer, "snapshot", snapIndex, target)

	if err := s.streamTail(ctx, peer, status.Term, snapIndex, snapTerm, target); err != nil {
		s.logger.Warn().Str("peer", peer).Err(err).Msg("log tail stream failed")
		return err
	}

	s.report(peer, "done", target, target)
	if s.bus != nil {
		s.bus.Publish(&events.Event{
			Type:    events.EventNodeCaughtUp,
			Message: peer,
			Metadata: map[string]string{"upToIndex": fmt.Sprintf("%d", target)},
		})
	}
	return nil
}

func (s *Syncer) pushSnapshot(ctx context.Context, peer string, term uint64) (index, snapTerm uint64, err error) {
	snap, err := s.snapSrc.Snapshot()
	if err != nil {
		return 0, 0, err
	}
	req := raft.InstallSnapshotRequest{
		Term:              term,
		LeaderID:          s.raft.GetStatus().NodeID,
		LastIncludedIndex: snap.LastIncludedIndex,
		LastIncludedTerm:  snap.LastIncludedTerm,
		Snapshot:          snap,
	}
	resp, err := s.transport.SendInstallSnapshot(ctx, peer, req)
	if err != nil {
		return 0, 0, err
	}
	if resp.Term > term {
		return 0, 0, types.ErrTermChanged
	}
	return snap.LastIncludedIndex, snap.LastIncludedTerm, nil
}

func (s *Syncer) streamTail(ctx context.Context, peer string, term uint64, prevIndex, prevTerm, target uint64) error {
	for prevIndex < target {
		entries, err := s.logSrc.GetEntriesAfter(prevIndex)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if len(entries) > maxTailChunk {
			entries = entries[:maxTailChunk]
		}

		req := raft.AppendEntriesRequest{
			Term:         term,
			LeaderID:     s.raft.GetStatus().NodeID,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: target,
		}
		resp, err := s.transport.SendAppendEntries(ctx, peer, req)
		if err != nil {
			return err
		}
		if resp.Term > term {
			return types.ErrTermChanged
		}
		if !resp.Success {
			return types.ErrLogConflict
		}

		last := entries[len(entries)-1]
		prevIndex = last.Index
		prevTerm = last.Term
		s.report(peer, "tail", prevIndex, target)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (s *Syncer) report(peer, stage string, sent, target uint64) {
	s.logger.Info().Str("peer", peer).Str("stage", stage).Uint64("sent", sent).Uint64("target", target).Msg("catch-up progress")
}
