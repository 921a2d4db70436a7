package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/replog"
	"github.com/cuemby/l2seq/pkg/types"
)

// fakeTransport routes RPCs directly to in-process RaftCore instances,
// registered by node ID, so a cluster of three nodes can run a full
// election + replication cycle inside a single test process.
type fakeTransport struct {
	mu    sync.RWMutex
	cores map[string]*RaftCore
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{cores: make(map[string]*RaftCore)}
}

func (f *fakeTransport) register(id string, core *RaftCore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cores[id] = core
}

func (f *fakeTransport) peer(id string) (*RaftCore, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.cores[id]
	return c, ok
}

func (f *fakeTransport) SendRequestVote(ctx context.Context, peer string, req RequestVoteRequest) (RequestVoteResponse, error) {
	c, ok := f.peer(peer)
	if !ok {
		return RequestVoteResponse{}, types.ErrPeerTimeout
	}
	return c.RequestVote(ctx, req)
}

func (f *fakeTransport) SendAppendEntries(ctx context.Context, peer string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	c, ok := f.peer(peer)
	if !ok {
		return AppendEntriesResponse{}, types.ErrPeerTimeout
	}
	return c.AppendEntries(ctx, req)
}

func (f *fakeTransport) SendInstallSnapshot(ctx context.Context, peer string, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	c, ok := f.peer(peer)
	if !ok {
		return InstallSnapshotResponse{}, types.ErrPeerTimeout
	}
	return c.InstallSnapshot(ctx, req)
}

type recordingFSM struct {
	mu      sync.Mutex
	applied []uint64
}

func (f *recordingFSM) Apply(entry types.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, entry.Index)
	return nil
}

func (f *recordingFSM) Snapshot() (types.Snapshot, error) { return types.Snapshot{}, nil }
func (f *recordingFSM) Restore(types.Snapshot) error      { return nil }

func (f *recordingFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func newTestCluster(t *testing.T, n int) ([]*RaftCore, []*recordingFSM, *fakeTransport) {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}

	transport := newFakeTransport()
	cores := make([]*RaftCore, n)
	fsms := make([]*recordingFSM, n)

	for i, id := range ids {
		peers := make([]string, 0, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		cfg := config.Default()
		cfg.NodeID = id
		cfg.Peers = peers
		cfg.ElectionTimeoutMin = 30 * time.Millisecond
		cfg.ElectionTimeoutMax = 60 * time.Millisecond
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.RPCMaxBackoff = 200 * time.Millisecond

		l, err := replog.Open(t.TempDir() + "/log.db")
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })

		fsm := &recordingFSM{}
		core := New(cfg, l, fsm, transport, nil)
		transport.register(id, core)
		cores[i] = core
		fsms[i] = fsm
	}

	for _, c := range cores {
		c.Start()
	}
	t.Cleanup(func() {
		for _, c := range cores {
			c.Stop()
		}
	})
	return cores, fsms, transport
}

func waitForLeader(t *testing.T, cores []*RaftCore) *RaftCore {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range cores {
			if c.Status().Role == types.RoleLeader {
				return c
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	cores, _, _ := newTestCluster(t, 3)
	leader := waitForLeader(t, cores)

	leaders := 0
	for _, c := range cores {
		if c.Status().Role == types.RoleLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
	require.NotEmpty(t, leader.Status().NodeID)
}

func TestProposedBatchReplicatesAndApplies(t *testing.T) {
	cores, fsms, _ := newTestCluster(t, 3)
	leader := waitForLeader(t, cores)

	index, term, err := leader.Propose(context.Background(), &types.Batch{BatchID: 1, Txs: []*types.Transaction{{Sender: types.AccountID{1}, Nonce: 1}}})
	require.NoError(t, err)
	require.Greater(t, index, uint64(0))
	require.Greater(t, term, uint64(0))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for _, fsm := range fsms {
			if fsm.count() < 1 {
				allApplied = false
			}
		}
		if allApplied {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("batch was not applied on every replica within deadline")
}

func TestProposeRejectsEmptyBatch(t *testing.T) {
	cores, _, _ := newTestCluster(t, 3)
	leader := waitForLeader(t, cores)

	_, _, err := leader.Propose(context.Background(), &types.Batch{BatchID: 1})
	require.ErrorIs(t, err, types.ErrMalformedPayload)

	_, _, err = leader.Propose(context.Background(), nil)
	require.ErrorIs(t, err, types.ErrMalformedPayload)
}

func TestProposeFailsOnFollower(t *testing.T) {
	cores, _, _ := newTestCluster(t, 3)
	leader := waitForLeader(t, cores)

	for _, c := range cores {
		if c == leader {
			continue
		}
		_, _, err := c.Propose(context.Background(), &types.Batch{BatchID: 1})
		require.ErrorIs(t, err, types.ErrNotLeader)
		return
	}
}
