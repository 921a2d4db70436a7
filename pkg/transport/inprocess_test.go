package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/raft"
	"github.com/cuemby/l2seq/pkg/replog"
	"github.com/cuemby/l2seq/pkg/types"
)

type countingFSM struct {
	mu      sync.Mutex
	applied int
}

func (f *countingFSM) Apply(types.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	return nil
}
func (f *countingFSM) Snapshot() (types.Snapshot, error) { return types.Snapshot{}, nil }
func (f *countingFSM) Restore(types.Snapshot) error      { return nil }
func (f *countingFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func newInProcessCluster(t *testing.T, n int) ([]*raft.RaftCore, []*countingFSM) {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}

	tr := NewInProcess()
	cores := make([]*raft.RaftCore, n)
	fsms := make([]*countingFSM, n)

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

		l, err := replog.Open(t.TempDir() + "/log.db")
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })

		fsm := &countingFSM{}
		core := raft.New(cfg, l, fsm, tr, nil)
		tr.Register(id, core)
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
	return cores, fsms
}

func TestInProcessTransportElectsLeaderAndReplicates(t *testing.T) {
	cores, fsms := newInProcessCluster(t, 3)

	var leader *raft.RaftCore
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && leader == nil {
		for _, c := range cores {
			if c.Status().Role == types.RoleLeader {
				leader = c
				break
			}
		}
		if leader == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.NotNil(t, leader, "no leader elected")

	_, _, err := leader.Propose(context.Background(), &types.Batch{BatchID: 1})
	require.NoError(t, err)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for _, fsm := range fsms {
			if fsm.count() < 1 {
				all = false
			}
		}
		if all {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("batch not applied on every replica within deadline")
}
