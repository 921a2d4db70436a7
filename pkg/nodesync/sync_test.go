package nodesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/raft"
	"github.com/cuemby/l2seq/pkg/types"
)

type fakeRaftView struct {
	status types.NodeStatus
	match  map[string]uint64
}

func (f *fakeRaftView) GetStatus() types.NodeStatus { return f.status }

func (f *fakeRaftView) PeerMatchIndex(peer string) (uint64, bool) {
	idx, ok := f.match[peer]
	return idx, ok
}

type fakeLogSource struct {
	first   uint64
	entries []types.LogEntry
}

func (f *fakeLogSource) FirstIndex() (uint64, error) { return f.first, nil }
func (f *fakeLogSource) LastIndex() (uint64, error) {
	if len(f.entries) == 0 {
		return 0, nil
	}
	return f.entries[len(f.entries)-1].Index, nil
}
func (f *fakeLogSource) GetEntriesAfter(after uint64) ([]types.LogEntry, error) {
	var out []types.LogEntry
	for _, e := range f.entries {
		if e.Index > after {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSnapshotSource struct {
	snap types.Snapshot
}

func (f *fakeSnapshotSource) Snapshot() (types.Snapshot, error) { return f.snap, nil }

type fakeTransport struct {
	installed []raft.InstallSnapshotRequest
	appended  []raft.AppendEntriesRequest
}

func (f *fakeTransport) SendInstallSnapshot(ctx context.Context, peer string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	f.installed = append(f.installed, req)
	return raft.InstallSnapshotResponse{Term: req.Term}, nil
}

func (f *fakeTransport) SendAppendEntries(ctx context.Context, peer string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	f.appended = append(f.appended, req)
	return raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func TestCatchUpPushesSnapshotThenTail(t *testing.T) {
	rv := &fakeRaftView{
		status: types.NodeStatus{NodeID: "leader", Role: types.RoleLeader, Term: 3, CommitIndex: 5, Peers: []string{"follower"}},
		match:  map[string]uint64{"follower": 0},
	}
	logSrc := &fakeLogSource{
		first: 3,
		entries: []types.LogEntry{
			{Term: 3, Index: 3, Batch: &types.Batch{BatchID: 3}},
			{Term: 3, Index: 4, Batch: &types.Batch{BatchID: 4}},
			{Term: 3, Index: 5, Batch: &types.Batch{BatchID: 5}},
		},
	}
	snapSrc := &fakeSnapshotSource{snap: types.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 3}}
	transport := &fakeTransport{}

	s := New(config.Default(), rv, logSrc, snapSrc, transport, nil)
	err := s.CatchUp(context.Background(), "follower")
	require.NoError(t, err)

	require.Len(t, transport.installed, 1)
	require.EqualValues(t, 2, transport.installed[0].LastIncludedIndex)
	require.Len(t, transport.appended, 1)
	require.Len(t, transport.appended[0].Entries, 3)
}

func TestCatchUpSkipsWhenNotLeader(t *testing.T) {
	rv := &fakeRaftView{status: types.NodeStatus{Role: types.RoleFollower}}
	s := New(config.Default(), rv, &fakeLogSource{}, &fakeSnapshotSource{}, &fakeTransport{}, nil)
	err := s.CatchUp(context.Background(), "follower")
	require.ErrorIs(t, err, types.ErrNotLeader)
}

func TestCatchUpAbortsOnStaleTermResponse(t *testing.T) {
	rv := &fakeRaftView{
		status: types.NodeStatus{Role: types.RoleLeader, Term: 3, CommitIndex: 5, Peers: []string{"follower"}},
		match:  map[string]uint64{"follower": 0},
	}
	logSrc := &fakeLogSource{first: 3}
	snapSrc := &fakeSnapshotSource{snap: types.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 3}}
	transport := &staleTermTransport{}

	s := New(config.Default(), rv, logSrc, snapSrc, transport, nil)
	err := s.CatchUp(context.Background(), "follower")
	require.ErrorIs(t, err, types.ErrTermChanged)
}

type staleTermTransport struct{}

func (staleTermTransport) SendInstallSnapshot(ctx context.Context, peer string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return raft.InstallSnapshotResponse{Term: req.Term + 1}, nil
}

func (staleTermTransport) SendAppendEntries(ctx context.Context, peer string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func TestScanOnceDispatchesOnlyLaggingPeers(t *testing.T) {
	rv := &fakeRaftView{
		status: types.NodeStatus{Role: types.RoleLeader, Term: 1, CommitIndex: 10, Peers: []string{"caught-up", "behind"}},
		match:  map[string]uint64{"caught-up": 9, "behind": 0},
	}
	logSrc := &fakeLogSource{first: 5}
	snapSrc := &fakeSnapshotSource{snap: types.Snapshot{LastIncludedIndex: 4, LastIncludedTerm: 1}}
	transport := &fakeTransport{}

	s := New(config.Default(), rv, logSrc, snapSrc, transport, nil)
	s.scanOnce(context.Background())
	time.Sleep(20 * time.Millisecond)

	require.Len(t, transport.installed, 1)
}
