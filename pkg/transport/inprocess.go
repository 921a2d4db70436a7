package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/l2seq/pkg/raft"
)

// InProcess is a raft.Transport that dispatches directly to sibling
// RaftCore instances registered in the same process, skipping
// serialization entirely. It is used for deterministic tests and for
// single-process multi-node demos.
type InProcess struct {
	mu    sync.RWMutex
	cores map[string]*raft.RaftCore
}

// NewInProcess creates an empty in-process transport. Register peers with
// Register before starting any attached RaftCore.
func NewInProcess() *InProcess {
	return &InProcess{cores: make(map[string]*raft.RaftCore)}
}

// Register attaches a RaftCore under the given peer id so other
// registered cores can address it.
func (t *InProcess) Register(id string, core *raft.RaftCore) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cores[id] = core
}

func (t *InProcess) lookup(peer string) (*raft.RaftCore, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	core, ok := t.cores[peer]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %q", peer)
	}
	return core, nil
}

func (t *InProcess) SendRequestVote(ctx context.Context, peer string, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	core, err := t.lookup(peer)
	if err != nil {
		return raft.RequestVoteResponse{}, err
	}
	return core.RequestVote(ctx, req)
}

func (t *InProcess) SendAppendEntries(ctx context.Context, peer string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	core, err := t.lookup(peer)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	return core.AppendEntries(ctx, req)
}

func (t *InProcess) SendInstallSnapshot(ctx context.Context, peer string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	core, err := t.lookup(peer)
	if err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	return core.InstallSnapshot(ctx, req)
}
