package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/raft"
	"github.com/cuemby/l2seq/pkg/replog"
	"github.com/cuemby/l2seq/pkg/types"
)

type noopFSM struct{}

func (noopFSM) Apply(types.LogEntry) error       { return nil }
func (noopFSM) Snapshot() (types.Snapshot, error) { return types.Snapshot{}, nil }
func (noopFSM) Restore(types.Snapshot) error      { return nil }

func TestTCPTransportRoundTripsRequestVote(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "A"

	l, err := replog.Open(t.TempDir() + "/log.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	server := NewTCP("127.0.0.1:0", 1<<20)
	core := raft.New(cfg, l, noopFSM{}, server, nil)
	server.AttachCore(core)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe(ctx) }()

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := server.Addr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, addr, "server never started listening")

	core.Start()
	defer core.Stop()
	defer server.Close()

	client := NewTCP("", 1<<20)
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	resp, err := client.SendRequestVote(reqCtx, addr, raft.RequestVoteRequest{
		Term:        1,
		CandidateID: "B",
	})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
}
