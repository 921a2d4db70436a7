package node

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "solo"
	cfg.DataDir = t.TempDir()
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond
	return cfg
}

// waitForLeader polls a single-node cluster until its own election timer
// fires and it promotes itself (majority of one node is itself).
func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.Raft.GetStatus().Role == types.RoleLeader
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNodeStartStopLifecycle(t *testing.T) {
	n, err := New(testConfig(t), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	waitForLeader(t, n)
	require.NoError(t, n.Stop())
}

func TestNodeSubmitTransactionCommitsInSingleNodeCluster(t *testing.T) {
	n, err := New(testConfig(t), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	defer n.Stop()
	waitForLeader(t, n)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var sender types.AccountID
	copy(sender[:], pub)

	tx := &types.Transaction{
		Sender:      sender,
		Nonce:       1,
		Priority:    types.PriorityHigh,
		SubmittedAt: time.Now().UnixNano(),
		Payload:     []byte("hello"),
	}
	fp := tx.Fingerprint()
	var id types.TxID
	copy(id[:], fp[:])
	tx.ID = id
	digest := tx.SigningDigest()
	tx.Signature = ed25519.Sign(priv, digest[:])

	api := n.API()
	res, err := api.SubmitTransaction(tx)
	require.NoError(t, err)
	require.Equal(t, tx.ID, res.ID)

	require.Eventually(t, func() bool {
		st, err := api.GetTransactionStatus(tx.ID)
		return err == nil && st.State == "committed"
	}, 2*time.Second, 10*time.Millisecond)
}
