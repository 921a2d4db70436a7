package stateapply

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/accumulator"
	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/store"
	"github.com/cuemby/l2seq/pkg/types"
)

func newTestReplication(t *testing.T) (*StateReplication, *store.StateStore, *accumulator.MerkleAccumulator) {
	t.Helper()
	st, err := store.Open(t.TempDir(), 2, config.ShardingConsistentHash, config.ConsistencyOne, config.ConsistencyAll)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	acc := accumulator.New(nil, nil)
	return New(st, acc, nil, nil), st, acc
}

func makeBatch(sender, recipient byte) *types.Batch {
	var s, r types.AccountID
	s[0], r[0] = sender, recipient
	return &types.Batch{
		BatchID: 1,
		Txs: []*types.Transaction{
			{ID: types.TxID{1}, Sender: s, Recipient: r, Payload: []byte("hello")},
		},
	}
}

func TestApplyWritesStateAndAccumulatesLeaf(t *testing.T) {
	repl, st, acc := newTestReplication(t)
	batch := makeBatch(1, 2)

	err := repl.Apply(types.LogEntry{Term: 1, Index: 1, Batch: batch})
	require.NoError(t, err)
	require.EqualValues(t, 1, repl.LastApplied())
	require.Equal(t, 1, acc.LeafCount())
	require.Len(t, batch.Receipts, 1)
	require.Equal(t, types.StatusIncluded, batch.Receipts[0].Status)

	v, ok, err := st.Get("acct:0100000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(v))
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	repl, _, _ := newTestReplication(t)
	require.NoError(t, repl.Apply(types.LogEntry{Term: 1, Index: 1, Batch: makeBatch(1, 2)}))
	require.NoError(t, repl.Apply(types.LogEntry{Term: 1, Index: 2, Batch: makeBatch(3, 4)}))

	snap, err := repl.Snapshot()
	require.NoError(t, err)
	snap.LastIncludedIndex = 2
	snap.LastIncludedTerm = 1

	other, _, otherAcc := newTestReplication(t)
	require.NoError(t, other.Restore(snap))
	require.EqualValues(t, 2, other.LastApplied())
	require.Equal(t, 2, otherAcc.LeafCount())
}
