package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
)

func openTestStore(t *testing.T) *StateStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, 4, config.ShardingConsistentHash, config.ConsistencyOne, config.ConsistencyAll)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("alice", []byte("100")))

	v, ok, err := s.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))

	_, ok, err = s.Get("bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMultiShardTxnAtomicAcrossShards(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("alice", []byte("100")))
	require.NoError(t, s.Put("bob", []byte("0")))

	err := s.MultiShardTxn([]string{"alice", "bob"}, func(tx *MultiTxn) error {
		require.NoError(t, tx.Execute("alice", []byte("90")))
		require.NoError(t, tx.Execute("bob", []byte("10")))
		return nil
	})
	require.NoError(t, err)

	a, _, _ := s.Get("alice")
	b, _, _ := s.Get("bob")
	require.Equal(t, "90", string(a))
	require.Equal(t, "10", string(b))
}

func TestMultiShardTxnAbortsOnCallbackError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("alice", []byte("100")))
	require.NoError(t, s.Put("bob", []byte("0")))

	err := s.MultiShardTxn([]string{"alice", "bob"}, func(tx *MultiTxn) error {
		require.NoError(t, tx.Execute("alice", []byte("90")))
		return assertErr
	})
	require.ErrorIs(t, err, assertErr)

	// Neither write should be visible: the whole transaction aborted.
	a, _, _ := s.Get("alice")
	require.Equal(t, "100", string(a))
}

var assertErr = &testAbortError{}

type testAbortError struct{}

func (e *testAbortError) Error() string { return "simulated callback failure" }

func TestConsistentHashRebalanceMovesOnlySomeVnodes(t *testing.T) {
	p := NewConsistentHashPolicy(4, 128)
	plan := p.Rebalance(4, 8)
	require.False(t, plan.FullRehash)
	require.Greater(t, plan.MovedVnodes, 0)
	require.Less(t, plan.MovedVnodes, 4*128+8*128)
}
