package accumulator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendBatchIsDeterministic(t *testing.T) {
	a := New(nil, nil)
	b := New(nil, nil)
	ctx := context.Background()

	entries := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	_, rootA, err := a.AppendBatch(ctx, entries)
	require.NoError(t, err)
	_, rootB, err := b.AppendBatch(ctx, entries)
	require.NoError(t, err)
	require.Equal(t, rootA, rootB)
}

func TestAppendChangesRoot(t *testing.T) {
	a := New(nil, nil)
	ctx := context.Background()

	_, root1, err := a.Append(ctx, []byte("a"))
	require.NoError(t, err)
	_, root2, err := a.Append(ctx, []byte("b"))
	require.NoError(t, err)
	require.NotEqual(t, root1, root2)
}

func TestGenerateAndVerifyProofEvenLeafCount(t *testing.T) {
	a := New(nil, nil)
	ctx := context.Background()
	entries := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	_, root, err := a.AppendBatch(ctx, entries)
	require.NoError(t, err)

	for i, entry := range entries {
		proof, err := a.GenerateProof(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(entry, proof, root), "leaf %d should verify", i)
	}
}

func TestGenerateAndVerifyProofOddLeafCount(t *testing.T) {
	a := New(nil, nil)
	ctx := context.Background()
	entries := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	_, root, err := a.AppendBatch(ctx, entries)
	require.NoError(t, err)

	for i, entry := range entries {
		proof, err := a.GenerateProof(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(entry, proof, root), "leaf %d should verify", i)
	}
}

func TestVerifyProofRejectsTamperedLeaf(t *testing.T) {
	a := New(nil, nil)
	ctx := context.Background()
	_, root, err := a.AppendBatch(ctx, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	proof, err := a.GenerateProof(0)
	require.NoError(t, err)
	require.False(t, VerifyProof([]byte("tampered"), proof, root))
}
