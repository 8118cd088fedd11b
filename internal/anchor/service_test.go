package anchor

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/ledger"
)

type fakeSubmitter struct {
	roots   map[string][32]byte
	submits int
	err     error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{roots: make(map[string][32]byte)}
}

func (f *fakeSubmitter) SubmitRoot(_ context.Context, root [32]byte) (string, uint64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	f.submits++
	txHash := fmt.Sprintf("0xanchor%d", f.submits)
	f.roots[txHash] = root
	return txHash, uint64(100 + f.submits), nil
}

func (f *fakeSubmitter) RootAt(_ context.Context, txHash string) ([32]byte, error) {
	root, ok := f.roots[txHash]
	if !ok {
		return [32]byte{}, errors.New("unknown tx")
	}
	return root, nil
}

func setupLedger(t *testing.T, n int) (*ledger.MemoryStore, []ledger.Entry) {
	t.Helper()
	store := ledger.NewMemoryStore()
	entries := make([]ledger.Entry, 0, n)
	for i := 0; i < n; i++ {
		e := ledger.NewEntry(fmt.Sprintf("tx-%d", i), "agent-001", "wallet-1", "", "USDC", "base", int64(1000+i), 0)
		appended, err := store.Append(context.Background(), e)
		require.NoError(t, err)
		entries = append(entries, appended)
	}
	return store, entries
}

func newTestService(t *testing.T, n int) (*Service, *fakeSubmitter, []ledger.Entry) {
	t.Helper()
	entries, appended := setupLedger(t, n)
	submitter := newFakeSubmitter()
	svc := NewService(entries, NewMemoryStore(), submitter, "base", 1000, 0)
	return svc, submitter, appended
}

func TestAnchorNowCommitsBatch(t *testing.T) {
	svc, _, entries := newTestService(t, 5)
	ctx := context.Background()

	a, err := svc.AnchorNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, a.EntryCount)
	assert.Equal(t, entries[0].EntryID, a.FirstEntryID)
	assert.Equal(t, entries[4].EntryID, a.LastEntryID)
	assert.Equal(t, "0xanchor1", a.TxHash)
	assert.Equal(t, uint64(101), a.BlockNumber)
	assert.Equal(t, "base", a.Chain)
	assert.Equal(t, StatusCommitted, a.Status)
	assert.Len(t, a.MerkleRoot, 64)

	// A second run has nothing left.
	_, err = svc.AnchorNow(ctx)
	assert.ErrorIs(t, err, ErrNothingToAnchor)
}

func TestAnchorWithoutSubmitterStaysPending(t *testing.T) {
	entries, _ := setupLedger(t, 2)
	svc := NewService(entries, NewMemoryStore(), nil, "base", 1000, 0)

	a, err := svc.AnchorNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "base", a.Chain)
	assert.Empty(t, a.TxHash)
}

func TestVerifyEntryRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8} {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			svc, _, entries := newTestService(t, n)
			ctx := context.Background()

			a, err := svc.AnchorNow(ctx)
			require.NoError(t, err)

			for _, e := range entries {
				ok, err := svc.VerifyEntry(ctx, e, a.AnchorID)
				require.NoError(t, err)
				assert.True(t, ok, "entry %s", e.TxID)
			}
		})
	}
}

func TestVerifyEntryDetectsMutation(t *testing.T) {
	svc, _, entries := newTestService(t, 4)
	ctx := context.Background()

	a, err := svc.AnchorNow(ctx)
	require.NoError(t, err)

	tampered := entries[2]
	tampered.AmountMinor++

	ok, err := svc.VerifyEntry(ctx, tampered, a.AnchorID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAnchorAgainstChain(t *testing.T) {
	svc, submitter, _ := newTestService(t, 3)
	ctx := context.Background()

	a, err := svc.AnchorNow(ctx)
	require.NoError(t, err)

	ok, err := svc.VerifyAnchor(ctx, a.AnchorID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Simulate a chain that returns a different root.
	submitter.roots[a.TxHash] = sha256.Sum256([]byte("forged"))
	ok, err = svc.VerifyAnchor(ctx, a.AnchorID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProofForEntryPath(t *testing.T) {
	svc, _, entries := newTestService(t, 6)
	ctx := context.Background()

	a, err := svc.AnchorNow(ctx)
	require.NoError(t, err)

	path, got, err := svc.ProofForEntry(ctx, entries[3].EntryID)
	require.NoError(t, err)
	assert.Equal(t, a.AnchorID, got.AnchorID)
	// Six leaves round up to a depth-3 tree.
	assert.Len(t, path, 3)
	for _, step := range path {
		assert.Contains(t, []Direction{Left, Right}, step.Direction)
	}
}

func TestProofForUnanchoredEntry(t *testing.T) {
	svc, _, entries := newTestService(t, 2)

	_, _, err := svc.ProofForEntry(context.Background(), entries[0].EntryID)
	assert.ErrorIs(t, err, ErrAnchorNotFound)
}

func TestSubmitterFailureLeavesEntriesUnanchored(t *testing.T) {
	svc, submitter, _ := newTestService(t, 3)
	submitter.err = errors.New("rpc down")
	ctx := context.Background()

	_, err := svc.AnchorNow(ctx)
	require.Error(t, err)

	// Entries stay available for the next run.
	submitter.err = nil
	a, err := svc.AnchorNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, a.EntryCount)
}

func TestVerifyProofDirect(t *testing.T) {
	leaves := make([][32]byte, 5)
	for i := range leaves {
		leaves[i] = sha256.Sum256([]byte{byte(i)})
	}
	tree, err := buildTree(leaves)
	require.NoError(t, err)

	for i := range leaves {
		path, err := tree.proof(i)
		require.NoError(t, err)
		assert.True(t, VerifyProof(leaves[i], path, tree.root()))

		// Single-bit mutation of the leaf breaks the proof.
		bad := leaves[i]
		bad[0] ^= 0x01
		assert.False(t, VerifyProof(bad, path, tree.root()))
	}
}
