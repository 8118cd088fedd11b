package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClockStore() *MemoryStore {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	return s
}

func entry(txID string) Entry {
	return NewEntry(txID, "agent-001", "wallet-1", "merchant-9", "USDC", "base", 5500, 0)
}

func TestAppendAssignsSequenceAndAnchor(t *testing.T) {
	s := fixedClockStore()
	ctx := context.Background()

	first, err := s.Append(ctx, entry("tx-1"))
	require.NoError(t, err)
	second, err := s.Append(ctx, entry("tx-2"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.NotEmpty(t, first.AuditAnchor)
	assert.NotEqual(t, first.AuditAnchor, second.AuditAnchor)

	// The second anchor commits to the first: recompute it by hand.
	hash, err := second.Hash()
	require.NoError(t, err)
	assert.Equal(t, chainAnchor(first.AuditAnchor, hash), second.AuditAnchor)
}

func TestAppendRejectsDuplicateTxID(t *testing.T) {
	s := fixedClockStore()
	ctx := context.Background()

	_, err := s.Append(ctx, entry("tx-1"))
	require.NoError(t, err)
	_, err = s.Append(ctx, entry("tx-1"))
	assert.ErrorIs(t, err, ErrDuplicateTxID)
}

func TestUpdateStatusPreservesAnchor(t *testing.T) {
	s := fixedClockStore()
	ctx := context.Background()

	e, err := s.Append(ctx, entry("tx-1"))
	require.NoError(t, err)

	updated, err := s.UpdateStatus(ctx, e.EntryID, StatusUpdate{
		Status: StatusConfirmed, TxHash: "0xabc", BlockNumber: 100, GasUsed: 51000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	assert.Equal(t, "0xabc", updated.TxHash)
	assert.Equal(t, uint64(100), updated.BlockNumber)
	// Confirmation must not disturb the hash chain.
	assert.Equal(t, e.AuditAnchor, updated.AuditAnchor)

	hash, err := updated.Hash()
	require.NoError(t, err)
	origHash, err := e.Hash()
	require.NoError(t, err)
	assert.Equal(t, origHash, hash)
}

func TestUnanchoredListingAndMarking(t *testing.T) {
	s := fixedClockStore()
	ctx := context.Background()

	a, _ := s.Append(ctx, entry("tx-1"))
	b, _ := s.Append(ctx, entry("tx-2"))
	c, _ := s.Append(ctx, entry("tx-3"))

	unanchored, err := s.ListUnanchored(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unanchored, 3)

	require.NoError(t, s.MarkAnchored(ctx, []string{a.EntryID, b.EntryID}, "anchor-1"))

	unanchored, err = s.ListUnanchored(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unanchored, 1)
	assert.Equal(t, c.EntryID, unanchored[0].EntryID)

	got, err := s.Get(ctx, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "anchor-1", got.AnchorID)
}

func TestGetByTxID(t *testing.T) {
	s := fixedClockStore()
	ctx := context.Background()

	e, _ := s.Append(ctx, entry("tx-1"))
	got, err := s.GetByTxID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, e.EntryID, got.EntryID)

	_, err = s.GetByTxID(ctx, "tx-missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestListForAgentNewestFirst(t *testing.T) {
	s := fixedClockStore()
	ctx := context.Background()

	s.Append(ctx, entry("tx-1"))
	other := NewEntry("tx-2", "agent-002", "wallet-2", "", "USDC", "base", 100, 0)
	s.Append(ctx, other)
	s.Append(ctx, entry("tx-3"))

	entries, err := s.ListForAgent(ctx, "agent-001", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tx-3", entries[0].TxID)
	assert.Equal(t, "tx-1", entries[1].TxID)
}
