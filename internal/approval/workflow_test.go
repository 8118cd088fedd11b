package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkflow(t *testing.T, onDecision DecisionFunc) (*Workflow, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w := NewWorkflow(NewMemoryRepository(), onDecision, 0)
	w.now = func() time.Time { return now }
	return w, &now
}

func multiSigParams() CreateParams {
	return CreateParams{
		IdempotencyKey: "payment-1",
		AgentID:        "agent-001",
		AmountMinor:    75000,
		Currency:       "USDC",
		MerchantDomain: "shop.example.com",
		RequestedBy:    "agent-001",
		Approvers:      []string{"alice", "bob"},
		Quorum:         2,
		Timeout:        24 * time.Hour,
	}
}

func TestQuorumReachedOnDistinctApprovals(t *testing.T) {
	var decided []Request
	w, _ := newTestWorkflow(t, func(_ context.Context, r Request) { decided = append(decided, r) })
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	r, reached, err := w.Approve(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.False(t, reached)
	assert.Equal(t, StatusPending, r.Status)
	assert.Empty(t, decided)

	r, reached, err = w.Approve(ctx, r.ID, "bob")
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Equal(t, StatusApproved, r.Status)
	require.Len(t, decided, 1)
	assert.Equal(t, StatusApproved, decided[0].Status)
	assert.Equal(t, "payment-1", decided[0].IdempotencyKey)
}

func TestDuplicateApproverDoesNotCountTwice(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)

	_, _, err = w.Approve(ctx, r.ID, "alice")
	require.NoError(t, err)
	_, _, err = w.Approve(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	got, err := w.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestUnlistedApproverRejected(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)

	_, _, err = w.Approve(ctx, r.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotApprover)
}

func TestRejectIsUnilateral(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)
	_, _, err = w.Approve(ctx, r.ID, "alice")
	require.NoError(t, err)

	got, err := w.Reject(ctx, r.ID, "bob", "amount out of band")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, "bob", got.ReviewedBy)

	// No further transitions out of a terminal state.
	_, _, err = w.Approve(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestCancelPendingOnly(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)

	got, err := w.Cancel(ctx, r.ID, "requester withdrew")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = w.Cancel(ctx, r.ID, "")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	var decided []Request
	w, now := newTestWorkflow(t, func(_ context.Context, r Request) { decided = append(decided, r) })
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)

	// Not yet due.
	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(25 * time.Hour)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := w.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	require.Len(t, decided, 1)
	assert.Equal(t, StatusExpired, decided[0].Status)

	// Approving after expiry fails even before a sweep would run.
	_, _, err = w.Approve(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestApproveAfterDeadlineBeforeSweep(t *testing.T) {
	w, now := newTestWorkflow(t, nil)
	ctx := context.Background()

	r, err := w.Create(ctx, multiSigParams())
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)
	_, _, err = w.Approve(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, ErrExpired)
}
