package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/logger"
)

// Repository persists approval requests.
type Repository interface {
	Get(ctx context.Context, id string) (Request, error)
	Put(ctx context.Context, r Request) error
	// ListPending returns pending requests, oldest first.
	ListPending(ctx context.Context) ([]Request, error)
}

// DecisionFunc observes terminal transitions (approved, denied, expired,
// cancelled). The settlement engine hooks this to resume or abandon a
// suspended payment.
type DecisionFunc func(ctx context.Context, r Request)

// Workflow drives the approval state machine and the expiry sweep.
type Workflow struct {
	repo       Repository
	onDecision DecisionFunc
	now        func() time.Time

	sweepEvery  time.Duration
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewWorkflow constructs a workflow. onDecision may be nil. sweepEvery <= 0
// disables the background sweep (Sweep can still be called directly).
func NewWorkflow(repo Repository, onDecision DecisionFunc, sweepEvery time.Duration) *Workflow {
	return &Workflow{
		repo:        repo,
		onDecision:  onDecision,
		now:         time.Now,
		sweepEvery:  sweepEvery,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
}

// CreateParams describe a new approval request.
type CreateParams struct {
	IdempotencyKey string
	AgentID        string
	AmountMinor    int64
	Currency       string
	MerchantDomain string
	Urgency        Urgency
	RequestedBy    string
	Approvers      []string
	Quorum         int
	Timeout        time.Duration
}

// Create opens a pending request.
func (w *Workflow) Create(ctx context.Context, p CreateParams) (Request, error) {
	now := w.now()
	if p.Urgency == "" {
		p.Urgency = UrgencyNormal
	}
	r := Request{
		ID:             uuid.New().String(),
		IdempotencyKey: p.IdempotencyKey,
		AgentID:        p.AgentID,
		AmountMinor:    p.AmountMinor,
		Currency:       p.Currency,
		MerchantDomain: p.MerchantDomain,
		Status:         StatusPending,
		Urgency:        p.Urgency,
		RequestedBy:    p.RequestedBy,
		Approvers:      p.Approvers,
		Quorum:         p.Quorum,
		ExpiresAt:      now.Add(p.Timeout),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.repo.Put(ctx, r); err != nil {
		return Request{}, err
	}
	logger.FromContext(ctx).Info().
		Str("approval_id", r.ID).
		Str("agent_id", r.AgentID).
		Int("quorum", r.Quorum).
		Time("expires_at", r.ExpiresAt).
		Msg("approval.created")
	return r, nil
}

// Approve records a vote. When distinct approvals reach quorum the request
// transitions to approved and quorumReached is true.
func (w *Workflow) Approve(ctx context.Context, id, approver string) (r Request, quorumReached bool, err error) {
	r, err = w.repo.Get(ctx, id)
	if err != nil {
		return Request{}, false, err
	}
	if r.Status != StatusPending {
		return r, false, ErrNotPending
	}
	if !r.hasApprover(approver) {
		return r, false, ErrNotApprover
	}
	now := w.now()
	if !now.Before(r.ExpiresAt) {
		return r, false, ErrExpired
	}
	for _, v := range r.Votes {
		if v.Approver == approver {
			return r, false, ErrAlreadyVoted
		}
	}

	r.Votes = append(r.Votes, Vote{Approver: approver, Approve: true, VotedAt: now})
	r.UpdatedAt = now
	if r.approvalCount() >= r.Quorum {
		r.Status = StatusApproved
		r.ReviewedBy = approver
		quorumReached = true
	}
	if err := w.repo.Put(ctx, r); err != nil {
		return Request{}, false, err
	}
	if quorumReached {
		w.notify(ctx, r)
	}
	return r, quorumReached, nil
}

// Reject denies the request. Any listed approver may deny unilaterally.
func (w *Workflow) Reject(ctx context.Context, id, approver, reason string) (Request, error) {
	r, err := w.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if r.Status != StatusPending {
		return r, ErrNotPending
	}
	if !r.hasApprover(approver) {
		return r, ErrNotApprover
	}

	now := w.now()
	r.Votes = append(r.Votes, Vote{Approver: approver, Approve: false, Reason: reason, VotedAt: now})
	r.Status = StatusDenied
	r.ReviewedBy = approver
	r.UpdatedAt = now
	if err := w.repo.Put(ctx, r); err != nil {
		return Request{}, err
	}
	w.notify(ctx, r)
	return r, nil
}

// Cancel withdraws a pending request, typically by the requester.
func (w *Workflow) Cancel(ctx context.Context, id, reason string) (Request, error) {
	r, err := w.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if r.Status != StatusPending {
		return r, ErrNotPending
	}
	r.Status = StatusCancelled
	r.UpdatedAt = w.now()
	if reason != "" {
		r.Votes = append(r.Votes, Vote{Reason: reason, VotedAt: r.UpdatedAt})
	}
	if err := w.repo.Put(ctx, r); err != nil {
		return Request{}, err
	}
	w.notify(ctx, r)
	return r, nil
}

// Get returns a request by ID.
func (w *Workflow) Get(ctx context.Context, id string) (Request, error) {
	return w.repo.Get(ctx, id)
}

// Sweep expires pending requests past their deadline and returns how many
// were transitioned.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	pending, err := w.repo.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	now := w.now()
	expired := 0
	for _, r := range pending {
		if now.Before(r.ExpiresAt) {
			continue
		}
		r.Status = StatusExpired
		r.UpdatedAt = now
		if err := w.repo.Put(ctx, r); err != nil {
			return expired, err
		}
		expired++
		w.notify(ctx, r)
	}
	return expired, nil
}

// Start launches the background expiry sweep.
func (w *Workflow) Start() {
	if w.sweepEvery <= 0 {
		return
	}
	w.startOnce.Do(func() {
		go w.sweepLoop()
	})
}

// Stop halts the background sweep and waits for it to finish.
func (w *Workflow) Stop() {
	if w.sweepEvery <= 0 {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopCleanup)
		<-w.cleanupDone
	})
}

func (w *Workflow) sweepLoop() {
	defer close(w.cleanupDone)
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if n, err := w.Sweep(ctx); err != nil {
				logger.FromContext(ctx).Error().Err(err).Msg("approval.sweep_failed")
			} else if n > 0 {
				logger.FromContext(ctx).Info().Int("expired", n).Msg("approval.sweep_expired")
			}
		case <-w.stopCleanup:
			return
		}
	}
}

func (w *Workflow) notify(ctx context.Context, r Request) {
	if w.onDecision != nil {
		w.onDecision(ctx, r)
	}
}
