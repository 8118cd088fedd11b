// Package approval runs the human-in-the-loop workflow for payments that do
// not auto-approve. Requests move through a strict state machine; quorum is
// counted over distinct approvers.
package approval

import (
	"errors"
	"time"
)

// Status is the request state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Urgency orders requests in a reviewer's queue.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Vote is one approver's recorded decision.
type Vote struct {
	Approver string    `json:"approver"`
	Approve  bool      `json:"approve"`
	Reason   string    `json:"reason,omitempty"`
	VotedAt  time.Time `json:"voted_at"`
}

// Request is a pending approval tied to a suspended settlement.
type Request struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	AgentID        string    `json:"agent_id"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	MerchantDomain string    `json:"merchant_domain"`
	Status         Status    `json:"status"`
	Urgency        Urgency   `json:"urgency"`
	RequestedBy    string    `json:"requested_by"`
	ReviewedBy     string    `json:"reviewed_by,omitempty"`
	Approvers      []string  `json:"approvers"`
	Quorum         int       `json:"quorum"`
	Votes          []Vote    `json:"votes"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// hasApprover reports whether the approver is in the required set.
func (r Request) hasApprover(approver string) bool {
	for _, a := range r.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}

// approvalCount is the number of distinct approvers with an approve vote.
func (r Request) approvalCount() int {
	seen := make(map[string]bool)
	for _, v := range r.Votes {
		if v.Approve {
			seen[v.Approver] = true
		}
	}
	return len(seen)
}

var (
	ErrNotFound     = errors.New("approval: request not found")
	ErrNotPending   = errors.New("approval: request is not pending")
	ErrNotApprover  = errors.New("approval: not a listed approver")
	ErrExpired      = errors.New("approval: request has expired")
	ErrAlreadyVoted = errors.New("approval: approver already voted")
)
