// Package policy evaluates agent and group spending policies. Evaluation is
// ordered and deny-first; the first failing check names the rejection.
package policy

import (
	"errors"
	"time"
)

// ScopeAll in allowed_scopes grants every scope.
const ScopeAll = "ALL"

// Window tracks spend inside a rolling time window. A window auto-resets when
// its duration has elapsed since WindowStart.
type Window struct {
	LimitAmount  int64     `json:"limit_amount"` // 0 = unlimited
	CurrentSpent int64     `json:"current_spent"`
	WindowStart  time.Time `json:"window_start"`
}

// Expired reports whether the window should reset before use.
func (w Window) Expired(now time.Time, duration time.Duration) bool {
	return now.Sub(w.WindowStart) >= duration
}

// RuleType is the polarity of a merchant rule.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleDeny  RuleType = "deny"
)

// MerchantRule restricts payments to a merchant or category. A rule matches
// when its merchant_id or category equals the transaction's; expired rules are
// skipped. Spent tracks the rule's rolling-day consumption against DailyLimit.
type MerchantRule struct {
	RuleType   RuleType   `json:"rule_type"`
	MerchantID string     `json:"merchant_id,omitempty"`
	Category   string     `json:"category,omitempty"`
	MaxPerTx   int64      `json:"max_per_tx,omitempty"`
	DailyLimit int64      `json:"daily_limit,omitempty"`
	Spent      Window     `json:"spent"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Matches reports whether the rule applies to the merchant/category pair.
func (r MerchantRule) Matches(merchantID, category string, now time.Time) bool {
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	if r.MerchantID != "" && r.MerchantID == merchantID {
		return true
	}
	if r.Category != "" && r.Category == category {
		return true
	}
	return false
}

// Policy is the per-agent spending policy.
type Policy struct {
	PolicyID      string         `json:"policy_id"`
	AgentID       string         `json:"agent_id"`
	TrustLevel    string         `json:"trust_level"`
	LimitPerTx    int64          `json:"limit_per_tx"` // 0 = unlimited
	LimitTotal    int64          `json:"limit_total"`  // 0 = unlimited
	SpentTotal    int64          `json:"spent_total"`
	Daily         Window         `json:"daily"`
	Weekly        Window         `json:"weekly"`
	Monthly       Window         `json:"monthly"`
	AllowedScopes []string       `json:"allowed_scopes"`
	MerchantRules []MerchantRule `json:"merchant_rules"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ScopeAllowed reports whether scope passes allowed_scopes. An empty list or
// a list containing ScopeAll permits everything.
func (p Policy) ScopeAllowed(scope string) bool {
	if len(p.AllowedScopes) == 0 {
		return true
	}
	for _, s := range p.AllowedScopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Window durations.
const (
	DayWindow   = 24 * time.Hour
	WeekWindow  = 7 * 24 * time.Hour
	MonthWindow = 30 * 24 * time.Hour
)

// ErrPolicyNotFound is returned when an agent has no policy on record.
var ErrPolicyNotFound = errors.New("policy: not found")
