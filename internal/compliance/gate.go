// Package compliance gates payments through base rules, sanctions screening,
// and KYC verification. The gate fails closed: a provider error blocks the
// payment, and every outcome is written to the audit trail.
package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/sarderr"
)

// PaymentCheck is the slice of a payment the gate inspects.
type PaymentCheck struct {
	MandateID   string
	AgentID     string
	Subject     string
	Destination string
	Token       string
	Chain       string
	AmountMinor int64
	MerchantID  string
}

// Outcome is the preflight result. AuditID is always set.
type Outcome struct {
	Allowed  bool
	Reason   sarderr.Code
	RuleID   string
	Provider string
	AuditID  string
}

// RuleProvider applies tenant-level base rules (token and chain
// permissibility) before any external screening.
type RuleProvider interface {
	// CheckBaseRules returns the blocking rule ID, or "" when permitted.
	CheckBaseRules(ctx context.Context, check PaymentCheck) (ruleID string, err error)
}

// SanctionsClient screens a destination address against a sanctions list.
type SanctionsClient interface {
	ProviderName() string
	// Screen reports whether the address is sanctioned.
	Screen(ctx context.Context, address string) (hit bool, err error)
}

// KYCClient checks the verification status of a payment subject.
type KYCClient interface {
	ProviderName() string
	Verified(ctx context.Context, subject string) (bool, error)
}

// RiskScorer optionally assesses the payment without short-circuiting the
// gate; its assessment is attached to the audit entry.
type RiskScorer interface {
	Assess(ctx context.Context, check PaymentCheck) Assessment
}

// Gate runs the ordered preflight checks.
type Gate struct {
	rules     RuleProvider
	sanctions SanctionsClient
	kyc       KYCClient
	audit     AuditStore
	risk      RiskScorer // optional
	now       func() time.Time
}

// NewGate constructs a Gate. rules, sanctions, kyc, and audit are required;
// risk may be nil.
func NewGate(rules RuleProvider, sanctions SanctionsClient, kyc KYCClient, audit AuditStore, risk RiskScorer) *Gate {
	return &Gate{rules: rules, sanctions: sanctions, kyc: kyc, audit: audit, risk: risk, now: time.Now}
}

// Preflight runs base rules, then sanctions, then KYC. A base-rule denial
// skips the external providers. Provider errors block the payment.
func (g *Gate) Preflight(ctx context.Context, check PaymentCheck) Outcome {
	log := logger.FromContext(ctx)

	outcome := g.run(ctx, check)

	entry := AuditEntry{
		AuditID:   uuid.New().String(),
		MandateID: check.MandateID,
		AgentID:   check.AgentID,
		Allowed:   outcome.Allowed,
		Reason:    string(outcome.Reason),
		RuleID:    outcome.RuleID,
		Provider:  outcome.Provider,
		CreatedAt: g.now(),
	}
	if g.risk != nil {
		assessment := g.risk.Assess(ctx, check)
		entry.RiskLevel = string(assessment.Level)
		entry.RiskScore = assessment.Score
		entry.RecommendedAction = string(assessment.RecommendedAction)
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		// The audit trail is part of the control: if we cannot record the
		// decision, we do not allow the payment.
		log.Error().Err(err).Str("mandate_id", check.MandateID).Msg("compliance.audit_append_failed")
		return Outcome{Allowed: false, Reason: sarderr.CodeComplianceBlocked, AuditID: entry.AuditID}
	}

	outcome.AuditID = entry.AuditID
	if !outcome.Allowed {
		log.Warn().
			Str("mandate_id", check.MandateID).
			Str("reason", string(outcome.Reason)).
			Str("rule_id", outcome.RuleID).
			Str("provider", outcome.Provider).
			Msg("compliance.blocked")
	}
	return outcome
}

func (g *Gate) run(ctx context.Context, check PaymentCheck) Outcome {
	ruleID, err := g.rules.CheckBaseRules(ctx, check)
	if err != nil {
		return Outcome{Reason: sarderr.CodeComplianceBlocked, RuleID: "base_rules"}
	}
	if ruleID != "" {
		return Outcome{Reason: sarderr.CodeComplianceBlocked, RuleID: ruleID}
	}

	hit, err := g.sanctions.Screen(ctx, check.Destination)
	if err != nil || hit {
		return Outcome{
			Reason:   sarderr.CodeSanctionsScreening,
			RuleID:   "sanctions_screening",
			Provider: g.sanctions.ProviderName(),
		}
	}

	subject := check.Subject
	if subject == "" {
		subject = check.AgentID
	}
	verified, err := g.kyc.Verified(ctx, subject)
	if err != nil || !verified {
		return Outcome{
			Reason:   sarderr.CodeKYCVerification,
			RuleID:   "kyc_verification",
			Provider: g.kyc.ProviderName(),
		}
	}

	return Outcome{Allowed: true}
}
