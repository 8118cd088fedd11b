package policy

import (
	"context"
	"time"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/sarderr"
)

// Request carries one prospective payment through evaluation.
type Request struct {
	AgentID          string
	AmountMinor      int64
	FeeMinor         int64
	MerchantID       string
	MerchantCategory string
	Scope            string
}

func (r Request) charge() int64 { return r.AmountMinor + r.FeeMinor }

// Decision is the evaluation outcome. Reason is set iff Allowed is false.
type Decision struct {
	Allowed bool
	Reason  sarderr.Code
}

func deny(code sarderr.Code) Decision { return Decision{Reason: code} }

// Evaluator applies agent policies and group budgets in a fixed order.
type Evaluator struct {
	store  Store
	agents agent.Repository
	now    func() time.Time
}

// NewEvaluator constructs an Evaluator. now is overridable for tests; nil
// defaults to time.Now.
func NewEvaluator(store Store, agents agent.Repository, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{store: store, agents: agents, now: now}
}

// Evaluate runs the ordered checks: policy lookup, scope, per-transaction
// limit, total limit, window limits, merchant rules, then group budgets.
// The first failure wins. Lookup errors fail closed.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	now := e.now()

	p, err := e.store.GetPolicy(ctx, req.AgentID)
	if err != nil {
		return deny(sarderr.CodePolicyNotFound)
	}

	if !p.ScopeAllowed(req.Scope) {
		return deny(sarderr.CodeScopeNotAllowed)
	}

	charge := req.charge()
	if p.LimitPerTx > 0 && charge > p.LimitPerTx {
		return deny(sarderr.CodePerTransactionLimit)
	}
	if p.LimitTotal > 0 && p.SpentTotal+charge > p.LimitTotal {
		return deny(sarderr.CodeTotalLimitExceeded)
	}

	for _, w := range []struct {
		window   Window
		duration time.Duration
	}{
		{p.Daily, DayWindow},
		{p.Weekly, WeekWindow},
		{p.Monthly, MonthWindow},
	} {
		spent := w.window.CurrentSpent
		if w.window.Expired(now, w.duration) {
			spent = 0
		}
		if w.window.LimitAmount > 0 && spent+charge > w.window.LimitAmount {
			return deny(sarderr.CodeTimeWindowLimit)
		}
	}

	if d := evaluateMerchantRules(p.MerchantRules, req, now); !d.Allowed {
		return d
	}

	return e.evaluateGroups(ctx, req, now)
}

// evaluateMerchantRules applies deny rules first, then the allowlist.
func evaluateMerchantRules(rules []MerchantRule, req Request, now time.Time) Decision {
	if len(rules) == 0 {
		return Decision{Allowed: true}
	}

	for _, r := range rules {
		if r.RuleType == RuleDeny && r.Matches(req.MerchantID, req.MerchantCategory, now) {
			return deny(sarderr.CodeMerchantDenied)
		}
	}

	hasAllow := false
	for _, r := range rules {
		if r.RuleType != RuleAllow {
			continue
		}
		hasAllow = true
		if !r.Matches(req.MerchantID, req.MerchantCategory, now) {
			continue
		}
		if r.MaxPerTx > 0 && req.AmountMinor > r.MaxPerTx {
			return deny(sarderr.CodeMerchantCapExceeded)
		}
		if r.DailyLimit > 0 {
			spent := r.Spent.CurrentSpent
			if r.Spent.Expired(now, DayWindow) {
				spent = 0
			}
			if spent+req.AmountMinor > r.DailyLimit {
				return deny(sarderr.CodeMerchantDailyLimit)
			}
		}
		return Decision{Allowed: true}
	}
	if hasAllow {
		return deny(sarderr.CodeMerchantNotAllowlisted)
	}
	return Decision{Allowed: true}
}

// evaluateGroups applies every group containing the agent. Deny wins across
// groups; the tightest numerical limit wins. Fetch errors fail closed.
func (e *Evaluator) evaluateGroups(ctx context.Context, req Request, now time.Time) Decision {
	groups, err := e.agents.GroupsForAgent(ctx, req.AgentID)
	if err != nil {
		logger.FromContext(ctx).Error().
			Err(err).
			Str("agent_id", req.AgentID).
			Msg("policy.group_fetch_failed")
		return deny(sarderr.CodeGroupTotalLimit)
	}

	charge := req.charge()
	for _, g := range groups {
		if merchantBlocked(g.MerchantPolicy, req.MerchantID) {
			return deny(sarderr.CodeGroupMerchantBlocked)
		}
		if g.Budget.PerTransaction > 0 && charge > g.Budget.PerTransaction {
			return deny(sarderr.CodeGroupPerTransactionLimit)
		}

		spend, err := e.store.GroupSpend(ctx, g.GroupID)
		if err != nil {
			logger.FromContext(ctx).Error().
				Err(err).
				Str("group_id", g.GroupID).
				Msg("policy.group_spend_fetch_failed")
			return deny(sarderr.CodeGroupTotalLimit)
		}

		daily := spend.Daily.CurrentSpent
		if spend.Daily.Expired(now, DayWindow) {
			daily = 0
		}
		if g.Budget.Daily > 0 && daily+charge > g.Budget.Daily {
			return deny(sarderr.CodeGroupDailyLimit)
		}

		monthly := spend.Monthly.CurrentSpent
		if spend.Monthly.Expired(now, MonthWindow) {
			monthly = 0
		}
		if g.Budget.Monthly > 0 && monthly+charge > g.Budget.Monthly {
			return deny(sarderr.CodeGroupMonthlyLimit)
		}

		if g.Budget.Total > 0 && spend.Total+charge > g.Budget.Total {
			return deny(sarderr.CodeGroupTotalLimit)
		}
	}
	return Decision{Allowed: true}
}

func merchantBlocked(mp agent.GroupMerchantPolicy, merchantID string) bool {
	for _, m := range mp.BlockedMerchants {
		if m == merchantID {
			return true
		}
	}
	if len(mp.AllowedMerchants) > 0 {
		for _, m := range mp.AllowedMerchants {
			if m == merchantID {
				return false
			}
		}
		return true
	}
	return false
}

// RecordSpend updates the agent's spent_total, windows, and matching
// merchant-rule trackers plus every containing group's aggregate tracker.
// Called only after a confirmed settlement.
func (e *Evaluator) RecordSpend(ctx context.Context, agentID, merchantID string, amount int64) error {
	now := e.now()
	if err := e.store.ApplySpend(ctx, agentID, merchantID, amount, now); err != nil {
		return err
	}
	groups, err := e.agents.GroupsForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := e.store.ApplyGroupSpend(ctx, g.GroupID, amount, now); err != nil {
			return err
		}
	}
	return nil
}
