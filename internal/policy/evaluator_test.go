package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/sarderr"
)

func basePolicy(now time.Time) Policy {
	return Policy{
		PolicyID:      "pol-1",
		AgentID:       "agent-001",
		TrustLevel:    "standard",
		LimitPerTx:    10000,
		LimitTotal:    100000,
		Daily:         Window{LimitAmount: 20000, WindowStart: now},
		Weekly:        Window{LimitAmount: 60000, WindowStart: now},
		Monthly:       Window{LimitAmount: 90000, WindowStart: now},
		AllowedScopes: []string{"retail", "saas"},
	}
}

func setup(t *testing.T, p Policy) (*Evaluator, *MemoryStore, *agent.MemoryRepository, time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	require.NoError(t, store.PutPolicy(context.Background(), p))
	agents := agent.NewMemoryRepository()
	e := NewEvaluator(store, agents, func() time.Time { return now })
	return e, store, agents, now
}

func TestEvaluateAllows(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	e, _, _, _ := setup(t, basePolicy(now))

	d := e.Evaluate(context.Background(), Request{
		AgentID: "agent-001", AmountMinor: 5000, FeeMinor: 50,
		MerchantID: "merch-1", Scope: "retail",
	})
	assert.True(t, d.Allowed)
}

func TestEvaluateOrderedDenials(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		policy func() Policy
		req    Request
		want   sarderr.Code
	}{
		{
			name:   "scope not allowed",
			policy: func() Policy { return basePolicy(now) },
			req:    Request{AgentID: "agent-001", AmountMinor: 100, Scope: "gambling"},
			want:   sarderr.CodeScopeNotAllowed,
		},
		{
			name:   "per transaction limit includes fee",
			policy: func() Policy { return basePolicy(now) },
			req:    Request{AgentID: "agent-001", AmountMinor: 9999, FeeMinor: 2, Scope: "retail"},
			want:   sarderr.CodePerTransactionLimit,
		},
		{
			name: "total limit",
			policy: func() Policy {
				p := basePolicy(now)
				p.SpentTotal = 99500
				return p
			},
			req:  Request{AgentID: "agent-001", AmountMinor: 1000, Scope: "retail"},
			want: sarderr.CodeTotalLimitExceeded,
		},
		{
			name: "daily window limit",
			policy: func() Policy {
				p := basePolicy(now)
				p.Daily.CurrentSpent = 19500
				return p
			},
			req:  Request{AgentID: "agent-001", AmountMinor: 1000, Scope: "retail"},
			want: sarderr.CodeTimeWindowLimit,
		},
		{
			name: "merchant deny rule wins over allow",
			policy: func() Policy {
				p := basePolicy(now)
				p.MerchantRules = []MerchantRule{
					{RuleType: RuleAllow, MerchantID: "merch-1"},
					{RuleType: RuleDeny, MerchantID: "merch-1"},
				}
				return p
			},
			req:  Request{AgentID: "agent-001", AmountMinor: 100, MerchantID: "merch-1", Scope: "retail"},
			want: sarderr.CodeMerchantDenied,
		},
		{
			name: "allowlist mode requires a match",
			policy: func() Policy {
				p := basePolicy(now)
				p.MerchantRules = []MerchantRule{{RuleType: RuleAllow, MerchantID: "merch-1"}}
				return p
			},
			req:  Request{AgentID: "agent-001", AmountMinor: 100, MerchantID: "merch-2", Scope: "retail"},
			want: sarderr.CodeMerchantNotAllowlisted,
		},
		{
			name: "allow rule per-merchant cap",
			policy: func() Policy {
				p := basePolicy(now)
				p.MerchantRules = []MerchantRule{{RuleType: RuleAllow, MerchantID: "merch-1", MaxPerTx: 500}}
				return p
			},
			req:  Request{AgentID: "agent-001", AmountMinor: 600, MerchantID: "merch-1", Scope: "retail"},
			want: sarderr.CodeMerchantCapExceeded,
		},
		{
			name: "allow rule daily limit",
			policy: func() Policy {
				p := basePolicy(now)
				p.MerchantRules = []MerchantRule{{
					RuleType: RuleAllow, MerchantID: "merch-1", DailyLimit: 1000,
					Spent: Window{CurrentSpent: 800, WindowStart: now},
				}}
				return p
			},
			req:  Request{AgentID: "agent-001", AmountMinor: 300, MerchantID: "merch-1", Scope: "retail"},
			want: sarderr.CodeMerchantDailyLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, _ := setup(t, tt.policy())
			d := e.Evaluate(context.Background(), tt.req)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestEvaluatePolicyNotFound(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	e, _, _, _ := setup(t, basePolicy(now))

	d := e.Evaluate(context.Background(), Request{AgentID: "agent-unknown", AmountMinor: 1})
	assert.False(t, d.Allowed)
	assert.Equal(t, sarderr.CodePolicyNotFound, d.Reason)
}

func TestEvaluateWindowAutoReset(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	p := basePolicy(now)
	// Daily window filled yesterday; it must reset rather than deny.
	p.Daily.CurrentSpent = 20000
	p.Daily.WindowStart = now.Add(-25 * time.Hour)
	e, _, _, _ := setup(t, p)

	d := e.Evaluate(context.Background(), Request{AgentID: "agent-001", AmountMinor: 1000, Scope: "retail"})
	assert.True(t, d.Allowed)
}

func TestExpiredMerchantRuleSkipped(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	p := basePolicy(now)
	p.MerchantRules = []MerchantRule{{RuleType: RuleDeny, MerchantID: "merch-1", ExpiresAt: &expired}}
	e, _, _, _ := setup(t, p)

	d := e.Evaluate(context.Background(), Request{AgentID: "agent-001", AmountMinor: 100, MerchantID: "merch-1", Scope: "retail"})
	assert.True(t, d.Allowed)
}

func TestMerchantDailyLimitAccrues(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	p := basePolicy(now)
	p.MerchantRules = []MerchantRule{{RuleType: RuleAllow, MerchantID: "merch-1", DailyLimit: 1000}}
	e, store, _, _ := setup(t, p)

	req := Request{AgentID: "agent-001", AmountMinor: 600, MerchantID: "merch-1", Scope: "retail"}
	assert.True(t, e.Evaluate(context.Background(), req).Allowed)

	require.NoError(t, e.RecordSpend(context.Background(), "agent-001", "merch-1", 600))

	d := e.Evaluate(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, sarderr.CodeMerchantDailyLimit, d.Reason)

	// Spend at another merchant never counts against this rule.
	got, err := store.GetPolicy(context.Background(), "agent-001")
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.MerchantRules[0].Spent.CurrentSpent)
	require.NoError(t, e.RecordSpend(context.Background(), "agent-001", "merch-2", 400))
	got, err = store.GetPolicy(context.Background(), "agent-001")
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.MerchantRules[0].Spent.CurrentSpent)
}

func TestMerchantDailyLimitResets(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	p := basePolicy(now)
	// The rule's tracker filled yesterday; a new day starts it fresh.
	p.MerchantRules = []MerchantRule{{
		RuleType: RuleAllow, MerchantID: "merch-1", DailyLimit: 1000,
		Spent: Window{CurrentSpent: 1000, WindowStart: now.Add(-25 * time.Hour)},
	}}
	e, _, _, _ := setup(t, p)

	d := e.Evaluate(context.Background(), Request{
		AgentID: "agent-001", AmountMinor: 600, MerchantID: "merch-1", Scope: "retail",
	})
	assert.True(t, d.Allowed)
}

func TestGroupBudgets(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	e, store, agents, _ := setup(t, basePolicy(now))

	require.NoError(t, agents.PutGroup(context.Background(), agent.Group{
		GroupID:  "grp-1",
		AgentIDs: []string{"agent-001"},
		Budget:   agent.GroupBudget{PerTransaction: 4000, Daily: 6000, Monthly: 50000, Total: 80000},
	}))

	// Per-transaction cap is tighter than the agent's own.
	d := e.Evaluate(context.Background(), Request{AgentID: "agent-001", AmountMinor: 4500, Scope: "retail"})
	assert.Equal(t, sarderr.CodeGroupPerTransactionLimit, d.Reason)

	// Daily budget nearly exhausted.
	require.NoError(t, store.ApplyGroupSpend(context.Background(), "grp-1", 5500, now))
	d = e.Evaluate(context.Background(), Request{AgentID: "agent-001", AmountMinor: 1000, Scope: "retail"})
	assert.Equal(t, sarderr.CodeGroupDailyLimit, d.Reason)

	// Under every cap.
	d = e.Evaluate(context.Background(), Request{AgentID: "agent-001", AmountMinor: 400, Scope: "retail"})
	assert.True(t, d.Allowed)
}

func TestGroupMerchantBlocked(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	e, _, agents, _ := setup(t, basePolicy(now))

	require.NoError(t, agents.PutGroup(context.Background(), agent.Group{
		GroupID:        "grp-1",
		AgentIDs:       []string{"agent-001"},
		MerchantPolicy: agent.GroupMerchantPolicy{BlockedMerchants: []string{"merch-bad"}},
	}))

	d := e.Evaluate(context.Background(), Request{AgentID: "agent-001", AmountMinor: 100, MerchantID: "merch-bad", Scope: "retail"})
	assert.Equal(t, sarderr.CodeGroupMerchantBlocked, d.Reason)
}

func TestRecordSpendUpdatesAgentAndGroups(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	e, store, agents, _ := setup(t, basePolicy(now))

	require.NoError(t, agents.PutGroup(context.Background(), agent.Group{
		GroupID:  "grp-1",
		AgentIDs: []string{"agent-001"},
		Budget:   agent.GroupBudget{Total: 80000},
	}))

	require.NoError(t, e.RecordSpend(context.Background(), "agent-001", "merch-1", 2500))

	p, err := store.GetPolicy(context.Background(), "agent-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), p.SpentTotal)
	assert.Equal(t, int64(2500), p.Daily.CurrentSpent)
	assert.Equal(t, int64(2500), p.Monthly.CurrentSpent)

	gs, err := store.GroupSpend(context.Background(), "grp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), gs.Total)
	assert.Equal(t, int64(2500), gs.Daily.CurrentSpent)
}
