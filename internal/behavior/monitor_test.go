package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(m *Monitor, agentID string, count int, amount int64, hour int) {
	at := time.Date(2026, 8, 24, hour, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		m.CheckTransaction(context.Background(), Transaction{
			AgentID:     agentID,
			AmountMinor: amount,
			MerchantID:  "merch-regular",
			Token:       "USDC",
			Chain:       "base",
			At:          at,
		})
	}
}

func alertTypes(alerts []Alert) []AlertType {
	out := make([]AlertType, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestAmountDeviationAlert(t *testing.T) {
	m := NewMonitor(SensitivityNormal)
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// Baseline with some natural variance.
	for i := 0; i < 20; i++ {
		amount := int64(1000 + (i%5)*10)
		m.CheckTransaction(context.Background(), Transaction{
			AgentID: "agent-001", AmountMinor: amount, MerchantID: "merch-regular",
			Token: "USDC", Chain: "base", At: at,
		})
	}

	alerts := m.CheckTransaction(context.Background(), Transaction{
		AgentID: "agent-001", AmountMinor: 50000, MerchantID: "merch-regular",
		Token: "USDC", Chain: "base", At: at,
	})
	assert.Contains(t, alertTypes(alerts), AlertAmountDeviation)
}

func TestNoDeviationAlertWithoutBaseline(t *testing.T) {
	m := NewMonitor(SensitivityParanoid)
	alerts := m.CheckTransaction(context.Background(), Transaction{
		AgentID: "agent-new", AmountMinor: 999999, At: time.Now(),
	})
	assert.Empty(t, alerts)
}

func TestUnusualHourAlert(t *testing.T) {
	m := NewMonitor(SensitivityNormal)
	seed(m, "agent-001", 40, 1000, 10)

	alerts := m.CheckTransaction(context.Background(), Transaction{
		AgentID: "agent-001", AmountMinor: 1000, MerchantID: "merch-regular",
		Token: "USDC", Chain: "base",
		At: time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC),
	})
	assert.Contains(t, alertTypes(alerts), AlertUnusualHour)
}

func TestNewMerchantAlertNeedsHistory(t *testing.T) {
	m := NewMonitor(SensitivityNormal)
	seed(m, "agent-001", 49, 1000, 10)

	// 49 prior transactions: below the merchant-history threshold.
	alerts := m.CheckTransaction(context.Background(), Transaction{
		AgentID: "agent-001", AmountMinor: 1000, MerchantID: "merch-new",
		Token: "USDC", Chain: "base",
		At: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	})
	assert.NotContains(t, alertTypes(alerts), AlertNewMerchant)

	// Now at 50: first-seen merchant alerts high.
	alerts = m.CheckTransaction(context.Background(), Transaction{
		AgentID: "agent-001", AmountMinor: 1000, MerchantID: "merch-unseen",
		Token: "USDC", Chain: "base",
		At: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	})
	require.Contains(t, alertTypes(alerts), AlertNewMerchant)
	for _, a := range alerts {
		if a.Type == AlertNewMerchant {
			assert.Equal(t, SeverityHigh, a.Severity)
		}
	}
}

func TestNewTokenAndChainAlerts(t *testing.T) {
	m := NewMonitor(SensitivityNormal)
	seed(m, "agent-001", 25, 1000, 10)

	alerts := m.CheckTransaction(context.Background(), Transaction{
		AgentID: "agent-001", AmountMinor: 1000, MerchantID: "merch-regular",
		Token: "EURC", Chain: "solana",
		At: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	})
	types := alertTypes(alerts)
	assert.Contains(t, types, AlertNewToken)
	assert.Contains(t, types, AlertNewChain)
}

func TestPatternRollingWindow(t *testing.T) {
	m := NewMonitor(SensitivityNormal)
	seed(m, "agent-001", 150, 1000, 10)

	p := m.Pattern("agent-001")
	require.NotNil(t, p)
	assert.Len(t, p.RecentAmounts, 100)
	assert.Equal(t, 150, p.TotalCount)

	mean, stddev := p.MeanStdDev()
	assert.InDelta(t, 1000.0, mean, 0.001)
	assert.InDelta(t, 0.0, stddev, 0.001)
}

func TestSensitivityThresholds(t *testing.T) {
	assert.Equal(t, 3.0, SensitivityRelaxed.SigmaThreshold())
	assert.Equal(t, 2.5, SensitivityNormal.SigmaThreshold())
	assert.Equal(t, 2.0, SensitivityStrict.SigmaThreshold())
	assert.Equal(t, 1.5, SensitivityParanoid.SigmaThreshold())
}
