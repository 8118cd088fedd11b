// Package behavior watches per-agent spending patterns and raises drift
// alerts. Alerts never block a payment on their own; they feed the confidence
// router.
package behavior

import (
	"context"
	"math"
	"sync"
	"time"
)

// Severity orders alerts for downstream consumers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertType names the drift that was observed.
type AlertType string

const (
	AlertAmountDeviation AlertType = "amount_deviation"
	AlertUnusualHour     AlertType = "unusual_hour"
	AlertNewMerchant     AlertType = "new_merchant"
	AlertNewToken        AlertType = "new_token"
	AlertNewChain        AlertType = "new_chain"
)

// Alert is one observed deviation from an agent's established pattern.
type Alert struct {
	AgentID   string    `json:"agent_id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sensitivity selects the sigma threshold for amount deviation.
type Sensitivity string

const (
	SensitivityRelaxed  Sensitivity = "relaxed"
	SensitivityNormal   Sensitivity = "normal"
	SensitivityStrict   Sensitivity = "strict"
	SensitivityParanoid Sensitivity = "paranoid"
)

// SigmaThreshold returns how many standard deviations an amount may stray
// before it alerts.
func (s Sensitivity) SigmaThreshold() float64 {
	switch s {
	case SensitivityRelaxed:
		return 3.0
	case SensitivityStrict:
		return 2.0
	case SensitivityParanoid:
		return 1.5
	default:
		return 2.5
	}
}

// Transaction is the behavioral slice of one payment.
type Transaction struct {
	AgentID     string
	AmountMinor int64
	MerchantID  string
	Token       string
	Chain       string
	At          time.Time
}

const (
	recentAmountCap    = 100
	merchantHistoryMin = 50
	railHistoryMin     = 20
	hourHistoryMin     = 30
)

// SpendingPattern summarizes an agent's history: recent amounts, hourly
// activity, and merchant/token/chain frequencies.
type SpendingPattern struct {
	RecentAmounts []int64        `json:"recent_amounts"` // last 100, oldest first
	HourHistogram [24]int        `json:"hour_histogram"`
	Merchants     map[string]int `json:"merchants"`
	Tokens        map[string]int `json:"tokens"`
	Chains        map[string]int `json:"chains"`
	TotalCount    int            `json:"total_count"`
}

// MeanStdDev returns the mean and population standard deviation of the
// recent amounts.
func (p *SpendingPattern) MeanStdDev() (mean, stddev float64) {
	n := len(p.RecentAmounts)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, a := range p.RecentAmounts {
		sum += float64(a)
	}
	mean = sum / float64(n)
	var variance float64
	for _, a := range p.RecentAmounts {
		d := float64(a) - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(n))
}

// Monitor keeps per-agent patterns and evaluates incoming transactions.
type Monitor struct {
	mu          sync.Mutex
	sensitivity Sensitivity
	patterns    map[string]*SpendingPattern
}

// NewMonitor constructs a monitor at the given sensitivity.
func NewMonitor(sensitivity Sensitivity) *Monitor {
	if sensitivity == "" {
		sensitivity = SensitivityNormal
	}
	return &Monitor{sensitivity: sensitivity, patterns: make(map[string]*SpendingPattern)}
}

// Pattern returns a copy of the agent's pattern, or nil when unseen.
func (m *Monitor) Pattern(agentID string) *SpendingPattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[agentID]
	if !ok {
		return nil
	}
	cp := *p
	cp.RecentAmounts = append([]int64(nil), p.RecentAmounts...)
	cp.Merchants = copyCounts(p.Merchants)
	cp.Tokens = copyCounts(p.Tokens)
	cp.Chains = copyCounts(p.Chains)
	return &cp
}

// CheckTransaction evaluates tx against the agent's pattern, returns any
// alerts, and folds the transaction into the pattern.
func (m *Monitor) CheckTransaction(_ context.Context, tx Transaction) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patterns[tx.AgentID]
	if !ok {
		p = &SpendingPattern{
			Merchants: make(map[string]int),
			Tokens:    make(map[string]int),
			Chains:    make(map[string]int),
		}
		m.patterns[tx.AgentID] = p
	}

	alerts := m.evaluate(p, tx)
	record(p, tx)
	return alerts
}

func (m *Monitor) evaluate(p *SpendingPattern, tx Transaction) []Alert {
	var alerts []Alert
	at := tx.At
	if at.IsZero() {
		at = time.Now()
	}
	emit := func(typ AlertType, sev Severity, detail string) {
		alerts = append(alerts, Alert{
			AgentID: tx.AgentID, Type: typ, Severity: sev, Detail: detail, CreatedAt: at,
		})
	}

	// Amount deviation needs an established baseline.
	if len(p.RecentAmounts) >= 10 {
		mean, stddev := p.MeanStdDev()
		if stddev > 0 {
			z := math.Abs(float64(tx.AmountMinor)-mean) / stddev
			if z > m.sensitivity.SigmaThreshold() {
				emit(AlertAmountDeviation, SeverityLow, "amount deviates from recent mean")
			}
		}
	}

	if p.TotalCount >= hourHistoryMin && p.HourHistogram[at.Hour()] == 0 {
		emit(AlertUnusualHour, SeverityMedium, "no prior activity in this hour")
	}

	if p.TotalCount >= merchantHistoryMin && tx.MerchantID != "" && p.Merchants[tx.MerchantID] == 0 {
		emit(AlertNewMerchant, SeverityHigh, "first payment to this merchant")
	}

	if p.TotalCount >= railHistoryMin {
		if tx.Token != "" && p.Tokens[tx.Token] == 0 {
			emit(AlertNewToken, SeverityCritical, "first use of this token")
		}
		if tx.Chain != "" && p.Chains[tx.Chain] == 0 {
			emit(AlertNewChain, SeverityCritical, "first use of this chain")
		}
	}

	return alerts
}

func record(p *SpendingPattern, tx Transaction) {
	p.RecentAmounts = append(p.RecentAmounts, tx.AmountMinor)
	if len(p.RecentAmounts) > recentAmountCap {
		p.RecentAmounts = p.RecentAmounts[len(p.RecentAmounts)-recentAmountCap:]
	}
	at := tx.At
	if at.IsZero() {
		at = time.Now()
	}
	p.HourHistogram[at.Hour()]++
	if tx.MerchantID != "" {
		p.Merchants[tx.MerchantID]++
	}
	if tx.Token != "" {
		p.Tokens[tx.Token]++
	}
	if tx.Chain != "" {
		p.Chains[tx.Chain]++
	}
	p.TotalCount++
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
