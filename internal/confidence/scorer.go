// Package confidence scores a prospective payment on the agent's standing and
// history, then maps the score to an approval tier.
package confidence

import (
	"math"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/behavior"
)

// Tier is the approval path a payment takes.
type Tier string

const (
	TierAutoApprove     Tier = "auto_approve"
	TierManagerApproval Tier = "manager_approval"
	TierMultiSig        Tier = "multi_sig"
	TierHumanRewrite    Tier = "human_rewrite"
)

// TierRequirement describes the approval workflow a tier demands.
type TierRequirement struct {
	Approvers int
	Quorum    int
	Timeout   string // duration string, parsed by the approval workflow
}

// Requirement returns the workflow parameters for a tier. Auto-approve and
// human-rewrite need no approval request.
func (t Tier) Requirement() TierRequirement {
	switch t {
	case TierManagerApproval:
		return TierRequirement{Approvers: 1, Quorum: 1, Timeout: "1h"}
	case TierMultiSig:
		return TierRequirement{Approvers: 2, Quorum: 2, Timeout: "24h"}
	default:
		return TierRequirement{}
	}
}

// Thresholds are the minimum scores per tier, descending.
type Thresholds struct {
	AutoApprove     float64
	ManagerApproval float64
	MultiSig        float64
}

// DefaultThresholds per the standard tiering.
var DefaultThresholds = Thresholds{AutoApprove: 0.95, ManagerApproval: 0.85, MultiSig: 0.70}

// Input carries everything the scorer weighs.
type Input struct {
	KYALevel    agent.KYALevel
	AmountMinor int64
	MerchantID  string
	// Pattern is the agent's behavioral history; nil for unseen agents.
	Pattern *behavior.SpendingPattern
	// BudgetUsed / BudgetTotal give utilization; zero total scores neutral.
	BudgetUsed  int64
	BudgetTotal int64
	// Violations is the count of recent policy or compliance denials.
	Violations int
}

// Score is the weighted result plus its tier.
type Score struct {
	Value   float64            `json:"value"`
	Tier    Tier               `json:"tier"`
	Factors map[string]float64 `json:"factors"`
}

// Weights for the factor mix. They sum to 1.
type Weights struct {
	KYA        float64
	Merchant   float64
	Amount     float64
	Budget     float64
	Violations float64
}

// DefaultWeights balance identity against behavior.
var DefaultWeights = Weights{KYA: 0.30, Merchant: 0.20, Amount: 0.20, Budget: 0.15, Violations: 0.15}

// Scorer combines factors into a confidence score.
type Scorer struct {
	thresholds Thresholds
	weights    Weights
}

// NewScorer builds a scorer; zero-valued thresholds or weights fall back to
// the defaults.
func NewScorer(thresholds Thresholds, weights Weights) *Scorer {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Scorer{thresholds: thresholds, weights: weights}
}

// Evaluate computes the weighted mean of the factor scores and assigns a tier.
func (s *Scorer) Evaluate(in Input) Score {
	factors := map[string]float64{
		"kya":        in.KYALevel.TrustWeight(),
		"merchant":   merchantFamiliarity(in),
		"amount":     amountFit(in),
		"budget":     budgetHeadroom(in),
		"violations": violationScore(in.Violations),
	}

	value := factors["kya"]*s.weights.KYA +
		factors["merchant"]*s.weights.Merchant +
		factors["amount"]*s.weights.Amount +
		factors["budget"]*s.weights.Budget +
		factors["violations"]*s.weights.Violations

	return Score{Value: value, Tier: s.tierFor(value), Factors: factors}
}

func (s *Scorer) tierFor(value float64) Tier {
	switch {
	case value >= s.thresholds.AutoApprove:
		return TierAutoApprove
	case value >= s.thresholds.ManagerApproval:
		return TierManagerApproval
	case value >= s.thresholds.MultiSig:
		return TierMultiSig
	default:
		return TierHumanRewrite
	}
}

// merchantFamiliarity is the merchant's share of the agent's history. Unseen
// agents and merchants score a low floor rather than zero.
func merchantFamiliarity(in Input) float64 {
	if in.Pattern == nil || in.Pattern.TotalCount == 0 || in.MerchantID == "" {
		return 0.3
	}
	share := float64(in.Pattern.Merchants[in.MerchantID]) / float64(in.Pattern.TotalCount)
	if share == 0 {
		return 0.1
	}
	return math.Min(1.0, 0.5+share)
}

// amountFit decreases with the amount's z-score against recent history.
func amountFit(in Input) float64 {
	if in.Pattern == nil || len(in.Pattern.RecentAmounts) < 10 {
		return 0.5
	}
	mean, stddev := in.Pattern.MeanStdDev()
	if stddev == 0 {
		if float64(in.AmountMinor) == mean {
			return 1.0
		}
		return 0.4
	}
	z := math.Abs(float64(in.AmountMinor)-mean) / stddev
	return math.Max(0, 1.0-z/4.0)
}

// budgetHeadroom is 1 - used/total. No budget reads neutral.
func budgetHeadroom(in Input) float64 {
	if in.BudgetTotal <= 0 {
		return 0.5
	}
	used := math.Min(1.0, float64(in.BudgetUsed)/float64(in.BudgetTotal))
	return 1.0 - used
}

// violationScore decays with each recent violation.
func violationScore(violations int) float64 {
	return math.Max(0, 1.0-0.25*float64(violations))
}
