package compliance

import (
	"context"
	"sort"
)

// RiskLevel buckets an aggregate score.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RecommendedAction is what the reviewer should do with the payment.
type RecommendedAction string

const (
	ActionApprove  RecommendedAction = "approve"
	ActionReview   RecommendedAction = "review"
	ActionEDD      RecommendedAction = "edd"
	ActionBlock    RecommendedAction = "block"
	ActionEscalate RecommendedAction = "escalate"
)

// Factor is one scored risk signal. Weighted score is capped at 100.
type Factor struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"` // 0..100
	Weight   float64 `json:"weight"`
	Detail   string  `json:"detail,omitempty"`
}

// WeightedScore is min(score*weight, 100).
func (f Factor) WeightedScore() float64 {
	ws := f.Score * f.Weight
	if ws > 100 {
		return 100
	}
	return ws
}

// Assessment aggregates factors into a level and action.
type Assessment struct {
	Score             float64   `json:"score"`
	Level             RiskLevel `json:"level"`
	RecommendedAction RecommendedAction
	Factors           []Factor `json:"factors"`
}

// Thresholds are the upper bounds for each level, ascending. The default is
// 20/40/60/80; anything above the last bound is critical.
type Thresholds struct {
	Minimal float64
	Low     float64
	Medium  float64
	High    float64
}

// DefaultThresholds per the standard banding.
var DefaultThresholds = Thresholds{Minimal: 20, Low: 40, Medium: 60, High: 80}

// FactorSource contributes factors for a payment. Sources must not block;
// expensive lookups should come pre-computed.
type FactorSource interface {
	Factors(ctx context.Context, check PaymentCheck) []Factor
}

// Scorer aggregates factor sources into an Assessment.
type Scorer struct {
	sources    []FactorSource
	thresholds Thresholds
}

// NewScorer builds a scorer; zero thresholds fall back to the defaults.
func NewScorer(thresholds Thresholds, sources ...FactorSource) *Scorer {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	return &Scorer{sources: sources, thresholds: thresholds}
}

// Assess collects factors from every source, aggregates the highest weighted
// score per category, and maps the mean onto a level and action.
func (s *Scorer) Assess(ctx context.Context, check PaymentCheck) Assessment {
	var factors []Factor
	for _, src := range s.sources {
		factors = append(factors, src.Factors(ctx, check)...)
	}
	if len(factors) == 0 {
		return Assessment{Level: RiskMinimal, RecommendedAction: ActionApprove}
	}

	// Highest weighted score per category, so stacked signals in one category
	// do not drown out the rest.
	byCategory := make(map[string]float64)
	for _, f := range factors {
		if ws := f.WeightedScore(); ws > byCategory[f.Category] {
			byCategory[f.Category] = ws
		}
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var total float64
	for _, c := range categories {
		total += byCategory[c]
	}
	score := total / float64(len(categories))

	level, action := s.classify(score)
	return Assessment{Score: score, Level: level, RecommendedAction: action, Factors: factors}
}

func (s *Scorer) classify(score float64) (RiskLevel, RecommendedAction) {
	switch {
	case score < s.thresholds.Minimal:
		return RiskMinimal, ActionApprove
	case score < s.thresholds.Low:
		return RiskLow, ActionApprove
	case score < s.thresholds.Medium:
		return RiskMedium, ActionReview
	case score < s.thresholds.High:
		return RiskHigh, ActionEDD
	default:
		return RiskCritical, ActionBlock
	}
}
