package profile

import "github.com/mbd888/riskengine/internal/fraud"

// Assessment is the derived risk view returned by profile lookups.
type Assessment struct {
	RiskLevel          fraud.RiskLevel `json:"risk_level"`
	FraudRate          float64         `json:"fraud_rate"`
	AverageRecentScore float64         `json:"average_recent_score"`
	Recommendation     string          `json:"recommendation"`
}

// Entity risk cut-offs on historical fraud.
const (
	highFraudRate   = 0.10
	highFraudCount  = 5
	mediumFraudRate = 0.05
	medFraudCount   = 2
)

// Assess derives the user's risk level from fraud history.
func (p *UserProfile) Assess() Assessment {
	a := Assessment{}
	if p.TransactionCount > 0 {
		a.FraudRate = float64(p.FraudCount) / float64(p.TransactionCount)
	}
	if n := len(p.RecentScores); n > 0 {
		var sum float64
		for _, s := range p.RecentScores {
			sum += s
		}
		a.AverageRecentScore = sum / float64(n)
	}
	a.RiskLevel = levelFor(a.FraudRate, p.FraudCount)
	switch a.RiskLevel {
	case fraud.RiskHigh:
		a.Recommendation = "Require step-up verification for all transactions"
	case fraud.RiskMedium:
		a.Recommendation = "Review high-value transactions manually"
	default:
		a.Recommendation = "Standard monitoring"
	}
	return a
}

// Assess derives the merchant's risk level from fraud history.
func (p *MerchantProfile) Assess() Assessment {
	a := Assessment{FraudRate: p.FraudRate, RiskLevel: levelFor(p.FraudRate, p.FraudCount)}
	switch a.RiskLevel {
	case fraud.RiskHigh:
		a.Recommendation = "Hold settlements pending merchant review"
	case fraud.RiskMedium:
		a.Recommendation = "Increase monitoring of merchant volume"
	default:
		a.Recommendation = "Standard monitoring"
	}
	return a
}

func levelFor(rate float64, count int64) fraud.RiskLevel {
	switch {
	case rate > highFraudRate || count > highFraudCount:
		return fraud.RiskHigh
	case rate > mediumFraudRate || count > medFraudCount:
		return fraud.RiskMedium
	default:
		return fraud.RiskLow
	}
}
