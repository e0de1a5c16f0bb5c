// Package fusion blends the rule score and the anomaly score into the final
// risk score, level and action.
package fusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/rules"
)

// ModelContribution is the explanation key of the anomaly model's share.
const ModelContribution = "ml_model"

// Band maps scores at or above Lower to Level, until the next band.
type Band struct {
	Level fraud.RiskLevel `yaml:"level" json:"level"`
	Lower float64         `yaml:"lower" json:"lower"`
}

// Policy holds the fusion weights, decision threshold and risk bands.
type Policy struct {
	RuleWeight  float64                          `yaml:"rule_weight" json:"rule_weight"`
	ModelWeight float64                          `yaml:"model_weight" json:"model_weight"`
	Threshold   float64                          `yaml:"threshold" json:"threshold"`
	Bands       []Band                           `yaml:"bands" json:"bands"`
	Actions     map[fraud.RiskLevel]fraud.Action `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// DefaultBands are LOW, MEDIUM from 0.4, HIGH from 0.7, CRITICAL from 0.9.
func DefaultBands() []Band {
	return []Band{
		{Level: fraud.RiskLow, Lower: 0},
		{Level: fraud.RiskMedium, Lower: 0.4},
		{Level: fraud.RiskHigh, Lower: 0.7},
		{Level: fraud.RiskCritical, Lower: 0.9},
	}
}

// DefaultActions maps each level to its recommended handling.
func DefaultActions() map[fraud.RiskLevel]fraud.Action {
	return map[fraud.RiskLevel]fraud.Action{
		fraud.RiskLow:      fraud.ActionAllow,
		fraud.RiskMedium:   fraud.ActionReview,
		fraud.RiskHigh:     fraud.ActionBlock,
		fraud.RiskCritical: fraud.ActionBlock,
	}
}

// DefaultPolicy weighs rules and model equally and flags fraud at 0.7.
func DefaultPolicy() Policy {
	return Policy{
		RuleWeight:  0.5,
		ModelWeight: 0.5,
		Threshold:   0.7,
		Bands:       DefaultBands(),
		Actions:     DefaultActions(),
	}
}

// Validate checks that weights are usable and that bands cover [0,1]
// without gaps or overlaps.
func (p Policy) Validate() error {
	if p.RuleWeight < 0 || p.ModelWeight < 0 {
		return errors.New("fusion weights must not be negative")
	}
	if p.RuleWeight+p.ModelWeight <= 0 {
		return errors.New("fusion weights must not both be zero")
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("decision threshold %v outside (0, 1]", p.Threshold)
	}
	if len(p.Bands) == 0 {
		return errors.New("at least one risk band is required")
	}
	if p.Bands[0].Lower != 0 {
		return fmt.Errorf("first risk band must start at 0, got %v", p.Bands[0].Lower)
	}
	seen := make(map[fraud.RiskLevel]bool, len(p.Bands))
	for i, b := range p.Bands {
		if b.Level == "" {
			return fmt.Errorf("risk band %d has no level", i)
		}
		if seen[b.Level] {
			return fmt.Errorf("risk level %s appears twice", b.Level)
		}
		seen[b.Level] = true
		if b.Lower >= 1 {
			return fmt.Errorf("risk band %s lower edge %v must be below 1", b.Level, b.Lower)
		}
		if i > 0 && b.Lower <= p.Bands[i-1].Lower {
			return fmt.Errorf("risk band %s lower edge %v must exceed %v", b.Level, b.Lower, p.Bands[i-1].Lower)
		}
	}
	for level := range p.Actions {
		if !seen[level] {
			return fmt.Errorf("action configured for unknown risk level %s", level)
		}
	}
	return nil
}

// Level returns the band containing score.
func (p Policy) Level(score float64) fraud.RiskLevel {
	level := p.Bands[0].Level
	for _, b := range p.Bands[1:] {
		if score < b.Lower {
			break
		}
		level = b.Level
	}
	return level
}

// Action returns the handling for level. Levels without an explicit
// action fall back to the default map, then to review.
func (p Policy) Action(level fraud.RiskLevel) fraud.Action {
	if a, ok := p.Actions[level]; ok {
		return a
	}
	if a, ok := DefaultActions()[level]; ok {
		return a
	}
	return fraud.ActionReview
}

// Decision is the fused verdict for one transaction.
type Decision struct {
	RiskScore   float64
	RuleScore   float64
	MLScore     float64
	Level       fraud.RiskLevel
	Action      fraud.Action
	IsFraud     bool
	Degraded    bool
	Flags       []string
	Explanation map[string]float64
}

// Decide fuses the rule outcome with the model score. When the model is
// unavailable the rule score stands alone and the result is marked degraded.
func (p Policy) Decide(r rules.Outcome, ml float64, mlOK bool) Decision {
	d := Decision{
		RuleScore:   clamp01(r.Score),
		Flags:       append([]string(nil), r.Flags...),
		Explanation: make(map[string]float64, len(r.Contributions)+1),
	}

	ruleShare := 1.0
	if mlOK {
		d.MLScore = clamp01(ml)
		total := p.RuleWeight + p.ModelWeight
		ruleShare = p.RuleWeight / total
		modelShare := p.ModelWeight / total
		d.RiskScore = ruleShare*d.RuleScore + modelShare*d.MLScore
		d.Explanation[ModelContribution] = round(modelShare * d.MLScore)
	} else {
		d.Degraded = true
		d.RiskScore = d.RuleScore
		d.Flags = append(d.Flags, fraud.FlagModelUnavailable)
	}
	for code, c := range r.Contributions {
		d.Explanation[code] = round(c * ruleShare)
	}

	d.RiskScore = round(clamp01(d.RiskScore))
	d.Level = p.Level(d.RiskScore)
	d.Action = p.Action(d.Level)
	d.IsFraud = d.RiskScore >= p.Threshold
	return d
}

func round(x float64) float64 { return math.Round(x*1e4) / 1e4 }

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
