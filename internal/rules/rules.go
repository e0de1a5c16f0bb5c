// Package rules evaluates configurable threshold rules against a feature
// vector. Rules are data: a kind, a threshold and a severity, compiled once
// and evaluated without allocation beyond the result.
package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/features"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/profile"
)

// Kind selects the predicate a rule applies.
type Kind string

const (
	KindAmountAbove          Kind = "amount_above"
	KindVelocityCountAbove   Kind = "velocity_count_above"
	KindVelocitySumAbove     Kind = "velocity_sum_above"
	KindDistanceAbove        Kind = "distance_above"
	KindAmountDeviationAbove Kind = "amount_deviation_above"
	KindTimeDeviationAbove   Kind = "time_deviation_above"
	KindNightTime            Kind = "night_time"
	KindMerchantFraudRate    Kind = "merchant_fraud_rate_above"
	KindNewDevice            Kind = "new_device"
	KindBurstPattern         Kind = "burst_pattern"
)

// Aggregation combines the severities of triggered rules.
type Aggregation string

const (
	// CappedSum adds severities and caps the total at 1.
	CappedSum Aggregation = "capped_sum"
	// Max takes the largest severity.
	Max Aggregation = "max"
)

// Default rule codes.
const (
	CodeHighAmount        = "HIGH_AMOUNT"
	CodeVelocity          = "VELOCITY"
	CodeVelocityAmount    = "VELOCITY_AMOUNT"
	CodeLocationAnomaly   = "LOCATION_ANOMALY"
	CodeAmountDeviation   = "AMOUNT_DEVIATION"
	CodeUnusualTime       = "UNUSUAL_TIME"
	CodeHighRiskMerchant  = "HIGH_RISK_MERCHANT"
	CodeNewDevice         = "NEW_DEVICE"
	CodeSuspiciousPattern = "SUSPICIOUS_PATTERN"
)

// Definition is the configured form of a rule.
type Definition struct {
	Code      string  `yaml:"code" json:"code"`
	Kind      Kind    `yaml:"kind" json:"kind"`
	Severity  float64 `yaml:"severity" json:"severity"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	// Window names the velocity window for velocity kinds; empty means the
	// shortest configured window.
	Window string `yaml:"window,omitempty" json:"window,omitempty"`
	// MinHistory is the number of prior transactions required before
	// history-based kinds fire.
	MinHistory int64 `yaml:"min_history,omitempty" json:"min_history,omitempty"`
}

// Input is what a rule sees.
type Input struct {
	Tx       *fraud.Transaction
	Features features.Vector
}

// Outcome is the result of evaluating a Set.
type Outcome struct {
	Score float64
	// Flags are the codes of triggered rules in evaluation order.
	Flags []string
	// Contributions split Score across triggered rules in proportion to
	// their severity.
	Contributions map[string]float64
}

type rule struct {
	def   Definition
	match func(in Input) bool
}

// Set is a compiled, immutable list of rules.
type Set struct {
	rules       []rule
	aggregation Aggregation
}

// Compile validates defs and builds a Set. windows are the configured
// velocity window labels.
func Compile(defs []Definition, windows []string, agg Aggregation) (*Set, error) {
	switch agg {
	case "":
		agg = CappedSum
	case CappedSum, Max:
	default:
		return nil, fmt.Errorf("unknown rule aggregation %q", agg)
	}
	known := make(map[string]bool, len(windows))
	for _, w := range windows {
		known[w] = true
	}

	set := &Set{aggregation: agg, rules: make([]rule, 0, len(defs))}
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		d.Code = strings.TrimSpace(d.Code)
		if d.Code == "" {
			return nil, fmt.Errorf("rule %d: code is required", i)
		}
		if seen[d.Code] {
			return nil, fmt.Errorf("rule %s: duplicate code", d.Code)
		}
		seen[d.Code] = true
		if d.Severity <= 0 || d.Severity > 1 || math.IsNaN(d.Severity) {
			return nil, fmt.Errorf("rule %s: severity %v outside (0, 1]", d.Code, d.Severity)
		}
		if d.Window != "" && !known[d.Window] {
			return nil, fmt.Errorf("rule %s: unknown velocity window %q", d.Code, d.Window)
		}
		if d.MinHistory < 0 {
			return nil, fmt.Errorf("rule %s: min_history must not be negative", d.Code)
		}
		match, err := predicate(d)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", d.Code, err)
		}
		set.rules = append(set.rules, rule{def: d, match: match})
	}
	return set, nil
}

// Definitions returns the compiled definitions in evaluation order.
func (s *Set) Definitions() []Definition {
	out := make([]Definition, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.def
	}
	return out
}

// Evaluate runs every rule. The score does not depend on rule order.
func (s *Set) Evaluate(in Input) Outcome {
	out := Outcome{Flags: []string{}, Contributions: map[string]float64{}}
	var total, peak float64
	for _, r := range s.rules {
		if !r.match(in) {
			continue
		}
		out.Flags = append(out.Flags, r.def.Code)
		out.Contributions[r.def.Code] = r.def.Severity
		total += r.def.Severity
		peak = math.Max(peak, r.def.Severity)
	}
	if total == 0 {
		return out
	}

	switch s.aggregation {
	case Max:
		out.Score = peak
	default:
		out.Score = math.Min(total, 1)
	}
	for code, sev := range out.Contributions {
		out.Contributions[code] = sev * out.Score / total
	}
	return out
}

func predicate(d Definition) (func(Input) bool, error) {
	t := d.Threshold
	switch d.Kind {
	case KindAmountAbove:
		limit := decimal.NewFromFloat(t)
		return func(in Input) bool { return in.Tx.Amount.GreaterThan(limit) }, nil

	case KindVelocityCountAbove:
		return func(in Input) bool {
			return float64(windowOf(in.Features, d.Window).Count) > t
		}, nil

	case KindVelocitySumAbove:
		limit := decimal.NewFromFloat(t)
		return func(in Input) bool {
			return windowOf(in.Features, d.Window).Sum.GreaterThan(limit)
		}, nil

	case KindDistanceAbove:
		return func(in Input) bool {
			v := in.Features
			return v.HasLocation && (v.DistanceKm > t || v.TravelSpeedKmh > features.ImpossibleSpeedKmh)
		}, nil

	case KindAmountDeviationAbove:
		return func(in Input) bool {
			v := in.Features
			return v.UserTxCount >= d.MinHistory && v.AmountRatio > t
		}, nil

	case KindTimeDeviationAbove:
		return func(in Input) bool {
			v := in.Features
			return v.UserTxCount >= max(d.MinHistory, features.MinTimeHistory) && v.HourDeviation > t
		}, nil

	case KindNightTime:
		return func(in Input) bool { return in.Features.IsNight }, nil

	case KindMerchantFraudRate:
		return func(in Input) bool {
			v := in.Features
			return v.MerchantTxCount >= d.MinHistory && v.MerchantFraudRate > t
		}, nil

	case KindNewDevice:
		return func(in Input) bool {
			v := in.Features
			return v.NewDevice && v.UserTxCount >= d.MinHistory
		}, nil

	case KindBurstPattern:
		if t <= 0 {
			return nil, fmt.Errorf("burst_pattern needs a positive amount multiple")
		}
		return func(in Input) bool {
			v := in.Features
			spike := v.UserTxCount > d.MinHistory && v.RecentMeanAmount > 0 && v.Amount > t*v.RecentMeanAmount
			return spike || v.MerchantHopping
		}, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", d.Kind)
	}
}

func windowOf(v features.Vector, label string) profile.Window {
	if label == "" {
		return v.UserVelocity.Shortest()
	}
	if w, ok := v.UserVelocity.Get(label); ok {
		return w
	}
	return profile.Window{Label: label, Sum: decimal.Zero}
}
