// Package fraud defines the transaction and score types shared by every
// stage of the risk scoring pipeline.
package fraud

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel is a discrete category derived from a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Action is the recommended handling for a scored transaction.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionReview Action = "REVIEW"
	ActionBlock  Action = "BLOCK"
)

// Flag codes emitted outside the configurable rule set.
const (
	FlagModelUnavailable = "MODEL_UNAVAILABLE"
)

// Location is an optional geographic observation attached to a transaction.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// Transaction is the immutable scoring input.
type Transaction struct {
	ID             string            `json:"transaction_id"`
	UserID         string            `json:"user_id"`
	MerchantID     string            `json:"merchant_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Timestamp      time.Time         `json:"timestamp"`
	Location       *Location         `json:"location,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	CardNumberHash string            `json:"card_number_hash,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MerchantCategory returns the merchant_category metadata entry, if any.
func (t *Transaction) MerchantCategory() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata["merchant_category"]
}

// ScoreResult is the immutable output of one scoring operation.
type ScoreResult struct {
	TransactionID    string             `json:"transaction_id"`
	UserID           string             `json:"user_id"`
	MerchantID       string             `json:"merchant_id"`
	RiskScore        float64            `json:"risk_score"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	IsFraud          bool               `json:"is_fraud"`
	Action           Action             `json:"action"`
	Flags            []string           `json:"flags"`
	MLScore          float64            `json:"ml_score"`
	RuleScore        float64            `json:"rule_score"`
	Explanation      map[string]float64 `json:"explanation"`
	Degraded         bool               `json:"degraded,omitempty"`
	ProcessingTimeMs float64            `json:"processing_time_ms"`
	Timestamp        time.Time          `json:"timestamp"`
}

// HasFlag reports whether code is among the result's flags.
func (r *ScoreResult) HasFlag(code string) bool {
	for _, f := range r.Flags {
		if f == code {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached results are never shared mutably.
func (r *ScoreResult) Clone() *ScoreResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Flags != nil {
		cp.Flags = make([]string, len(r.Flags))
		copy(cp.Flags, r.Flags)
	}
	if r.Explanation != nil {
		cp.Explanation = make(map[string]float64, len(r.Explanation))
		for k, v := range r.Explanation {
			cp.Explanation[k] = v
		}
	}
	return &cp
}
