package fraud

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Validation error codes.
const (
	CodeRequired        = "required"
	CodeTooLong         = "too_long"
	CodeInvalidAmount   = "invalid_amount"
	CodeInvalidCurrency = "invalid_currency"
	CodeFutureTimestamp = "future_timestamp"
	CodeMissingTime     = "missing_timestamp"
	CodeInvalidLocation = "invalid_location"
	CodeBatchTooLarge   = "batch_too_large"
	CodeMalformed       = "malformed"
)

// MaxIDLength bounds every identifier field.
const MaxIDLength = 128

// DefaultCurrency is applied when a transaction omits its currency.
const DefaultCurrency = "USD"

// ValidationError is a machine-readable rejection of one input field.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// Invalid builds a ValidationError.
func Invalid(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

type check func() *ValidationError

// Normalize returns a copy with defaults applied: trimmed ids, upper-case
// currency defaulting to USD, and a UTC timestamp.
func (t Transaction) Normalize() Transaction {
	t.ID = strings.TrimSpace(t.ID)
	t.UserID = strings.TrimSpace(t.UserID)
	t.MerchantID = strings.TrimSpace(t.MerchantID)
	t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	t.Timestamp = t.Timestamp.UTC()
	return t
}

// Validate checks field ranges. now and maxSkew bound how far in the
// future the timestamp may be. The first failing check is returned.
func (t *Transaction) Validate(now time.Time, maxSkew time.Duration) error {
	checks := []check{
		required("transaction_id", t.ID),
		maxLength("transaction_id", t.ID),
		required("user_id", t.UserID),
		maxLength("user_id", t.UserID),
		required("merchant_id", t.MerchantID),
		maxLength("merchant_id", t.MerchantID),
		func() *ValidationError {
			if !t.Amount.IsPositive() {
				return Invalid(CodeInvalidAmount, "amount", "must be greater than zero")
			}
			return nil
		},
		func() *ValidationError {
			if !isCurrencyCode(t.Currency) {
				return Invalid(CodeInvalidCurrency, "currency", "must be a three-letter ISO 4217 code")
			}
			return nil
		},
		func() *ValidationError {
			if t.Timestamp.IsZero() {
				return Invalid(CodeMissingTime, "timestamp", "is required")
			}
			if t.Timestamp.After(now.Add(maxSkew)) {
				return Invalid(CodeFutureTimestamp, "timestamp", fmt.Sprintf("is more than %s in the future", maxSkew))
			}
			return nil
		},
		func() *ValidationError {
			if t.Location == nil {
				return nil
			}
			if !inRange(t.Location.Latitude, 90) {
				return Invalid(CodeInvalidLocation, "location.latitude", "must be within [-90, 90]")
			}
			if !inRange(t.Location.Longitude, 180) {
				return Invalid(CodeInvalidLocation, "location.longitude", "must be within [-180, 180]")
			}
			return nil
		},
	}
	for _, c := range checks {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}

func required(field, value string) check {
	return func() *ValidationError {
		if value == "" {
			return Invalid(CodeRequired, field, "is required")
		}
		return nil
	}
}

func maxLength(field, value string) check {
	return func() *ValidationError {
		if len(value) > MaxIDLength {
			return Invalid(CodeTooLong, field, fmt.Sprintf("exceeds %d characters", MaxIDLength))
		}
		return nil
	}
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// inRange rejects NaN and infinities along with values outside [-limit, limit].
func inRange(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}
