package fraud

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func validTx() Transaction {
	return Transaction{
		ID:         "tx_1",
		UserID:     "user_1",
		MerchantID: "merchant_1",
		Amount:     decimal.RequireFromString("150.00"),
		Currency:   "usd",
		Timestamp:  testNow.Add(-time.Minute),
		Location:   &Location{Latitude: 40.7128, Longitude: -74.0060, City: "New York"},
	}
}

func TestNormalize(t *testing.T) {
	tx := validTx()
	tx.ID = "  tx_1 "
	tx.Currency = ""
	loc := time.FixedZone("EST", -5*3600)
	tx.Timestamp = time.Date(2026, 3, 10, 9, 0, 0, 0, loc)

	n := tx.Normalize()
	assert.Equal(t, "tx_1", n.ID)
	assert.Equal(t, DefaultCurrency, n.Currency)
	assert.Equal(t, time.UTC, n.Timestamp.Location())
	assert.Equal(t, 14, n.Timestamp.Hour())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Transaction)
		code   string
		field  string
	}{
		{"valid", func(*Transaction) {}, "", ""},
		{"missing id", func(tx *Transaction) { tx.ID = "" }, CodeRequired, "transaction_id"},
		{"missing user", func(tx *Transaction) { tx.UserID = "" }, CodeRequired, "user_id"},
		{"missing merchant", func(tx *Transaction) { tx.MerchantID = "" }, CodeRequired, "merchant_id"},
		{"long id", func(tx *Transaction) { tx.ID = strings.Repeat("x", MaxIDLength+1) }, CodeTooLong, "transaction_id"},
		{"negative amount", func(tx *Transaction) { tx.Amount = decimal.NewFromInt(-5) }, CodeInvalidAmount, "amount"},
		{"zero amount", func(tx *Transaction) { tx.Amount = decimal.Zero }, CodeInvalidAmount, "amount"},
		{"bad currency", func(tx *Transaction) { tx.Currency = "DOLLARS" }, CodeInvalidCurrency, "currency"},
		{"zero timestamp", func(tx *Transaction) { tx.Timestamp = time.Time{} }, CodeMissingTime, "timestamp"},
		{"future timestamp", func(tx *Transaction) { tx.Timestamp = testNow.Add(10 * time.Minute) }, CodeFutureTimestamp, "timestamp"},
		{"within skew", func(tx *Transaction) { tx.Timestamp = testNow.Add(4 * time.Minute) }, "", ""},
		{"bad latitude", func(tx *Transaction) { tx.Location.Latitude = 91 }, CodeInvalidLocation, "location.latitude"},
		{"bad longitude", func(tx *Transaction) { tx.Location.Longitude = -181 }, CodeInvalidLocation, "location.longitude"},
		{"NaN latitude", func(tx *Transaction) { tx.Location.Latitude = math.NaN() }, CodeInvalidLocation, "location.latitude"},
		{"infinite longitude", func(tx *Transaction) { tx.Location.Longitude = math.Inf(1) }, CodeInvalidLocation, "location.longitude"},
		{"negative infinite latitude", func(tx *Transaction) { tx.Location.Latitude = math.Inf(-1) }, CodeInvalidLocation, "location.latitude"},
		{"no location", func(tx *Transaction) { tx.Location = nil }, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(&tx)
			tx = tx.Normalize()
			err := tx.Validate(testNow, 5*time.Minute)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.code, ve.Code)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestScoreResultClone(t *testing.T) {
	r := &ScoreResult{
		TransactionID: "tx_1",
		Flags:         []string{"VELOCITY"},
		Explanation:   map[string]float64{"VELOCITY": 0.25},
	}
	cp := r.Clone()
	cp.Flags[0] = "CHANGED"
	cp.Explanation["VELOCITY"] = 1

	assert.Equal(t, "VELOCITY", r.Flags[0])
	assert.Equal(t, 0.25, r.Explanation["VELOCITY"])
	assert.True(t, r.HasFlag("VELOCITY"))
	assert.False(t, r.HasFlag("HIGH_AMOUNT"))
	assert.Nil(t, (*ScoreResult)(nil).Clone())
}
