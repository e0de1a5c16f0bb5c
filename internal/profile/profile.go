// Package profile owns per-user and per-merchant aggregates and their
// velocity windows. Every mutation is an atomic read-modify-write per
// entity and is idempotent per transaction id.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/fraud"
)

var (
	// ErrUnavailable marks a backend failure or timeout. Callers may retry.
	ErrUnavailable = errors.New("profile store unavailable")
	// ErrConflict is returned when optimistic updates keep colliding.
	ErrConflict = errors.New("profile update conflict")
)

// Store is the keyed state backend. Entity keys for windows are built with
// UserKey and MerchantKey.
type Store interface {
	User(ctx context.Context, userID string) (*UserProfile, error)
	Merchant(ctx context.Context, merchantID string) (*MerchantProfile, error)

	// ApplyUser folds one scored transaction into the user's aggregates.
	// A second call with the same Outcome.TxID returns the current profile
	// unchanged.
	ApplyUser(ctx context.Context, userID string, o Outcome) (*UserProfile, error)
	ApplyMerchant(ctx context.Context, merchantID string, o Outcome) (*MerchantProfile, error)

	// IncrementWindows adds one event of amount to every window of entity
	// at event time now, resetting windows that are absent or expired, and
	// returns post-increment values aligned with specs. Replaying txID is a
	// read.
	IncrementWindows(ctx context.Context, entity, txID string, specs []WindowSpec, amount decimal.Decimal, now time.Time) ([]Window, error)
	// Windows reads live window values without mutating them.
	Windows(ctx context.Context, entity string, specs []WindowSpec, now time.Time) ([]Window, error)

	Ping(ctx context.Context) error
}

// UserKey is the velocity entity key of a user.
func UserKey(userID string) string { return "user:" + userID }

// MerchantKey is the velocity entity key of a merchant.
func MerchantKey(merchantID string) string { return "merchant:" + merchantID }

// WindowSpec names one velocity window size.
type WindowSpec struct {
	Label string        `json:"label"`
	Size  time.Duration `json:"size"`
}

// Window is one live velocity bucket. A window whose ExpiresAt is not after
// the query time is reported with zero Count and Sum.
type Window struct {
	Label     string          `json:"label"`
	Size      time.Duration   `json:"-"`
	Count     int64           `json:"count"`
	Sum       decimal.Decimal `json:"sum"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// Live reports whether the bucket still covers now.
func (w Window) Live(now time.Time) bool {
	return w.ExpiresAt.After(now)
}

// StartsAfter reports whether the bucket opened after t. An event at t
// belongs to an earlier interval and is never counted into it.
func (w Window) StartsAfter(t time.Time, size time.Duration) bool {
	return w.Live(t) && t.Before(w.ExpiresAt.Add(-size))
}

// eventOnly is the window an event sees when it predates the live bucket:
// just itself.
func eventOnly(spec WindowSpec, amount decimal.Decimal, at time.Time) Window {
	return Window{Label: spec.Label, Size: spec.Size, Count: 1, Sum: amount, ExpiresAt: at.Add(spec.Size)}
}

// Outcome is what the pipeline writes back after a transaction is scored.
type Outcome struct {
	TxID       string
	UserID     string
	MerchantID string
	Amount     decimal.Decimal
	Timestamp  time.Time
	Location   *fraud.Location
	DeviceID   string
	Category   string
	RiskScore  float64
	IsFraud    bool
}

// Limits bounds the rings and sets kept on a profile.
type Limits struct {
	Locations  int `yaml:"locations"`
	Devices    int `yaml:"devices"`
	Recent     int `yaml:"recent"`
	Categories int `yaml:"categories"`
}

// DefaultLimits keeps ten locations, twenty devices, ten recent entries
// and sixteen merchant categories.
func DefaultLimits() Limits {
	return Limits{Locations: 10, Devices: 20, Recent: 10, Categories: 16}
}

func (l Limits) orDefault() Limits {
	d := DefaultLimits()
	if l.Locations <= 0 {
		l.Locations = d.Locations
	}
	if l.Devices <= 0 {
		l.Devices = d.Devices
	}
	if l.Recent <= 0 {
		l.Recent = d.Recent
	}
	if l.Categories <= 0 {
		l.Categories = d.Categories
	}
	return l
}

// LocationObservation is one entry of the user's location ring.
type LocationObservation struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Country    string    `json:"country,omitempty"`
	City       string    `json:"city,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// UserProfile aggregates a user's history. Rings hold the most recent
// entries last.
type UserProfile struct {
	UserID            string                `json:"user_id"`
	TransactionCount  int64                 `json:"transaction_count"`
	TotalAmount       decimal.Decimal       `json:"total_amount"`
	MeanAmount        decimal.Decimal       `json:"mean_amount"`
	FraudCount        int64                 `json:"fraud_count"`
	LastTransactionAt time.Time             `json:"last_transaction_at,omitempty"`
	Locations         []LocationObservation `json:"locations,omitempty"`
	HourHistogram     [24]int64             `json:"hour_histogram"`
	Devices           []string              `json:"devices,omitempty"`
	RecentAmounts     []decimal.Decimal     `json:"recent_amounts,omitempty"`
	RecentMerchants   []string              `json:"recent_merchants,omitempty"`
	RecentScores      []float64             `json:"recent_scores,omitempty"`
}

// NewUserProfile returns the empty profile a user starts with.
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{UserID: userID, TotalAmount: decimal.Zero, MeanAmount: decimal.Zero}
}

// Apply folds o into the aggregates.
func (p *UserProfile) Apply(o Outcome, lim Limits) {
	lim = lim.orDefault()

	p.TransactionCount++
	p.TotalAmount = p.TotalAmount.Add(o.Amount)
	p.MeanAmount = incrementalMean(p.MeanAmount, o.Amount, p.TransactionCount)
	if o.IsFraud {
		p.FraudCount++
	}
	if o.Timestamp.After(p.LastTransactionAt) {
		p.LastTransactionAt = o.Timestamp
	}
	p.HourHistogram[o.Timestamp.UTC().Hour()]++

	if o.Location != nil {
		p.Locations = pushRing(p.Locations, LocationObservation{
			Latitude:   o.Location.Latitude,
			Longitude:  o.Location.Longitude,
			Country:    o.Location.Country,
			City:       o.Location.City,
			ObservedAt: o.Timestamp,
		}, lim.Locations)
	}
	if o.DeviceID != "" && !p.KnowsDevice(o.DeviceID) {
		p.Devices = pushRing(p.Devices, o.DeviceID, lim.Devices)
	}
	p.RecentAmounts = pushRing(p.RecentAmounts, o.Amount, lim.Recent)
	p.RecentMerchants = pushRing(p.RecentMerchants, o.MerchantID, lim.Recent)
	p.RecentScores = pushRing(p.RecentScores, o.RiskScore, lim.Recent)
}

// KnowsDevice reports whether id was seen on an earlier transaction.
func (p *UserProfile) KnowsDevice(id string) bool {
	for _, d := range p.Devices {
		if d == id {
			return true
		}
	}
	return false
}

// LastLocation returns the most recent location observation, if any.
func (p *UserProfile) LastLocation() (LocationObservation, bool) {
	if len(p.Locations) == 0 {
		return LocationObservation{}, false
	}
	return p.Locations[len(p.Locations)-1], true
}

// Clone returns a deep copy.
func (p *UserProfile) Clone() *UserProfile {
	cp := *p
	cp.Locations = append([]LocationObservation(nil), p.Locations...)
	cp.Devices = append([]string(nil), p.Devices...)
	cp.RecentAmounts = append([]decimal.Decimal(nil), p.RecentAmounts...)
	cp.RecentMerchants = append([]string(nil), p.RecentMerchants...)
	cp.RecentScores = append([]float64(nil), p.RecentScores...)
	return &cp
}

// MerchantProfile aggregates a merchant's history.
type MerchantProfile struct {
	MerchantID        string          `json:"merchant_id"`
	TransactionCount  int64           `json:"transaction_count"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	MeanAmount        decimal.Decimal `json:"mean_amount"`
	FraudCount        int64           `json:"fraud_count"`
	FraudRate         float64         `json:"fraud_rate"`
	Categories        []string        `json:"categories,omitempty"`
	LastTransactionAt time.Time       `json:"last_transaction_at,omitempty"`
}

// NewMerchantProfile returns the empty profile a merchant starts with.
func NewMerchantProfile(merchantID string) *MerchantProfile {
	return &MerchantProfile{MerchantID: merchantID, TotalAmount: decimal.Zero, MeanAmount: decimal.Zero}
}

// Apply folds o into the aggregates.
func (p *MerchantProfile) Apply(o Outcome, lim Limits) {
	lim = lim.orDefault()

	p.TransactionCount++
	p.TotalAmount = p.TotalAmount.Add(o.Amount)
	p.MeanAmount = incrementalMean(p.MeanAmount, o.Amount, p.TransactionCount)
	if o.IsFraud {
		p.FraudCount++
	}
	p.FraudRate = float64(p.FraudCount) / float64(p.TransactionCount)
	if o.Timestamp.After(p.LastTransactionAt) {
		p.LastTransactionAt = o.Timestamp
	}
	if o.Category != "" && !contains(p.Categories, o.Category) && len(p.Categories) < lim.Categories {
		p.Categories = append(p.Categories, o.Category)
	}
}

// Clone returns a deep copy.
func (p *MerchantProfile) Clone() *MerchantProfile {
	cp := *p
	cp.Categories = append([]string(nil), p.Categories...)
	return &cp
}

func incrementalMean(mean, x decimal.Decimal, n int64) decimal.Decimal {
	return mean.Add(x.Sub(mean).Div(decimal.NewFromInt(n))).Round(8)
}

func pushRing[T any](ring []T, v T, max int) []T {
	ring = append(ring, v)
	if len(ring) > max {
		ring = append(ring[:0:0], ring[len(ring)-max:]...)
	}
	return ring
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
