// Package features turns a transaction plus profile and velocity state into
// normalized risk factors. Everything here is pure.
package features

import (
	"math"
	"time"

	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/velocity"
)

// Fixed extraction constants.
const (
	TimeToleranceHours   = 6.0
	MinTimeHistory       = 3
	FamiliarRadiusKm     = 50.0
	ImpossibleSpeedKmh   = 1000.0
	SuspiciousSpeedKmh   = 500.0
	suspiciousTravelRisk = 0.8
	minTravelInterval    = time.Minute
	nightStartHour       = 22 // hours after this are night
	nightEndHour         = 6  // hours before this are night
	hoppingMinCount      = 3
)

// FactorNames labels Vector.Values in order.
var FactorNames = []string{"amount_factor", "velocity_factor", "location_factor", "time_factor"}

// Params are the tunable normalization limits.
type Params struct {
	VelocityLimit       int64
	VelocityAmountLimit float64
	LocationRadiusKm    float64
	AmountRatioCap      float64
}

// DefaultParams mirrors the default rule thresholds.
func DefaultParams() Params {
	return Params{
		VelocityLimit:       5,
		VelocityAmountLimit: 5000,
		LocationRadiusKm:    500,
		AmountRatioCap:      10,
	}
}

// Input is everything extraction reads. Profiles are the state before this
// transaction; velocity snapshots already include it.
type Input struct {
	Tx               *fraud.Transaction
	User             *profile.UserProfile
	Merchant         *profile.MerchantProfile
	UserVelocity     velocity.Snapshot
	MerchantVelocity velocity.Snapshot
}

// Vector is the per-transaction feature set. The four factors are in [0,1];
// the rest are raw signals used by rules and explanations.
type Vector struct {
	AmountFactor   float64 `json:"amount_factor"`
	VelocityFactor float64 `json:"velocity_factor"`
	LocationFactor float64 `json:"location_factor"`
	TimeFactor     float64 `json:"time_factor"`

	Amount         float64 `json:"amount"`
	AmountRatio    float64 `json:"amount_ratio"`
	UserTxCount    int64   `json:"user_tx_count"`
	UserMeanAmount float64 `json:"user_mean_amount"`
	HoursSinceLast float64 `json:"hours_since_last"`

	HasLocation    bool    `json:"has_location"`
	DistanceKm     float64 `json:"distance_km"`
	TravelSpeedKmh float64 `json:"travel_speed_kmh"`

	Hour          int     `json:"hour"`
	Weekday       int     `json:"weekday"`
	IsWeekend     bool    `json:"is_weekend"`
	IsNight       bool    `json:"is_night"`
	HourDeviation float64 `json:"hour_deviation"`

	HasDevice bool `json:"has_device"`
	NewDevice bool `json:"new_device"`

	MerchantTxCount   int64   `json:"merchant_tx_count"`
	MerchantFraudRate float64 `json:"merchant_fraud_rate"`

	RecentMeanAmount float64 `json:"recent_mean_amount"`
	MerchantHopping  bool    `json:"merchant_hopping"`

	UserVelocity     velocity.Snapshot `json:"user_velocity"`
	MerchantVelocity velocity.Snapshot `json:"merchant_velocity"`
}

// Values returns the factor vector handed to the anomaly model, ordered
// as FactorNames.
func (v Vector) Values() []float64 {
	return []float64{v.AmountFactor, v.VelocityFactor, v.LocationFactor, v.TimeFactor}
}

// Extract computes the feature vector. Missing optional data yields the
// neutral value 0 for the affected factor.
func Extract(in Input, p Params) Vector {
	tx := in.Tx
	user := in.User
	if user == nil {
		user = profile.NewUserProfile(tx.UserID)
	}
	merchant := in.Merchant
	if merchant == nil {
		merchant = profile.NewMerchantProfile(tx.MerchantID)
	}

	amount, _ := tx.Amount.Float64()
	ts := tx.Timestamp.UTC()
	v := Vector{
		Amount:            amount,
		UserTxCount:       user.TransactionCount,
		HoursSinceLast:    -1,
		Hour:              ts.Hour(),
		Weekday:           int(ts.Weekday()),
		IsWeekend:         ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday,
		IsNight:           ts.Hour() < nightEndHour || ts.Hour() > nightStartHour,
		HasDevice:         tx.DeviceID != "",
		MerchantTxCount:   merchant.TransactionCount,
		MerchantFraudRate: merchant.FraudRate,
		UserVelocity:      in.UserVelocity,
		MerchantVelocity:  in.MerchantVelocity,
	}
	v.UserMeanAmount, _ = user.MeanAmount.Float64()
	if !user.LastTransactionAt.IsZero() {
		v.HoursSinceLast = ts.Sub(user.LastTransactionAt).Hours()
	}
	v.NewDevice = v.HasDevice && user.TransactionCount > 0 && !user.KnowsDevice(tx.DeviceID)

	v.AmountRatio, v.AmountFactor = amountFactor(amount, v.UserMeanAmount, user.TransactionCount, p.AmountRatioCap)
	v.VelocityFactor = velocityFactor(in.UserVelocity.Shortest(), p)
	v.HasLocation = tx.Location != nil
	if v.HasLocation {
		v.DistanceKm, v.TravelSpeedKmh, v.LocationFactor = locationFactor(tx, user, p.LocationRadiusKm)
	}
	v.HourDeviation, v.TimeFactor = timeFactor(ts.Hour(), user)

	v.RecentMeanAmount = recentMean(user)
	v.MerchantHopping = merchantHopping(tx.MerchantID, user.RecentMerchants, in.UserVelocity.Shortest().Count)
	return v
}

func amountFactor(amount, mean float64, history int64, ratioCap float64) (ratio, factor float64) {
	if history == 0 || mean <= 0 {
		return 0, 0
	}
	ratio = amount / mean
	if ratioCap <= 1 {
		ratioCap = 10
	}
	return ratio, clamp01((ratio - 1) / (ratioCap - 1))
}

func velocityFactor(w profile.Window, p Params) float64 {
	var f float64
	if p.VelocityLimit > 0 {
		f = float64(w.Count) / float64(p.VelocityLimit)
	}
	if p.VelocityAmountLimit > 0 {
		sum, _ := w.Sum.Float64()
		f = math.Max(f, sum/p.VelocityAmountLimit)
	}
	return clamp01(f)
}

// locationFactor measures distance from the user's most frequent recent
// location cell and raises it for physically implausible travel since the
// last observation.
func locationFactor(tx *fraud.Transaction, user *profile.UserProfile, radiusKm float64) (distance, speed, factor float64) {
	home, ok := frequentLocation(user.Locations)
	if !ok {
		return 0, 0, 0
	}
	lat, lon := tx.Location.Latitude, tx.Location.Longitude
	distance = HaversineKm(home.Latitude, home.Longitude, lat, lon)
	if distance >= FamiliarRadiusKm && radiusKm > 0 {
		factor = clamp01(distance / radiusKm)
	}

	if last, ok := user.LastLocation(); ok {
		hop := HaversineKm(last.Latitude, last.Longitude, lat, lon)
		if hop >= FamiliarRadiusKm {
			elapsed := tx.Timestamp.Sub(last.ObservedAt)
			if elapsed < minTravelInterval {
				elapsed = minTravelInterval
			}
			speed = hop / elapsed.Hours()
			switch {
			case speed > ImpossibleSpeedKmh:
				factor = 1
			case speed > SuspiciousSpeedKmh:
				factor = math.Max(factor, suspiciousTravelRisk)
			}
		}
	}
	return distance, speed, factor
}

// frequentLocation picks the most common grid cell among observations,
// preferring the most recent cell on ties, and returns its latest point.
func frequentLocation(locs []profile.LocationObservation) (profile.LocationObservation, bool) {
	if len(locs) == 0 {
		return profile.LocationObservation{}, false
	}
	counts := make(map[cell]int, len(locs))
	latest := make(map[cell]profile.LocationObservation, len(locs))
	for _, l := range locs {
		c := cellOf(l.Latitude, l.Longitude)
		counts[c]++
		latest[c] = l
	}
	var best profile.LocationObservation
	bestCount := 0
	for i := len(locs) - 1; i >= 0; i-- {
		c := cellOf(locs[i].Latitude, locs[i].Longitude)
		if counts[c] > bestCount {
			bestCount = counts[c]
			best = latest[c]
		}
	}
	return best, true
}

// timeFactor is the circular distance of hour from the user's modal hour.
func timeFactor(hour int, user *profile.UserProfile) (deviation, factor float64) {
	if user.TransactionCount < MinTimeHistory {
		return 0, 0
	}
	mode, best := 0, int64(-1)
	for h, n := range user.HourHistogram {
		if n > best {
			mode, best = h, n
		}
	}
	d := math.Abs(float64(hour - mode))
	if d > 12 {
		d = 24 - d
	}
	return d, clamp01(d / TimeToleranceHours)
}

func recentMean(user *profile.UserProfile) float64 {
	if len(user.RecentAmounts) == 0 {
		return 0
	}
	var sum float64
	for _, a := range user.RecentAmounts {
		f, _ := a.Float64()
		sum += f
	}
	return sum / float64(len(user.RecentAmounts))
}

// merchantHopping reports a burst where every transaction in the shortest
// window went to a different merchant.
func merchantHopping(current string, recent []string, burst int64) bool {
	if burst <= hoppingMinCount {
		return false
	}
	prior := int(burst - 1)
	if prior > len(recent) {
		return false
	}
	seen := map[string]bool{current: true}
	for _, m := range recent[len(recent)-prior:] {
		if seen[m] {
			return false
		}
		seen[m] = true
	}
	return true
}

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
