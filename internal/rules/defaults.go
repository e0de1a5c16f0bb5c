package rules

// Thresholds are the tunable limits of the default rule set.
type Thresholds struct {
	HighAmount          float64 `yaml:"high_amount"`
	VelocityLimit       int64   `yaml:"velocity_limit"`
	VelocityAmountLimit float64 `yaml:"velocity_amount_limit"`
	LocationRadiusKm    float64 `yaml:"location_radius_km"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighAmount:          10000,
		VelocityLimit:       5,
		VelocityAmountLimit: 5000,
		LocationRadiusKm:    500,
	}
}

// Defaults returns the stock rule set for the given limits.
func Defaults(t Thresholds) []Definition {
	return []Definition{
		{Code: CodeHighAmount, Kind: KindAmountAbove, Severity: 0.3, Threshold: t.HighAmount},
		{Code: CodeVelocity, Kind: KindVelocityCountAbove, Severity: 0.5, Threshold: float64(t.VelocityLimit)},
		{Code: CodeVelocityAmount, Kind: KindVelocitySumAbove, Severity: 0.3, Threshold: t.VelocityAmountLimit},
		{Code: CodeLocationAnomaly, Kind: KindDistanceAbove, Severity: 0.5, Threshold: t.LocationRadiusKm},
		{Code: CodeAmountDeviation, Kind: KindAmountDeviationAbove, Severity: 0.3, Threshold: 3, MinHistory: 5},
		{Code: CodeUnusualTime, Kind: KindNightTime, Severity: 0.2},
		{Code: CodeHighRiskMerchant, Kind: KindMerchantFraudRate, Severity: 0.4, Threshold: 0.5, MinHistory: 10},
		{Code: CodeNewDevice, Kind: KindNewDevice, Severity: 0.2, MinHistory: 1},
		{Code: CodeSuspiciousPattern, Kind: KindBurstPattern, Severity: 0.6, Threshold: 5, MinHistory: 10},
	}
}
