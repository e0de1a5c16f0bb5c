package profile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/riskengine/internal/fraud"
)

func TestUserProfile_RingsAreBounded(t *testing.T) {
	p := NewUserProfile("u1")
	lim := Limits{Locations: 3, Devices: 2, Recent: 4}

	for i := 0; i < 10; i++ {
		p.Apply(Outcome{
			TxID:       fmt.Sprintf("tx_%d", i),
			MerchantID: fmt.Sprintf("m%d", i),
			Amount:     amt("10"),
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			Location:   &fraud.Location{Latitude: float64(i), Longitude: 0},
			DeviceID:   fmt.Sprintf("dev_%d", i),
			RiskScore:  float64(i) / 10,
		}, lim)
	}

	assert.Len(t, p.Locations, 3)
	last, ok := p.LastLocation()
	assert.True(t, ok)
	assert.Equal(t, 9.0, last.Latitude)
	assert.Equal(t, []string{"dev_8", "dev_9"}, p.Devices)
	assert.Equal(t, []string{"m6", "m7", "m8", "m9"}, p.RecentMerchants)
	assert.Len(t, p.RecentAmounts, 4)
	assert.Equal(t, int64(10), p.TransactionCount)
}

func TestUserProfile_CloneIsDeep(t *testing.T) {
	p := NewUserProfile("u1")
	p.Apply(Outcome{TxID: "tx", MerchantID: "m", Amount: amt("1"), Timestamp: t0, DeviceID: "d"}, DefaultLimits())

	cp := p.Clone()
	cp.Devices[0] = "other"
	cp.HourHistogram[14] = 99

	assert.Equal(t, "d", p.Devices[0])
	assert.Equal(t, int64(1), p.HourHistogram[14])
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name   string
		count  int64
		frauds int64
		want   fraud.RiskLevel
	}{
		{"no history", 0, 0, fraud.RiskLow},
		{"clean", 100, 1, fraud.RiskLow},
		{"medium by rate", 30, 2, fraud.RiskMedium},
		{"medium by count", 1000, 3, fraud.RiskMedium},
		{"high by rate", 10, 2, fraud.RiskHigh},
		{"high by count", 10000, 6, fraud.RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &UserProfile{TransactionCount: tt.count, FraudCount: tt.frauds}
			assert.Equal(t, tt.want, u.Assess().RiskLevel)
			assert.NotEmpty(t, u.Assess().Recommendation)

			m := &MerchantProfile{TransactionCount: tt.count, FraudCount: tt.frauds}
			if tt.count > 0 {
				m.FraudRate = float64(tt.frauds) / float64(tt.count)
			}
			assert.Equal(t, tt.want, m.Assess().RiskLevel)
		})
	}

	u := &UserProfile{RecentScores: []float64{0.2, 0.4}}
	assert.InDelta(t, 0.3, u.Assess().AverageRecentScore, 1e-9)
}
