package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/rules"
)

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"negative weight", func(p *Policy) { p.RuleWeight = -1 }},
		{"zero weights", func(p *Policy) { p.RuleWeight, p.ModelWeight = 0, 0 }},
		{"threshold zero", func(p *Policy) { p.Threshold = 0 }},
		{"threshold above one", func(p *Policy) { p.Threshold = 1.1 }},
		{"no bands", func(p *Policy) { p.Bands = nil }},
		{"gap at zero", func(p *Policy) { p.Bands[0].Lower = 0.1 }},
		{"not increasing", func(p *Policy) { p.Bands[2].Lower = 0.4 }},
		{"edge at one", func(p *Policy) { p.Bands[3].Lower = 1 }},
		{"duplicate level", func(p *Policy) { p.Bands[1].Level = fraud.RiskLow }},
		{"action for unknown level", func(p *Policy) { p.Actions["SEVERE"] = fraud.ActionBlock }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPolicy_LevelIsMonotonic(t *testing.T) {
	p := DefaultPolicy()
	rank := map[fraud.RiskLevel]int{fraud.RiskLow: 0, fraud.RiskMedium: 1, fraud.RiskHigh: 2, fraud.RiskCritical: 3}

	prev := -1
	for i := 0; i <= 1000; i++ {
		r := rank[p.Level(float64(i)/1000)]
		assert.GreaterOrEqual(t, r, prev)
		prev = r
	}

	assert.Equal(t, fraud.RiskLow, p.Level(0.399))
	assert.Equal(t, fraud.RiskMedium, p.Level(0.4))
	assert.Equal(t, fraud.RiskHigh, p.Level(0.7))
	assert.Equal(t, fraud.RiskCritical, p.Level(0.9))
	assert.Equal(t, fraud.RiskCritical, p.Level(1))
}

func TestDecide_Blends(t *testing.T) {
	out := rules.Outcome{
		Score:         0.8,
		Flags:         []string{"VELOCITY", "VELOCITY_AMOUNT"},
		Contributions: map[string]float64{"VELOCITY": 0.5, "VELOCITY_AMOUNT": 0.3},
	}
	d := DefaultPolicy().Decide(out, 0.74, true)

	assert.InDelta(t, 0.77, d.RiskScore, 1e-9)
	assert.Equal(t, fraud.RiskHigh, d.Level)
	assert.Equal(t, fraud.ActionBlock, d.Action)
	assert.True(t, d.IsFraud)
	assert.False(t, d.Degraded)
	assert.Equal(t, out.Flags, d.Flags)

	assert.InDelta(t, 0.25, d.Explanation["VELOCITY"], 1e-9)
	assert.InDelta(t, 0.15, d.Explanation["VELOCITY_AMOUNT"], 1e-9)
	assert.InDelta(t, 0.37, d.Explanation[ModelContribution], 1e-9)
	var sum float64
	for _, c := range d.Explanation {
		sum += c
	}
	assert.InDelta(t, d.RiskScore, sum, 1e-3)
}

func TestDecide_LowRisk(t *testing.T) {
	d := DefaultPolicy().Decide(rules.Outcome{Contributions: map[string]float64{}}, 0.0998, true)
	assert.InDelta(t, 0.0499, d.RiskScore, 1e-9)
	assert.Equal(t, fraud.RiskLow, d.Level)
	assert.Equal(t, fraud.ActionAllow, d.Action)
	assert.False(t, d.IsFraud)
	assert.Empty(t, d.Flags)
}

func TestDecide_DegradesWithoutModel(t *testing.T) {
	out := rules.Outcome{Score: 0.5, Flags: []string{"VELOCITY"}, Contributions: map[string]float64{"VELOCITY": 0.5}}
	d := DefaultPolicy().Decide(out, 0.99, false)

	assert.True(t, d.Degraded)
	assert.Equal(t, 0.5, d.RiskScore)
	assert.Zero(t, d.MLScore)
	assert.Equal(t, []string{"VELOCITY", fraud.FlagModelUnavailable}, d.Flags)
	assert.Equal(t, 0.5, d.Explanation["VELOCITY"])
	assert.NotContains(t, d.Explanation, ModelContribution)
	assert.Equal(t, fraud.RiskMedium, d.Level)
	assert.False(t, d.IsFraud)
	assert.Equal(t, []string{"VELOCITY"}, out.Flags, "input flags untouched")
}

func TestDecide_ClampsAndRespectsWeights(t *testing.T) {
	p := DefaultPolicy()
	p.RuleWeight, p.ModelWeight = 3, 1

	d := p.Decide(rules.Outcome{Score: 2}, 5, true)
	assert.Equal(t, 1.0, d.RiskScore)
	assert.Equal(t, fraud.RiskCritical, d.Level)

	d = p.Decide(rules.Outcome{Score: 0.4}, 0, true)
	assert.InDelta(t, 0.3, d.RiskScore, 1e-9)
}

func TestPolicy_ActionFallback(t *testing.T) {
	p := DefaultPolicy()
	p.Actions = map[fraud.RiskLevel]fraud.Action{fraud.RiskHigh: fraud.ActionReview}
	assert.Equal(t, fraud.ActionReview, p.Action(fraud.RiskHigh))
	assert.Equal(t, fraud.ActionBlock, p.Action(fraud.RiskCritical))
	assert.Equal(t, fraud.ActionReview, p.Action("UNKNOWN"))
}
