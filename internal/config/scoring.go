package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/riskengine/internal/features"
	"github.com/mbd888/riskengine/internal/fusion"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/rules"
	"github.com/mbd888/riskengine/internal/velocity"
)

// Scoring is the hot-reloadable part of the configuration: windows, rule
// definitions, fusion weights, thresholds and bands.
type Scoring struct {
	Windows        []string           `yaml:"windows"`
	Thresholds     rules.Thresholds   `yaml:"thresholds"`
	AmountRatioCap float64            `yaml:"amount_ratio_cap"`
	Aggregation    rules.Aggregation  `yaml:"aggregation"`
	Rules          []rules.Definition `yaml:"rules"`
	Fusion         fusion.Policy      `yaml:"fusion"`
}

// DefaultScoring returns the built-in settings. Actions are left unset so
// a file that redefines the bands is not held to the default levels.
func DefaultScoring() Scoring {
	policy := fusion.DefaultPolicy()
	policy.Actions = nil
	return Scoring{
		Windows:        append([]string(nil), velocity.DefaultWindows...),
		Thresholds:     rules.DefaultThresholds(),
		AmountRatioCap: features.DefaultParams().AmountRatioCap,
		Aggregation:    rules.CappedSum,
		Fusion:         policy,
	}
}

// LoadScoring starts from the defaults, overlays the YAML file at path when
// path is non-empty, then applies environment overrides.
func LoadScoring(path string) (Scoring, error) {
	s := DefaultScoring()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read scoring file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse scoring file %s: %w", path, err)
		}
	}
	if err := applyScoringEnv(&s); err != nil {
		return s, err
	}
	return s, nil
}

// applyScoringEnv applies RULES_* and MODEL_THRESHOLD. Unlike connection
// settings, malformed values are errors: they change decisions.
func applyScoringEnv(s *Scoring) error {
	floats := []struct {
		key string
		dst *float64
	}{
		{"RULES_HIGH_AMOUNT", &s.Thresholds.HighAmount},
		{"RULES_VELOCITY_AMOUNT", &s.Thresholds.VelocityAmountLimit},
		{"RULES_LOCATION_RADIUS", &s.Thresholds.LocationRadiusKm},
		{"MODEL_THRESHOLD", &s.Fusion.Threshold},
	}
	for _, f := range floats {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = parsed
	}
	if v := os.Getenv("RULES_VELOCITY_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RULES_VELOCITY_LIMIT: %w", err)
		}
		s.Thresholds.VelocityLimit = n
	}
	return nil
}

// Runtime is the compiled, immutable form of Scoring that the engine reads.
type Runtime struct {
	Scoring  Scoring
	Windows  []profile.WindowSpec
	Rules    *rules.Set
	Policy   fusion.Policy
	Features features.Params
	LoadedAt time.Time
}

// Compile validates s and builds a Runtime. Explicit rule definitions
// replace the defaults entirely, so thresholds only shape the defaults.
func (s Scoring) Compile() (*Runtime, error) {
	specs, err := velocity.ParseWindows(s.Windows)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(specs))
	for i, sp := range specs {
		labels[i] = sp.Label
	}

	t := s.Thresholds
	if t.HighAmount <= 0 || t.VelocityLimit <= 0 || t.VelocityAmountLimit <= 0 || t.LocationRadiusKm <= 0 {
		return nil, fmt.Errorf("rule thresholds must be positive")
	}
	if s.AmountRatioCap <= 1 {
		return nil, fmt.Errorf("amount_ratio_cap must exceed 1")
	}

	defs := s.Rules
	if len(defs) == 0 {
		defs = rules.Defaults(t)
	}
	set, err := rules.Compile(defs, labels, s.Aggregation)
	if err != nil {
		return nil, err
	}
	if err := s.Fusion.Validate(); err != nil {
		return nil, err
	}

	return &Runtime{
		Scoring: s,
		Windows: specs,
		Rules:   set,
		Policy:  s.Fusion,
		Features: features.Params{
			VelocityLimit:       t.VelocityLimit,
			VelocityAmountLimit: t.VelocityAmountLimit,
			LocationRadiusKm:    t.LocationRadiusKm,
			AmountRatioCap:      s.AmountRatioCap,
		},
		LoadedAt: time.Now(),
	}, nil
}

// LargestWindow returns the longest configured velocity window.
func (r *Runtime) LargestWindow() time.Duration {
	if len(r.Windows) == 0 {
		return 0
	}
	return r.Windows[len(r.Windows)-1].Size
}
