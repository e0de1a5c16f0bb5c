package model

import (
	"context"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Logistic scores sigmoid(bias + w·x). Weights follow the feature order
// amount, velocity, location, time.
type Logistic struct {
	Bias    float64   `yaml:"bias" json:"bias"`
	Weights []float64 `yaml:"weights" json:"weights"`
}

// DefaultLogistic is calibrated so that a quiet transaction scores near 0.1
// and a saturated velocity signal alone lands near 0.73.
func DefaultLogistic() *Logistic {
	return &Logistic{Bias: -3, Weights: []float64{2, 4, 3, 1}}
}

// LoadLogistic reads weights from a YAML or JSON artifact.
func LoadLogistic(path string) (*Logistic, error) {
	var l Logistic
	if err := loadArtifact(path, &l); err != nil {
		return nil, err
	}
	if len(l.Weights) == 0 {
		return nil, fmt.Errorf("model: %s has no weights", path)
	}
	return &l, nil
}

func (l *Logistic) Name() string { return TypeLogistic }

func (l *Logistic) Score(ctx context.Context, x []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(x) != len(l.Weights) {
		return 0, fmt.Errorf("model: logistic expects %d features, got %d", len(l.Weights), len(x))
	}
	z := l.Bias
	for i, w := range l.Weights {
		z += w * x[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Mean scores the weighted mean of the factors.
type Mean struct {
	Weights []float64 `yaml:"weights" json:"weights"`
}

// DefaultMean weighs velocity and location highest.
func DefaultMean() *Mean {
	return &Mean{Weights: []float64{0.25, 0.35, 0.3, 0.1}}
}

// LoadMean reads weights from a YAML or JSON artifact.
func LoadMean(path string) (*Mean, error) {
	var m Mean
	if err := loadArtifact(path, &m); err != nil {
		return nil, err
	}
	var total float64
	for _, w := range m.Weights {
		if w < 0 {
			return nil, fmt.Errorf("model: %s has a negative weight", path)
		}
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("model: %s has no positive weights", path)
	}
	return &m, nil
}

func (m *Mean) Name() string { return TypeMean }

func (m *Mean) Score(ctx context.Context, x []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(x) != len(m.Weights) {
		return 0, fmt.Errorf("model: mean expects %d features, got %d", len(m.Weights), len(x))
	}
	var sum, total float64
	for i, w := range m.Weights {
		sum += w * x[i]
		total += w
	}
	return sum / total, nil
}

// Constant always returns Value.
type Constant struct {
	Value float64
}

func (c Constant) Name() string { return TypeConstant }

func (c Constant) Score(ctx context.Context, _ []float64) (float64, error) {
	return c.Value, ctx.Err()
}

// loadArtifact decodes YAML, which also accepts JSON documents.
func loadArtifact(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("model: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("model: parse %s: %w", path, err)
	}
	return nil
}
