// Package model defines the anomaly-scoring capability the risk engine
// consumes and the built-in scorer variants.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when a scorer fails, times out, or its circuit
// is open. Callers degrade to rules-only scoring.
var ErrUnavailable = errors.New("model: scorer unavailable")

// Scorer maps a feature vector to an anomaly score in [0,1].
type Scorer interface {
	Name() string
	Score(ctx context.Context, features []float64) (float64, error)
}

// Scorer types selectable from configuration.
const (
	TypeLogistic = "logistic"
	TypeMean     = "mean"
	TypeRemote   = "remote"
	TypeConstant = "constant"
)

// Config selects and parameterizes a scorer.
type Config struct {
	Type string
	// Path is an optional weights artifact for logistic and mean scorers.
	Path string
	// URL and Secret configure the remote scorer.
	URL    string
	Secret string
	// Constant is the fixed score for the constant scorer.
	Constant float64
	// Timeout bounds remote HTTP calls; Guarded applies its own deadline.
	Timeout time.Duration
}

// New builds the scorer described by cfg.
func New(cfg Config) (Scorer, error) {
	switch cfg.Type {
	case "", TypeLogistic:
		if cfg.Path == "" {
			return DefaultLogistic(), nil
		}
		return LoadLogistic(cfg.Path)
	case TypeMean:
		if cfg.Path == "" {
			return DefaultMean(), nil
		}
		return LoadMean(cfg.Path)
	case TypeRemote:
		if cfg.URL == "" {
			return nil, errors.New("model: remote scorer needs a URL")
		}
		return NewRemote(cfg.URL, cfg.Secret, cfg.Timeout), nil
	case TypeConstant:
		if cfg.Constant < 0 || cfg.Constant > 1 {
			return nil, fmt.Errorf("model: constant score %v outside [0, 1]", cfg.Constant)
		}
		return Constant{Value: cfg.Constant}, nil
	default:
		return nil, fmt.Errorf("model: unknown scorer type %q", cfg.Type)
	}
}
