// Package model wraps the serialized scoring artifact.
//
// The pipeline treats the classifier as opaque: a feature vector goes
// in, a fraud probability comes out. A missing or unreadable artifact
// degrades to a scorer that marks everything legitimate — the service
// must keep consuming the feed either way.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/ctrlaltdelite/fraudwatch/internal/features"
)

// Decision is the binary classification of a transaction.
type Decision string

const (
	DecisionLegitimate Decision = "legitimate"
	DecisionFraudulent Decision = "fraudulent"
)

// FlagValue maps a decision onto the integer the flag endpoint expects.
func (d Decision) FlagValue() int {
	if d == DecisionFraudulent {
		return 1
	}
	return 0
}

// DefaultThreshold is applied when neither the artifact nor the
// configuration specifies one.
const DefaultThreshold = 0.5

// ErrScore is wrapped around per-transaction scoring failures.
var ErrScore = errors.New("model: scoring failed")

// Scorer produces a fraud probability in [0, 1] for a feature vector.
type Scorer interface {
	Score(v features.Vector) (float64, error)
}

// Classify applies the decision threshold. Pure.
func Classify(probability, threshold float64) Decision {
	if probability >= threshold {
		return DecisionFraudulent
	}
	return DecisionLegitimate
}

// NullScorer marks every transaction legitimate. It is the degraded
// mode when no artifact could be loaded.
type NullScorer struct{}

func (NullScorer) Score(features.Vector) (float64, error) { return 0, nil }

// artifact is the on-disk shape of the scoring object: a linear model
// over named features squashed through a sigmoid. The names must be a
// subset of the frozen feature contract.
type artifact struct {
	Type      string             `json:"type"`
	Bias      float64            `json:"bias"`
	Weights   map[string]float64 `json:"weights"`
	Threshold *float64           `json:"threshold,omitempty"`
}

// LinearScorer scores with weights loaded from an artifact file.
type LinearScorer struct {
	bias      float64
	weights   map[string]float64
	threshold float64
}

// LoadFile reads a scoring artifact from disk. The returned threshold is
// the artifact's own if present, DefaultThreshold otherwise.
func LoadFile(path string) (*LinearScorer, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("model: read artifact: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, 0, fmt.Errorf("model: parse artifact %s: %w", path, err)
	}
	if a.Type != "" && a.Type != "logistic" {
		return nil, 0, fmt.Errorf("model: unsupported artifact type %q", a.Type)
	}

	known := make(map[string]bool, len(features.Names()))
	for _, n := range features.Names() {
		known[n] = true
	}
	for name := range a.Weights {
		if !known[name] {
			return nil, 0, fmt.Errorf("model: artifact references unknown feature %q", name)
		}
	}

	threshold := DefaultThreshold
	if a.Threshold != nil {
		threshold = *a.Threshold
	}
	return &LinearScorer{bias: a.Bias, weights: a.Weights, threshold: threshold}, threshold, nil
}

// Score computes sigmoid(bias + w·x).
func (s *LinearScorer) Score(v features.Vector) (float64, error) {
	z := s.bias
	for name, w := range s.weights {
		x, ok := v.Get(name)
		if !ok {
			return 0, fmt.Errorf("%w: vector missing feature %q", ErrScore, name)
		}
		z += w * x
	}
	p := 1 / (1 + math.Exp(-z))
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%w: non-finite probability", ErrScore)
	}
	return p, nil
}
