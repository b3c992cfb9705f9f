package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlaltdelite/fraudwatch/internal/encoding"
	"github.com/ctrlaltdelite/fraudwatch/internal/features"
	"github.com/ctrlaltdelite/fraudwatch/internal/state"
	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func vectorFor(t *testing.T, amt float64) features.Vector {
	t.Helper()
	snap, err := state.NewMemoryStore().Snapshot(context.Background(), state.Refs{})
	require.NoError(t, err)
	tx := &transaction.Transaction{TransNum: "t1", Amount: amt, UnixTime: 1_700_000_000}
	return features.Extract(tx, snap, encoding.Empty())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, DecisionLegitimate, Classify(0.49, 0.5))
	assert.Equal(t, DecisionFraudulent, Classify(0.5, 0.5)) // boundary is fraudulent
	assert.Equal(t, DecisionFraudulent, Classify(0.99, 0.5))
}

func TestFlagValue(t *testing.T) {
	assert.Equal(t, 1, DecisionFraudulent.FlagValue())
	assert.Equal(t, 0, DecisionLegitimate.FlagValue())
}

func TestNullScorer(t *testing.T) {
	p, err := NullScorer{}.Score(vectorFor(t, 10_000))
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)
}

func TestLoadFileAndScore(t *testing.T) {
	path := writeArtifact(t, `{
		"type": "logistic",
		"bias": -4,
		"weights": {"amt": 0.01},
		"threshold": 0.8
	}`)

	scorer, threshold, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, threshold)

	p, err := scorer.Score(vectorFor(t, 50))
	require.NoError(t, err)
	assert.InDelta(t, 0.0293, p, 0.001)

	p, err = scorer.Score(vectorFor(t, 1000))
	require.NoError(t, err)
	assert.InDelta(t, 0.9975, p, 0.001)
}

func TestLoadFileDefaultThreshold(t *testing.T) {
	path := writeArtifact(t, `{"bias": 0, "weights": {}}`)

	_, threshold, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, threshold)
}

func TestLoadFileUnknownFeature(t *testing.T) {
	path := writeArtifact(t, `{"bias": 0, "weights": {"made_up_feature": 1}}`)

	_, _, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "made_up_feature")
}

func TestLoadFileUnsupportedType(t *testing.T) {
	path := writeArtifact(t, `{"type": "xgboost", "bias": 0, "weights": {}}`)

	_, _, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	_, _, err := LoadFile("/does/not/exist.json")
	assert.Error(t, err)
}
