package encoding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encodings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileLoader(t *testing.T) {
	path := writeTable(t, `{
		"merchant": {"Acme Corp": 0.0156, "Globex": 0.21},
		"state": {"TX": 0.004},
		"_global": {"fraud_mean": 0.0031}
	}`)

	c, err := New(context.Background(), FileLoader{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 0.0156, c.Encode("merchant", "Acme Corp"))
	assert.Equal(t, 0.004, c.Encode("state", "TX"))
	assert.Equal(t, 0.0031, c.GlobalRate())
	assert.Equal(t, 3, c.Len())

	// Unseen value and unseen feature both resolve to the global mean.
	assert.Equal(t, 0.0031, c.Encode("merchant", "Never Seen LLC"))
	assert.Equal(t, 0.0031, c.Encode("city", "Nowhere"))
}

func TestFileLoaderNoGlobalRow(t *testing.T) {
	path := writeTable(t, `{"merchant": {"Acme": 0.5}}`)

	c, err := New(context.Background(), FileLoader{Path: path})
	require.NoError(t, err)
	assert.Equal(t, DefaultGlobalRate, c.GlobalRate())
}

func TestFileLoaderMissingFile(t *testing.T) {
	_, err := New(context.Background(), FileLoader{Path: "/does/not/exist.json"})
	assert.Error(t, err)
}

func TestFileLoaderBadJSON(t *testing.T) {
	path := writeTable(t, `{"merchant": "not a map"}`)
	_, err := New(context.Background(), FileLoader{Path: path})
	assert.Error(t, err)
}

func TestEmpty(t *testing.T) {
	c := Empty()
	assert.Equal(t, DefaultGlobalRate, c.Encode("merchant", "anything"))
	assert.Equal(t, 0, c.Len())
	assert.NoError(t, c.Reload(context.Background()))
}

type stubLoader struct {
	maps   map[string]map[string]float64
	global float64
	err    error
}

func (l *stubLoader) Load(context.Context) (map[string]map[string]float64, float64, error) {
	return l.maps, l.global, l.err
}

func TestReloadKeepsSnapshotOnError(t *testing.T) {
	loader := &stubLoader{
		maps:   map[string]map[string]float64{"merchant": {"Acme": 0.7}},
		global: 0.01,
	}
	c, err := New(context.Background(), loader)
	require.NoError(t, err)
	require.Equal(t, 0.7, c.Encode("merchant", "Acme"))

	loader.err = errors.New("backend down")
	assert.Error(t, c.Reload(context.Background()))

	// The previous table stays in place.
	assert.Equal(t, 0.7, c.Encode("merchant", "Acme"))
	assert.Equal(t, 0.01, c.GlobalRate())
}
