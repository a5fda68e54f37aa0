package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readResults(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

// TestMetricsParameterMerge: two separate parameter flushes must both
// survive in the document.
func TestMetricsParameterMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	r := NewMetricsRecorder(path, nil)

	require.NoError(t, r.RecordParameters(map[string]any{"lr": 1e-4}))
	require.NoError(t, r.RecordParameters(map[string]any{"bs": 16}))

	doc := readResults(t, path)
	params, ok := doc[parametersKey].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, params, "lr")
	assert.Contains(t, params, "bs")
}

func TestMetricsParameterOverwritePerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	r := NewMetricsRecorder(path, nil)

	require.NoError(t, r.RecordParameters(map[string]any{"lr": 1.0}))
	require.NoError(t, r.RecordParameters(map[string]any{"lr": 2.0}))

	params := readResults(t, path)[parametersKey].(map[string]any)
	assert.Equal(t, 2.0, params["lr"])
}

func TestMetricsListAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	r := NewMetricsRecorder(path, nil)

	require.NoError(t, r.RecordMetrics([]Metric{{Name: "Loss", Value: 3.5}}))
	require.NoError(t, r.RecordMetrics([]Metric{{Name: "Loss", Value: 2.5}, {Name: "Throughput", Value: 100, Units: "seq/s"}}))

	doc := readResults(t, path)
	list, ok := doc[metricsKey].([]any)
	require.True(t, ok)
	require.Len(t, list, 3)

	first := list[0].(map[string]any)
	assert.Equal(t, "Loss", first["MetricName"])
	assert.Equal(t, 3.5, first["MeasuredValue"])
	assert.NotEmpty(t, first["Timestamp"])
}

// TestMetricsNamedEntityRoot: some result files wrap everything in one
// named entity; buckets must merge into the inner mapping, not beside it.
func TestMetricsNamedEntityRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	seed := map[string]any{
		"my-training-job": map[string]any{
			parametersKey: map[string]any{"existing": true},
		},
	}
	raw, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	r := NewMetricsRecorder(path, nil)
	require.NoError(t, r.RecordParameters(map[string]any{"lr": 1e-4}))

	doc := readResults(t, path)
	inner, ok := doc["my-training-job"].(map[string]any)
	require.True(t, ok, "named entity must be preserved")
	params := inner[parametersKey].(map[string]any)
	assert.Contains(t, params, "existing")
	assert.Contains(t, params, "lr")
	assert.NotContains(t, doc, parametersKey)
}

func TestMetricsRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	r := NewMetricsRecorder(path, nil)
	assert.Error(t, r.RecordParameters(map[string]any{"lr": 1e-4}))
}
