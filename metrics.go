package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ===========================================================================
// METRICS RECORDER
// ===========================================================================
//
// Structured metric and parameter records accumulate into a single shared
// results document (plain JSON). Every flush is a read-modify-write merge:
// re-running a job against an existing results file extends its history
// instead of clobbering it.
//
// Concurrent writers are not supported — only the coordinating (root) worker
// ever records anything, so there is no locking here.
// ===========================================================================

// Metric is one measured training quantity destined for the results file.
type Metric struct {
	Name           string
	Value          float64
	Units          string
	AdditionalData map[string]any
}

// metricsKey and parametersKey are the two buckets in the results document:
// "metrics" is an append-only list, "parameters" a last-write-wins mapping.
const (
	metricsKey    = "metrics"
	parametersKey = "parameters"
)

// MetricsRecorder persists metrics and parameters to a JSON results file.
type MetricsRecorder struct {
	path string
	log  logFieldser
	now  func() time.Time
}

// logFieldser is the slice of *logrus.Entry the recorder needs; declared as
// an interface so tests can run without configuring logging.
type logFieldser interface {
	Infof(format string, args ...interface{})
}

// NewMetricsRecorder creates a recorder writing to the given results file.
// The file does not need to exist yet.
func NewMetricsRecorder(path string, log logFieldser) *MetricsRecorder {
	return &MetricsRecorder{path: path, log: log, now: time.Now}
}

// RecordMetrics appends measured metrics to the "metrics" list.
func (r *MetricsRecorder) RecordMetrics(metrics []Metric) error {
	data := make([]any, 0, len(metrics))
	for _, m := range metrics {
		data = append(data, map[string]any{
			"MetricName":     m.Name,
			"MeasuredValue":  m.Value,
			"Units":          m.Units,
			"Timestamp":      r.now().Format(time.RFC3339Nano),
			"AdditionalData": m.AdditionalData,
		})
	}
	return r.update(metricsKey, data)
}

// RecordParameters merges configuration parameters into the "parameters"
// mapping. Existing keys are overwritten, unrelated keys are kept.
func (r *MetricsRecorder) RecordParameters(params map[string]any) error {
	return r.update(parametersKey, params)
}

// update is the single read-modify-write funnel for both buckets.
func (r *MetricsRecorder) update(key string, data any) error {
	doc := map[string]any{}
	if raw, err := os.ReadFile(r.path); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("results file %s is not valid JSON: %w", r.path, err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read results file: %w", err)
	}

	if r.log != nil {
		r.log.Infof("writing %s data to results file %s", key, r.path)
	}

	merge(resultsTarget(doc), key, data)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal results document: %w", err)
	}
	if err := os.WriteFile(r.path, out, 0o644); err != nil {
		return fmt.Errorf("write results file: %w", err)
	}
	return nil
}

// resultsTarget returns the mapping the buckets live in. Some result files
// wrap everything in a single named entity (e.g. {"job-name": {...}}); in
// that case the buckets are merged into the inner mapping.
func resultsTarget(doc map[string]any) map[string]any {
	if len(doc) != 1 {
		return doc
	}
	for k, v := range doc {
		if k == metricsKey || k == parametersKey {
			return doc
		}
		if inner, ok := v.(map[string]any); ok {
			return inner
		}
	}
	return doc
}

// merge extends a bucket in place: lists append, mappings update, anything
// absent is set.
func merge(target map[string]any, key string, data any) {
	current, ok := target[key]
	if !ok || current == nil {
		target[key] = data
		return
	}
	switch cur := current.(type) {
	case []any:
		if add, ok := data.([]any); ok {
			target[key] = append(cur, add...)
			return
		}
	case map[string]any:
		if add, ok := data.(map[string]any); ok {
			for k, v := range add {
				cur[k] = v
			}
			return
		}
	}
	target[key] = data
}
