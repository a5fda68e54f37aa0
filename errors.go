package main

import (
	"fmt"
	"time"
)

// ===========================================================================
// ERROR TAXONOMY
// ===========================================================================
//
// Every failure in the orchestration core is fatal: the recovery story is
// "restart the whole job and resume from the last checkpoint", not in-process
// retries. The types below exist so that callers (and tests) can classify a
// failure with errors.As without parsing messages.
//
// The one deliberately non-fatal case — evicting a checkpoint file that is
// already gone from disk — never surfaces as an error at all.
// ===========================================================================

// ConfigurationError reports a job configuration that can never train:
// missing data directory, no shards, more workers than shards, or a
// user-specified sequence length that does not match the dataset.
// It is always raised before the first training step runs.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// CheckpointNotFoundError reports that the checkpoint path resolved at
// resume time does not exist on disk.
type CheckpointNotFoundError struct {
	Path string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %s does not exist", e.Path)
}

// NoCheckpointsAvailableError reports that a directory scan for the latest
// checkpoint found no checkpoint files at all.
type NoCheckpointsAvailableError struct {
	Dir string
}

func (e *NoCheckpointsAvailableError) Error() string {
	return fmt.Sprintf("no checkpoint files found in %s", e.Dir)
}

// PrefetchTimeoutError reports that the background shard load did not finish
// within the await timeout. A stalled load almost always means the storage
// backend is unavailable, so this is fatal rather than retried.
type PrefetchTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *PrefetchTimeoutError) Error() string {
	return fmt.Sprintf("prefetch of shard %s did not complete within %s", e.Path, e.Timeout)
}

// CollaboratorStepError wraps a failure from the opaque training-step
// collaborator (numerical divergence, backend error). Partial micro-step
// progress on the current shard is lost; there is no micro-step-granularity
// checkpointing.
type CollaboratorStepError struct {
	Err error
}

func (e *CollaboratorStepError) Error() string {
	return "training step failed: " + e.Err.Error()
}

func (e *CollaboratorStepError) Unwrap() error {
	return e.Err
}
