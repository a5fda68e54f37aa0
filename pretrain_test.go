package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// makePretrainData writes numShards shard files of 8 records each: at batch
// size 2 and 2 accumulation micro-steps, every shard yields exactly 2
// optimizer steps.
func makePretrainData(t *testing.T, numShards int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < numShards; i++ {
		name := fmt.Sprintf("part_%03d_training_data%s", i, shardExt)
		writeTestShard(t, dir, name, 8, 8, 2)
	}
	return dir
}

func pretrainTestConfig(dataDir, outDir string) PretrainConfig {
	return PretrainConfig{
		DataDir:         dataDir,
		OutputDir:       outDir,
		MetricsFile:     filepath.Join(outDir, "results.json"),
		BatchSize:       2,
		MaxSteps:        100,
		StepsThisRun:    4,
		ShardsPerCkpt:   1,
		Seed:            12349,
		LearningRate:    0.01,
		MaxPredLen:      2,
		NumCkptsToKeep:  -1,
		WarmupSteps:     2,
		GradAccumUsteps: 2,
		ResumeStep:      -1,
		PrefetchTimeout: 10 * time.Second,
		NewBackend: func(cfg PretrainConfig) TrainerBackend {
			return NewLocalBackend(LocalBackendConfig{
				LearningRate:    cfg.LearningRate,
				WarmupSteps:     cfg.WarmupSteps,
				MaxSteps:        cfg.MaxSteps,
				GradAccumUsteps: cfg.GradAccumUsteps,
			})
		},
	}
}

func TestRunPretrainingToBudget(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 4), t.TempDir())
	require.NoError(t, runPretraining(cfg, soloCluster()))

	// 2 steps per shard at a budget of 4: two shards consumed, a checkpoint
	// after each.
	snaps, err := scanCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		CheckpointPath(cfg.OutputDir, 2),
		CheckpointPath(cfg.OutputDir, 4),
	}, snaps)

	final, err := LoadSnapshotFile(CheckpointPath(cfg.OutputDir, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, final.GlobalStep)
	assert.Equal(t, 0, final.Epoch)
	assert.Equal(t, 2, final.ShardCursor, "next round to start")
	assert.Len(t, final.ShardList, 4)
	assert.NotNil(t, final.Optimizer)
	assert.NotNil(t, final.Schedule)
}

func TestRunPretrainingWritesMetrics(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 4), t.TempDir())
	require.NoError(t, runPretraining(cfg, soloCluster()))

	doc := readResults(t, cfg.MetricsFile)

	params := doc[parametersKey].(map[string]any)
	assert.Equal(t, 2.0, params["Batch size"])
	assert.Equal(t, 8.0, params["Sequence length"], "derived from the dataset")
	assert.Equal(t, 4.0, params["Total steps"])

	names := map[string]int{}
	for _, raw := range doc[metricsKey].([]any) {
		names[raw.(map[string]any)["MetricName"].(string)]++
	}
	assert.Equal(t, 2, names["Loss"], "one per consumed shard")
	assert.Equal(t, 2, names["Throughput"])
	assert.Equal(t, 1, names["Final loss"])
	assert.Equal(t, 1, names["Time to train"])
	assert.Equal(t, 1, names["Average throughput"])
	assert.Equal(t, 1, names["Peak throughput"])
}

// TestRunPretrainingResumeMatchesContinuousRun: stopping at step 2 and
// resuming to 4 must reproduce the continuous 4-step run exactly — same
// weights, same optimizer state, same shard progress.
func TestRunPretrainingResumeMatchesContinuousRun(t *testing.T) {
	dataDir := makePretrainData(t, 4)

	continuous := pretrainTestConfig(dataDir, t.TempDir())
	require.NoError(t, runPretraining(continuous, soloCluster()))

	resumed := pretrainTestConfig(dataDir, t.TempDir())
	resumed.StepsThisRun = 2
	require.NoError(t, runPretraining(resumed, soloCluster()))

	resumed.StepsThisRun = 4
	resumed.Resume = true
	require.NoError(t, runPretraining(resumed, soloCluster()))

	want, err := LoadSnapshotFile(CheckpointPath(continuous.OutputDir, 4))
	require.NoError(t, err)
	got, err := LoadSnapshotFile(CheckpointPath(resumed.OutputDir, 4))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunPretrainingEpochRollover(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 2), t.TempDir())
	cfg.StepsThisRun = 6 // 2 shards per epoch, 2 steps each: rolls into epoch 1

	require.NoError(t, runPretraining(cfg, soloCluster()))

	final, err := LoadSnapshotFile(CheckpointPath(cfg.OutputDir, 6))
	require.NoError(t, err)
	assert.Equal(t, 1, final.Epoch)
	assert.Equal(t, 1, final.ShardCursor)
}

func TestRunPretrainingRetention(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 4), t.TempDir())
	cfg.NumCkptsToKeep = 1

	require.NoError(t, runPretraining(cfg, soloCluster()))

	snaps, err := scanCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, []string{CheckpointPath(cfg.OutputDir, 4)}, snaps)
}

func TestRunPretrainingMinimalCheckpoint(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 4), t.TempDir())
	cfg.MinimalCkpt = true
	require.NoError(t, runPretraining(cfg, soloCluster()))

	final, err := LoadSnapshotFile(CheckpointPath(cfg.OutputDir, 4))
	require.NoError(t, err)
	assert.Nil(t, final.Optimizer)
	assert.Nil(t, final.Schedule)

	// Resuming from a minimal checkpoint still works, weights only.
	cfg.Resume = true
	cfg.StepsThisRun = 6
	require.NoError(t, runPretraining(cfg, soloCluster()))
}

// TestRunPretrainingPhase2 drives the curriculum transition: resume the
// phase-1 weights against the phase-2 dataset with a rebased step and a
// fresh optimizer.
func TestRunPretrainingPhase2(t *testing.T) {
	outDir := t.TempDir()

	phase1 := pretrainTestConfig(makePretrainData(t, 4), outDir)
	phase1.StepsThisRun = 2
	require.NoError(t, runPretraining(phase1, soloCluster()))

	phase2 := pretrainTestConfig(makePretrainData(t, 4), outDir)
	phase2.StepsThisRun = 2
	phase2.Resume = true
	phase2.Phase2 = true
	phase2.Phase1EndStep = 2
	require.NoError(t, runPretraining(phase2, soloCluster()))

	// 2 in-run steps offset by the phase-1 budget of 2.
	final, err := LoadSnapshotFile(CheckpointPath(outDir, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, final.GlobalStep)
	assert.InDelta(t, 2.0, final.Optimizer["adam.t"][0], 1e-9,
		"phase 2 starts from a fresh optimizer, not the phase-1 moments")
}

func TestRunPretrainingSeqLenMismatch(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 4), t.TempDir())
	cfg.SeqLen = 16 // dataset is tokenized at 8

	err := runPretraining(cfg, soloCluster())
	require.Error(t, err)
	var confErr *ConfigurationError
	assert.True(t, errors.As(err, &confErr))
}

func TestRunPretrainingMissingDataDir(t *testing.T) {
	cfg := pretrainTestConfig(filepath.Join(t.TempDir(), "nope"), t.TempDir())
	err := runPretraining(cfg, soloCluster())
	var confErr *ConfigurationError
	assert.True(t, errors.As(err, &confErr))
}

func TestRunPretrainingTooFewShards(t *testing.T) {
	cfg := pretrainTestConfig(makePretrainData(t, 1), t.TempDir())
	world := 2
	rv := NewLocalRendezvous(world)
	c := &Cluster{WorldSize: world, Rank: 0, rv: rv}

	err := runPretraining(cfg, c)
	var confErr *ConfigurationError
	assert.True(t, errors.As(err, &confErr))
}

// TestPretrainCommandLocalWorkers exercises the CLI entry point with the
// in-process fallback launcher.
func TestPretrainCommandLocalWorkers(t *testing.T) {
	t.Setenv("WORLD_SIZE", "")
	dataDir := makePretrainData(t, 4)
	outDir := t.TempDir()

	err := RunPretrainCommand([]string{
		"--data-dir=" + dataDir,
		"--output-dir=" + outDir,
		"--metrics-file=" + filepath.Join(outDir, "results.json"),
		"--batch-size=2",
		"--max-steps=100",
		"--steps-this-run=4",
		"--grad-accum-usteps=2",
		"--warmup-steps=2",
		"--shards-per-ckpt=1",
		"--num-ckpts-to-keep=-1",
		"--local-workers=2",
	})
	require.NoError(t, err)

	final, err := LoadSnapshotFile(CheckpointPath(outDir, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, final.GlobalStep)

	raw, err := os.ReadFile(filepath.Join(outDir, "results.json"))
	require.NoError(t, err)
	doc := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	params := doc[parametersKey].(map[string]any)
	assert.Equal(t, 2.0, params["World size"])
}

func TestPretrainCommandRejectsBadFlags(t *testing.T) {
	assert.Error(t, RunPretrainCommand([]string{"--no-such-flag"}))
	t.Setenv("WORLD_SIZE", "")
	assert.Error(t, RunPretrainCommand([]string{"--local-workers=0"}))
}
