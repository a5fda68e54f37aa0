package main

import (
	"math"
	"os"
	"path/filepath"
	"time"
)

// ===========================================================================
// PRETRAINING ORCHESTRATION LOOP
// ===========================================================================
//
// WHAT'S GOING ON HERE
//
// Every worker runs this loop independently over its own shard partition:
//
//	resume plan → (flow-controlled) checkpoint load → shard list for the
//	epoch → per round: prefetch shard N+1 in the background while the
//	accumulation controller consumes shard N → shard-end metrics and
//	checkpoint on cadence (root only) → next round / next epoch
//
// The loop guarantees:
//   - exactly-once-per-shard progress per worker per epoch pass, stable
//     across restarts (the shard order is derived deterministically from
//     the epoch, and mid-epoch progress is recorded in checkpoints);
//   - bounded host memory (one prefetch in flight per worker, checkpoint
//     loads staggered across the world in fixed-size rank batches);
//   - optimizer/schedule state consistent with the counted step across
//     restarts and across the two-phase sequence-length curriculum.
//
// Everything numerical is behind TrainerBackend; this file is pure control
// flow.
// ===========================================================================

// PretrainConfig carries the full CLI surface of one pretraining run.
type PretrainConfig struct {
	DataDir     string
	OutputDir   string
	MetricsFile string

	BatchSize       int
	MaxSteps        int
	StepsThisRun    int // early-exit budget; defaults to MaxSteps
	ShardsPerCkpt   int
	Seed            int64
	LearningRate    float64
	SeqLen          int // 0 derives from the dataset
	MaxPredLen      int
	NumCkptsToKeep  int // -1 keeps all
	WarmupSteps     int
	GradAccumUsteps int
	MinimalCkpt     bool
	PrintGradNorm   bool

	Resume        bool
	ResumePath    string
	ResumeStep    int
	Phase1EndStep int
	Phase2        bool

	PrefetchTimeout time.Duration

	// NewBackend constructs the opaque training collaborator for one
	// worker. Tests and alternative runtimes substitute their own.
	NewBackend func(cfg PretrainConfig) TrainerBackend
}

// runPretraining executes the orchestration loop for one worker until the
// step budget is exhausted. Fatal errors terminate the worker; there are no
// in-process retries anywhere.
func runPretraining(cfg PretrainConfig, c *Cluster) error {
	entry := loggerForWorker(c.Rank, c.WorldSize)

	if info, err := os.Stat(cfg.DataDir); err != nil || !info.IsDir() {
		return configErrorf("data directory %s does not exist", cfg.DataDir)
	}
	if c.IsRoot() {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return configErrorf("cannot create output directory %s: %v", cfg.OutputDir, err)
		}
	}

	backend := cfg.NewBackend(cfg)

	plan, err := PlanResume(ResumeOptions{
		Resume:        cfg.Resume,
		Path:          cfg.ResumePath,
		Step:          cfg.ResumeStep,
		Phase2:        cfg.Phase2,
		Phase1EndStep: cfg.Phase1EndStep,
		OutputDir:     cfg.OutputDir,
	}, c)
	if err != nil {
		return err
	}
	if !plan.Fresh {
		entry.Infof("resuming from checkpoint %s at step %d", plan.Path, plan.GlobalStep)
		if err := backend.LoadStateDict(plan.Snapshot.Model); err != nil {
			return err
		}
		if plan.LoadOptimizerState {
			if err := backend.LoadOptimizerStateDict(plan.Snapshot.Optimizer); err != nil {
				return err
			}
			if plan.Snapshot.Schedule != nil {
				if err := backend.LoadScheduleStateDict(plan.Snapshot.Schedule); err != nil {
					return err
				}
			}
		}
	}

	phaseOffset := 0
	if cfg.Phase2 {
		phaseOffset = cfg.Phase1EndStep
	}

	// Host-side I/O (metrics, checkpoints, progress logging) is the root
	// worker's job alone.
	var ckpts *CheckpointManager
	var recorder *MetricsRecorder
	var tp *Throughput
	if c.IsRoot() {
		ckpts, err = NewCheckpointManager(cfg.OutputDir, cfg.NumCkptsToKeep, phaseOffset, entry)
		if err != nil {
			return err
		}
		recorder = NewMetricsRecorder(cfg.MetricsFile, entry)
		tp = NewThroughput(cfg.BatchSize, c.WorldSize, cfg.GradAccumUsteps, defaultThroughputWindow)
		if err := recorder.RecordParameters(map[string]any{
			"World size":                       c.WorldSize,
			"Data parallel degree":             c.WorldSize,
			"Batch size":                       cfg.BatchSize,
			"Total steps":                      cfg.StepsThisRun,
			"Seed":                             cfg.Seed,
			"Learning rate":                    cfg.LearningRate,
			"Gradient accumulation microsteps": cfg.GradAccumUsteps,
			"Warmup steps":                     cfg.WarmupSteps,
			"Shards per checkpoint":            cfg.ShardsPerCkpt,
			"Dataset":                          filepath.Base(filepath.Clean(cfg.DataDir)),
		}); err != nil {
			return err
		}
	}

	var throughputs []float64
	onStep := func(ev StepEvent) {
		if !c.IsRoot() {
			return
		}
		th := tp.Sample()
		throughputs = append(throughputs, th)
		logTrainStep(entry, ev, th)
	}

	ctl := NewAccumController(backend, cfg.GradAccumUsteps, cfg.StepsThisRun,
		cfg.PrintGradNorm, Position{Epoch: plan.Epoch, GlobalStep: plan.GlobalStep}, onStep)

	prefetcher := NewPrefetcher(LoadShardDataset)
	defer prefetcher.Close()

	workerSeed := cfg.Seed + int64(c.Rank)
	trainStart := time.Now()
	epoch := plan.Epoch
	reuseRecorded := !plan.Fresh && plan.ReuseShardList
	seqLenChecked := false

	for {
		var files []string
		var cursor int
		if reuseRecorded {
			// First traversal after a resume: the recorded order and
			// cursor, verbatim.
			reuseRecorded = false
			files, cursor = plan.ShardList, plan.ShardCursor
			if cursor >= len(files) {
				// Checkpoint was taken at an epoch boundary.
				epoch++
				continue
			}
		} else {
			files, err = DiscoverShards(cfg.DataDir, epoch)
			if err != nil {
				return err
			}
			cursor = 0
		}
		if err := ValidateShardCount(len(files), c.WorldSize); err != nil {
			return err
		}

		current, err := LoadShardDataset(ShardForRound(files, cursor, c.WorldSize, c.Rank))
		if err != nil {
			return err
		}
		if !seqLenChecked {
			seqLenChecked = true
			if cfg.SeqLen > 0 && cfg.SeqLen != current.SequenceLength() {
				return configErrorf(
					"user-specified sequence length (%d) does not match that of the pre-tokenized dataset (%d)",
					cfg.SeqLen, current.SequenceLength())
			}
			if c.IsRoot() {
				if err := recorder.RecordParameters(map[string]any{
					"Sequence length": current.SequenceLength(),
				}); err != nil {
					return err
				}
			}
		}

		for round := cursor; round < len(files); round++ {
			// Keep the next shard's materialization in flight while this
			// one is being consumed. At the epoch boundary the next order
			// is not known yet, so the first shard of the next epoch loads
			// synchronously instead.
			var next *LoadHandle
			if round+1 < len(files) {
				next = prefetcher.Begin(ShardForRound(files, round+1, c.WorldSize, c.Rank))
			}
			if c.IsRoot() {
				entry.Infof("epoch %d file index %d begin", epoch, round)
			}
			entry.Debugf("working on shard %s", current.Path)

			loader := current.Batches(cfg.BatchSize, workerSeed+int64(epoch)*1_000_000+int64(round))
			lastLoss, err := ctl.RunShard(epoch, round, loader)
			if err != nil {
				return err
			}
			consumed := round + 1

			if c.IsRoot() {
				additional := map[string]any{
					"Epoch":       epoch,
					"Global step": ctl.Position().GlobalStep,
					"Microstep":   ctl.Position().MicroStep,
					"File index":  round,
				}
				lastThroughput := 0.0
				if len(throughputs) > 0 {
					lastThroughput = throughputs[len(throughputs)-1]
				}
				if err := recorder.RecordMetrics([]Metric{
					{Name: "Loss", Value: lastLoss, AdditionalData: additional},
					{Name: "Throughput", Value: lastThroughput, Units: "seq/s", AdditionalData: additional},
				}); err != nil {
					return err
				}

				if consumed%cfg.ShardsPerCkpt == 0 || ctl.Stopped() {
					entry.Info("checkpointing")
					snap := buildSnapshot(backend, ctl.Position(), epoch, consumed, files, cfg.MinimalCkpt)
					path, err := ckpts.Save(snap)
					if err != nil {
						return err
					}
					checkpointsSavedTotal.Inc()
					entry.Infof("checkpoint written to %s", path)
				}
			}

			if ctl.Stopped() {
				if c.IsRoot() {
					if err := recordFinalMetrics(recorder, ctl.Position(), lastLoss,
						time.Since(trainStart), throughputs); err != nil {
						return err
					}
				}
				return nil
			}

			if next != nil {
				current, err = next.Await(cfg.PrefetchTimeout)
				if err != nil {
					return err
				}
			}
		}
		epoch++
	}
}

// buildSnapshot assembles the checkpoint payload for the current position.
// cursor is the next round to start; cursor == len(files) marks a completed
// epoch pass.
func buildSnapshot(backend TrainerBackend, pos Position, epoch, cursor int,
	files []string, minimal bool) *Snapshot {
	snap := &Snapshot{
		GlobalStep:  pos.GlobalStep,
		Epoch:       epoch,
		ShardCursor: cursor,
		ShardList:   files,
		Model:       backend.StateDict(),
	}
	if !minimal {
		snap.Optimizer = backend.OptimizerStateDict()
		snap.Schedule = backend.ScheduleStateDict()
	}
	return snap
}

// recordFinalMetrics writes the aggregate run statistics once the step
// budget is reached.
func recordFinalMetrics(recorder *MetricsRecorder, pos Position, finalLoss float64,
	elapsed time.Duration, throughputs []float64) error {
	additional := map[string]any{
		"Epoch":       pos.Epoch,
		"Global step": pos.GlobalStep,
		"Microstep":   pos.MicroStep,
	}
	metrics := []Metric{
		{Name: "Final loss", Value: finalLoss, AdditionalData: additional},
		{Name: "Time to train", Value: round4(elapsed.Minutes()), Units: "minutes", AdditionalData: additional},
	}
	if len(throughputs) > 0 {
		sum, peak := 0.0, throughputs[0]
		for _, th := range throughputs {
			sum += th
			if th > peak {
				peak = th
			}
		}
		metrics = append(metrics,
			Metric{Name: "Average throughput", Value: round4(sum / float64(len(throughputs))), Units: "seq/s", AdditionalData: additional},
			Metric{Name: "Peak throughput", Value: peak, Units: "seq/s", AdditionalData: additional},
		)
	}
	return recorder.RecordMetrics(metrics)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
