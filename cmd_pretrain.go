package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// RunPretrainCommand implements the pretraining CLI.
//
// It parses the run configuration, figures out this worker's place in the
// world (from WORLD_SIZE/RANK, or a local fallback launch when those are
// absent) and drives the orchestration loop to the step budget.
func RunPretrainCommand(args []string) error {
	fs := pflag.NewFlagSet("pretrain", pflag.ContinueOnError)

	// Data and outputs
	dataDir := fs.String("data-dir", "data", "Pre-tokenized dataset shard directory")
	outputDir := fs.String("output-dir", "output", "Directory for checkpoints")
	metricsFile := fs.String("metrics-file", "results.json", "Training metrics results file")

	// Training cadence
	batchSize := fs.Int("batch-size", 16, "Worker batch size")
	maxSteps := fs.Int("max-steps", 1000, "Maximum total optimizer steps to run")
	stepsThisRun := fs.Int("steps-this-run", -1, "Exit early at this many steps; -1 means no early exit")
	gradAccumUsteps := fs.Int("grad-accum-usteps", 32, "Gradient accumulation micro-steps per optimizer step")
	warmupSteps := fs.Int("warmup-steps", 500, "Learning rate warmup steps")
	lr := fs.Float64("lr", 4e-4, "Learning rate")
	seed := fs.Int64("seed", 12349, "Random seed; worker seed is this value + worker rank")
	seqLen := fs.Int("seq-len", 0, "Sequence length; when set, must match the pre-tokenized dataset")
	maxPredLen := fs.Int("max-pred-len", 20, "Maximum masked tokens per input sequence")

	// Checkpointing and resume
	shardsPerCkpt := fs.Int("shards-per-ckpt", 1, "Dataset shards consumed between checkpoints")
	numCkptsToKeep := fs.Int("num-ckpts-to-keep", 1, "Keep only the last N checkpoints; -1 keeps all")
	minimalCkpt := fs.Bool("minimal-ckpt", false, "Omit optimizer/schedule state from checkpoints")
	resumeCkpt := fs.Bool("resume-ckpt", false, "Resume from a checkpoint")
	resumeCkptPath := fs.String("resume-ckpt-path", "", "Explicit checkpoint file to resume from")
	resumeStep := fs.Int("resume-step", -1, "Step to resume from; -1 finds the latest checkpoint")

	// Curriculum phases
	phase1EndStep := fs.Int("phase1-end-step", 28125, "Total optimizer steps in phase 1")
	phase2 := fs.Bool("phase2", false, "Run the long-sequence curriculum phase")

	// Diagnostics
	printGradNorm := fs.Bool("print-grad-norm", false, "Report gradient norm with each step")
	metricsListen := fs.String("metrics-listen", "", "Optional address to expose prometheus metrics on")
	localWorkers := fs.Int("local-workers", 1, "Fallback worker count when WORLD_SIZE is unset")

	if err := fs.Parse(args); err != nil {
		return err
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := PretrainConfig{
		DataDir:         *dataDir,
		OutputDir:       *outputDir,
		MetricsFile:     *metricsFile,
		BatchSize:       *batchSize,
		MaxSteps:        *maxSteps,
		StepsThisRun:    *stepsThisRun,
		ShardsPerCkpt:   *shardsPerCkpt,
		Seed:            *seed,
		LearningRate:    *lr,
		SeqLen:          *seqLen,
		MaxPredLen:      *maxPredLen,
		NumCkptsToKeep:  *numCkptsToKeep,
		WarmupSteps:     *warmupSteps,
		GradAccumUsteps: *gradAccumUsteps,
		MinimalCkpt:     *minimalCkpt,
		PrintGradNorm:   *printGradNorm,
		Resume:          *resumeCkpt,
		ResumePath:      *resumeCkptPath,
		ResumeStep:      *resumeStep,
		Phase1EndStep:   *phase1EndStep,
		Phase2:          *phase2,
		PrefetchTimeout: defaultPrefetchTimeout,
		NewBackend: func(cfg PretrainConfig) TrainerBackend {
			return NewLocalBackend(LocalBackendConfig{
				LearningRate:    cfg.LearningRate,
				WarmupSteps:     cfg.WarmupSteps,
				MaxSteps:        cfg.MaxSteps,
				GradAccumUsteps: cfg.GradAccumUsteps,
			})
		},
	}
	if cfg.StepsThisRun < 0 {
		cfg.StepsThisRun = cfg.MaxSteps
	}

	// Launched under a process manager that sets WORLD_SIZE: this process
	// is one worker of that world. Cross-process rendezvous belongs to the
	// collective runtime backing the training collaborator.
	c, fromEnv, err := ClusterFromEnv(soloRendezvous{})
	if err != nil {
		return err
	}
	if fromEnv {
		if *metricsListen != "" && c.IsRoot() {
			serveMetrics(*metricsListen, loggerForWorker(c.Rank, c.WorldSize))
		}
		if err := runPretraining(cfg, c); err != nil {
			return err
		}
		c.Rendezvous("pretrain_finished")
		return nil
	}

	// Local fallback launch: run the whole world as goroutine workers in
	// this process.
	world := *localWorkers
	if world < 1 {
		return configErrorf("local worker count must be at least 1, got %d", world)
	}
	rv := NewLocalRendezvous(world)
	if *metricsListen != "" {
		serveMetrics(*metricsListen, loggerForWorker(0, world))
	}

	var g errgroup.Group
	for rank := 0; rank < world; rank++ {
		worker := &Cluster{WorldSize: world, Rank: rank, rv: rv}
		g.Go(func() error {
			if err := runPretraining(cfg, worker); err != nil {
				// Release every worker parked at a barrier; a partial
				// quorum can never make progress anyway.
				rv.Abort()
				return fmt.Errorf("worker %d: %w", worker.Rank, err)
			}
			worker.Rendezvous("pretrain_finished")
			return nil
		})
	}
	return g.Wait()
}
