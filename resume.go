package main

// ===========================================================================
// RESUME PLANNER
// ===========================================================================
//
// Reconciles the command-line resume intent with what is actually on disk
// and produces the starting state for the control loop: global step, epoch,
// and the exact shard list and cursor to continue from.
//
// The recorded shard order is reused verbatim for the first traversal only
// — re-deriving it from the shuffle rule would be correct for a completed
// epoch but wrong mid-epoch, where the worker must land on exactly the
// shards it had not yet finished. Subsequent epochs re-derive deterministic
// order from the epoch seed as usual.
//
// Resuming into the second curriculum phase deliberately discards phase-1
// optimizer and schedule state (a fresh optimizer is built for the new
// sequence length) and rebases the global step by the phase-1 step budget.
// The shard list is also re-derived: phase 2 trains a different dataset.
// ===========================================================================

// ResumeOptions is the resume-related slice of the CLI surface.
type ResumeOptions struct {
	Resume        bool
	Path          string // explicit checkpoint file, wins over everything
	Step          int    // explicit step, -1 means "latest in output dir"
	Phase2        bool
	Phase1EndStep int
	OutputDir     string
}

// ResumePlan is the reconstructed starting state.
type ResumePlan struct {
	Fresh bool

	GlobalStep int
	Epoch      int

	// ReuseShardList marks that the first traversal must use the recorded
	// cursor and order below instead of re-deriving them.
	ReuseShardList bool
	ShardCursor    int
	ShardList      []string

	// LoadOptimizerState is false for fresh starts, minimal checkpoints,
	// and phase-2 transitions.
	LoadOptimizerState bool

	Snapshot *Snapshot
	Path     string
}

// PlanResume decides between a fresh start and a checkpoint resume, loading
// the snapshot (flow controlled across the world) when resuming.
func PlanResume(opts ResumeOptions, c *Cluster) (*ResumePlan, error) {
	if !opts.Resume {
		return &ResumePlan{Fresh: true}, nil
	}

	path, step, err := ResolveCheckpoint(opts.OutputDir, opts.Path, opts.Step, opts.Phase2)
	if err != nil {
		return nil, err
	}
	snap, err := LoadSnapshotFlowControlled(path, c)
	if err != nil {
		return nil, err
	}

	plan := &ResumePlan{
		GlobalStep: step,
		Epoch:      snap.Epoch,
		Snapshot:   snap,
		Path:       path,
	}
	if opts.Phase2 {
		plan.GlobalStep -= opts.Phase1EndStep
		snap.Optimizer = nil
		snap.Schedule = nil
		return plan, nil
	}
	plan.ReuseShardList = true
	plan.ShardCursor = snap.ShardCursor
	plan.ShardList = snap.ShardList
	plan.LoadOptimizerState = snap.Optimizer != nil
	return plan, nil
}
