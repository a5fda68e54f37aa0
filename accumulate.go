package main

// ===========================================================================
// GRADIENT ACCUMULATION CONTROLLER
// ===========================================================================
//
// Drives micro-steps over one shard at a time. Every micro-step runs one
// forward/backward pass and accumulates its loss; every G-th micro-step
// fires a full optimizer step:
//
//	IDLE → ACCUMULATING (micro-steps 1..G-1) → STEPPED (micro-step G)
//	     → ACCUMULATING → ... → STOPPED (globalStep >= stepsThisRun)
//
// The global step counter only advances on full optimizer steps. The
// micro-step counter is monotonic across shards within a run and resets
// only on a full resume.
//
// A failure from the training collaborator is fatal for the worker: there
// is no retry and no micro-step-granularity checkpointing, so partial
// progress on the current shard is lost by design of the recovery story
// (restart and resume from the last checkpoint).
// ===========================================================================

// Position is the mutable training cursor, owned exclusively by the
// accumulation controller and serialized into checkpoints.
type Position struct {
	Epoch      int
	ShardIndex int
	MicroStep  int
	GlobalStep int
}

// StepEvent is emitted once per completed optimizer step.
type StepEvent struct {
	Epoch      int
	GlobalStep int
	MicroStep  int
	Loss       float64
	LR         float64
	GradNorm   *float64
}

type accumState int

const (
	stateIdle accumState = iota
	stateAccumulating
	stateStepped
	stateStopped
)

// maxGradNorm is the global-norm clipping threshold applied before every
// optimizer step.
const maxGradNorm = 1.0

// AccumController owns the Training Position and the micro-step cadence.
type AccumController struct {
	backend       TrainerBackend
	accumUsteps   int
	stepsThisRun  int
	trackGradNorm bool
	onStep        func(StepEvent)

	pos         Position
	runningLoss float64
	state       accumState
}

// NewAccumController creates a controller starting from the given position.
// onStep is invoked synchronously after each optimizer step.
func NewAccumController(backend TrainerBackend, accumUsteps, stepsThisRun int,
	trackGradNorm bool, start Position, onStep func(StepEvent)) *AccumController {
	if accumUsteps < 1 {
		accumUsteps = 1
	}
	return &AccumController{
		backend:       backend,
		accumUsteps:   accumUsteps,
		stepsThisRun:  stepsThisRun,
		trackGradNorm: trackGradNorm,
		onStep:        onStep,
		pos:           start,
		state:         stateIdle,
	}
}

// Position returns the current training cursor.
func (c *AccumController) Position() Position { return c.pos }

// Stopped reports whether the run-step budget has been reached.
func (c *AccumController) Stopped() bool { return c.state == stateStopped }

// RunShard consumes the loader's mini-batches, accumulating gradients and
// firing optimizer steps on cadence. It returns the loss of the last
// completed optimizer step. It stops early — after forcing a final backend
// Sync — once globalStep reaches the run budget, so teardown never races
// outstanding asynchronous work.
func (c *AccumController) RunShard(epoch, shardIndex int, loader *BatchLoader) (float64, error) {
	c.pos.Epoch = epoch
	c.pos.ShardIndex = shardIndex
	lastStepLoss := 0.0

	for {
		batch, ok := loader.Next()
		if !ok {
			return lastStepLoss, nil
		}

		c.pos.MicroStep++
		c.state = stateAccumulating
		loss, err := c.backend.TrainStep(batch)
		if err != nil {
			return lastStepLoss, &CollaboratorStepError{Err: err}
		}
		c.runningLoss += loss / float64(c.accumUsteps)

		if c.pos.MicroStep%c.accumUsteps != 0 {
			continue
		}

		// Full step: barrier first, then reduce, clip, step, zero,
		// schedule — in that strict order.
		c.backend.Sync()
		stepLoss := c.runningLoss
		c.runningLoss = 0

		if err := c.backend.AllReduceGradients(); err != nil {
			return lastStepLoss, &CollaboratorStepError{Err: err}
		}
		gradNorm := c.backend.ClipGradients(maxGradNorm)
		c.backend.OptimizerStep()
		c.backend.ZeroGrad()
		c.backend.ScheduleStep()
		c.pos.GlobalStep++
		c.state = stateStepped
		lastStepLoss = stepLoss

		if c.onStep != nil {
			ev := StepEvent{
				Epoch:      epoch,
				GlobalStep: c.pos.GlobalStep,
				MicroStep:  c.pos.MicroStep,
				Loss:       stepLoss,
				LR:         c.backend.LearningRate(),
			}
			if c.trackGradNorm {
				ev.GradNorm = &gradNorm
			}
			c.onStep(ev)
		}

		if c.pos.GlobalStep >= c.stepsThisRun {
			// Flush outstanding async work before handing control back to
			// resource teardown.
			c.backend.Sync()
			c.state = stateStopped
			return lastStepLoss, nil
		}
	}
}
