package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records the call sequence so cadence and ordering can be
// asserted exactly.
type fakeBackend struct {
	calls     []string
	lossSeq   []float64
	lossIdx   int
	failAfter int // fail the Nth TrainStep (1-based); 0 disables
	reduceErr error
	lr        float64
}

func (f *fakeBackend) TrainStep(batch Batch) (float64, error) {
	f.calls = append(f.calls, "train")
	n := 0
	for _, c := range f.calls {
		if c == "train" {
			n++
		}
	}
	if f.failAfter > 0 && n == f.failAfter {
		return 0, fmt.Errorf("loss is NaN")
	}
	loss := 1.0
	if f.lossIdx < len(f.lossSeq) {
		loss = f.lossSeq[f.lossIdx]
		f.lossIdx++
	}
	return loss, nil
}

func (f *fakeBackend) Sync() { f.calls = append(f.calls, "sync") }

func (f *fakeBackend) AllReduceGradients() error {
	f.calls = append(f.calls, "reduce")
	return f.reduceErr
}

func (f *fakeBackend) ClipGradients(maxNorm float64) float64 {
	f.calls = append(f.calls, "clip")
	return 0.5
}

func (f *fakeBackend) OptimizerStep() { f.calls = append(f.calls, "step") }
func (f *fakeBackend) ZeroGrad()      { f.calls = append(f.calls, "zero") }
func (f *fakeBackend) ScheduleStep()  { f.calls = append(f.calls, "sched") }

func (f *fakeBackend) LearningRate() float64 { return f.lr }

func (f *fakeBackend) StateDict() StateDict                   { return StateDict{} }
func (f *fakeBackend) LoadStateDict(StateDict) error          { return nil }
func (f *fakeBackend) OptimizerStateDict() StateDict          { return StateDict{} }
func (f *fakeBackend) LoadOptimizerStateDict(StateDict) error { return nil }
func (f *fakeBackend) ScheduleStateDict() StateDict           { return StateDict{} }
func (f *fakeBackend) LoadScheduleStateDict(StateDict) error  { return nil }

// loaderOf builds a single-shard loader with n one-example batches.
func loaderOf(t *testing.T, n int) *BatchLoader {
	t.Helper()
	examples := make([]Example, n)
	for i := range examples {
		examples[i] = makeExample(int32(i), 4, 2)
	}
	ds := &ShardDataset{examples: examples, seqLen: 4, maxPredLen: 2}
	return ds.Batches(1, 1)
}

func TestAccumCadence(t *testing.T) {
	fb := &fakeBackend{}
	var events []StepEvent
	c := NewAccumController(fb, 4, 100, false, Position{}, func(ev StepEvent) {
		events = append(events, ev)
	})

	_, err := c.RunShard(0, 0, loaderOf(t, 8))
	require.NoError(t, err)

	// 8 micro-steps at G=4: exactly 2 optimizer steps.
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].GlobalStep)
	assert.Equal(t, 4, events[0].MicroStep)
	assert.Equal(t, 2, events[1].GlobalStep)
	assert.Equal(t, 8, events[1].MicroStep)
	assert.Equal(t, Position{Epoch: 0, ShardIndex: 0, MicroStep: 8, GlobalStep: 2}, c.Position())
}

// TestAccumStepOrdering pins the full-step call order: barrier, reduce, clip,
// step, zero, schedule.
func TestAccumStepOrdering(t *testing.T) {
	fb := &fakeBackend{}
	c := NewAccumController(fb, 2, 100, false, Position{}, nil)

	_, err := c.RunShard(0, 0, loaderOf(t, 2))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"train", "train",
		"sync", "reduce", "clip", "step", "zero", "sched",
	}, fb.calls)
}

func TestAccumLossAveragesMicroSteps(t *testing.T) {
	fb := &fakeBackend{lossSeq: []float64{2.0, 4.0}}
	var got float64
	c := NewAccumController(fb, 2, 100, false, Position{}, func(ev StepEvent) {
		got = ev.Loss
	})

	last, err := c.RunShard(0, 0, loaderOf(t, 2))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-9, "step loss is the mean of its micro-step losses")
	assert.InDelta(t, 3.0, last, 1e-9)
}

func TestAccumLeftoverMicroStepsCarryOver(t *testing.T) {
	fb := &fakeBackend{}
	var events []StepEvent
	c := NewAccumController(fb, 4, 100, false, Position{}, func(ev StepEvent) {
		events = append(events, ev)
	})

	// 6 micro-steps: one full step, 2 leftover accumulated.
	_, err := c.RunShard(0, 0, loaderOf(t, 6))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 6, c.Position().MicroStep)

	// The next shard's first 2 micro-steps complete the pending step.
	_, err = c.RunShard(0, 1, loaderOf(t, 2))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 8, events[1].MicroStep)
	assert.Equal(t, 2, events[1].GlobalStep)
}

func TestAccumStopsAtRunBudget(t *testing.T) {
	fb := &fakeBackend{}
	c := NewAccumController(fb, 2, 2, false, Position{}, nil)

	_, err := c.RunShard(0, 0, loaderOf(t, 10))
	require.NoError(t, err)
	assert.True(t, c.Stopped())
	assert.Equal(t, 2, c.Position().GlobalStep)
	assert.Equal(t, 4, c.Position().MicroStep, "no micro-steps run past the budget")

	// The final call must be a flush barrier.
	assert.Equal(t, "sync", fb.calls[len(fb.calls)-1])
}

func TestAccumResumesFromPosition(t *testing.T) {
	fb := &fakeBackend{}
	var events []StepEvent
	start := Position{Epoch: 1, GlobalStep: 7, MicroStep: 14}
	c := NewAccumController(fb, 2, 100, false, start, func(ev StepEvent) {
		events = append(events, ev)
	})

	_, err := c.RunShard(1, 3, loaderOf(t, 2))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 8, events[0].GlobalStep)
	assert.Equal(t, 16, events[0].MicroStep)
}

func TestAccumGradNormTracking(t *testing.T) {
	fb := &fakeBackend{}
	var ev StepEvent
	c := NewAccumController(fb, 1, 100, true, Position{}, func(e StepEvent) { ev = e })

	_, err := c.RunShard(0, 0, loaderOf(t, 1))
	require.NoError(t, err)
	require.NotNil(t, ev.GradNorm)
	assert.InDelta(t, 0.5, *ev.GradNorm, 1e-9)

	// Disabled tracking skips the norm computation result.
	c = NewAccumController(fb, 1, 100, false, Position{}, func(e StepEvent) { ev = e })
	_, err = c.RunShard(0, 0, loaderOf(t, 1))
	require.NoError(t, err)
	assert.Nil(t, ev.GradNorm)
}

func TestAccumWrapsTrainStepFailure(t *testing.T) {
	fb := &fakeBackend{failAfter: 2}
	c := NewAccumController(fb, 4, 100, false, Position{}, nil)

	_, err := c.RunShard(0, 0, loaderOf(t, 4))
	require.Error(t, err)
	var stepErr *CollaboratorStepError
	require.True(t, errors.As(err, &stepErr))
	assert.Contains(t, stepErr.Err.Error(), "NaN")
}

func TestAccumWrapsReduceFailure(t *testing.T) {
	fb := &fakeBackend{reduceErr: fmt.Errorf("collective timed out")}
	c := NewAccumController(fb, 1, 100, false, Position{}, nil)

	_, err := c.RunShard(0, 0, loaderOf(t, 1))
	var stepErr *CollaboratorStepError
	require.True(t, errors.As(err, &stepErr))
}
