package main

import (
	"fmt"
	"math"
	"sort"
)

// ===========================================================================
// TRAINING COLLABORATOR
// ===========================================================================
//
// The numerical side of training — forward/backward, gradient reduction,
// the optimizer update — is an opaque collaborator behind TrainerBackend.
// The orchestration loop only ever calls these methods in a fixed order and
// never inspects tensor contents, so the underlying runtime can be swapped
// without touching any control-flow code.
//
// localBackend is the reference implementation: a deliberately tiny model
// (one scalar regressor over the mean token id) with a real Adam optimizer
// and warmup/decay schedule, so a single-process run exercises the entire
// loop end to end.
// ===========================================================================

// StateDict is a named set of flat parameter (or optimizer/schedule state)
// vectors. Keys are encoded in a stable sorted order.
type StateDict map[string][]float64

// clone deep-copies a state dict.
func (sd StateDict) clone() StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		cp := make([]float64, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// sortedKeys returns the dict's keys in encode order.
func (sd StateDict) sortedKeys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TrainerBackend is the capability interface of the opaque model/optimizer/
// schedule collaborator. On every G-th micro-step the controller calls, in
// this exact order: Sync, AllReduceGradients, ClipGradients, OptimizerStep,
// ZeroGrad, ScheduleStep. Reduction must come before clipping before the
// step — reversing the order silently changes convergence.
type TrainerBackend interface {
	// TrainStep runs forward+backward on one mini-batch, accumulating
	// gradients, and returns the batch loss.
	TrainStep(batch Batch) (float64, error)

	// Sync forces completion of any outstanding asynchronous device work.
	Sync()

	// AllReduceGradients averages accumulated gradients across workers.
	AllReduceGradients() error

	// ClipGradients rescales gradients to the given global norm and returns
	// the pre-clip norm.
	ClipGradients(maxNorm float64) float64

	// OptimizerStep applies the accumulated gradients.
	OptimizerStep()

	// ZeroGrad clears accumulated gradients.
	ZeroGrad()

	// ScheduleStep advances the learning-rate schedule by one step.
	ScheduleStep()

	// LearningRate reports the current learning rate.
	LearningRate() float64

	// StateDict / LoadStateDict expose model parameters for checkpointing.
	// LoadStateDict enforces an exact key match.
	StateDict() StateDict
	LoadStateDict(sd StateDict) error

	// Optimizer and schedule state, checkpointed unless running minimal.
	OptimizerStateDict() StateDict
	LoadOptimizerStateDict(sd StateDict) error
	ScheduleStateDict() StateDict
	LoadScheduleStateDict(sd StateDict) error
}

// LocalBackendConfig configures the reference backend.
type LocalBackendConfig struct {
	LearningRate    float64
	WarmupSteps     int
	MaxSteps        int
	GradAccumUsteps int
}

// localBackend is the in-process reference collaborator.
type localBackend struct {
	params map[string][]float64
	grads  map[string][]float64

	// Adam state, one moment pair per parameter.
	m map[string][]float64
	v map[string][]float64
	t int

	sched localSchedule

	gradScale float64
}

// localSchedule is linear warmup to the base rate followed by linear decay
// to zero at maxSteps.
type localSchedule struct {
	baseLR      float64
	warmupSteps int
	maxSteps    int
	step        int
}

func (s *localSchedule) lr() float64 {
	switch {
	case s.warmupSteps > 0 && s.step < s.warmupSteps:
		return s.baseLR * float64(s.step) / float64(s.warmupSteps)
	case s.step >= s.maxSteps:
		return 0
	default:
		remaining := float64(s.maxSteps-s.step) / float64(s.maxSteps-s.warmupSteps)
		return s.baseLR * remaining
	}
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// NewLocalBackend builds the reference backend.
func NewLocalBackend(cfg LocalBackendConfig) TrainerBackend {
	params := map[string][]float64{
		"regressor.dense.weight": {0},
		"regressor.dense.bias":   {0},
	}
	b := &localBackend{
		params: params,
		grads:  map[string][]float64{},
		m:      map[string][]float64{},
		v:      map[string][]float64{},
		sched: localSchedule{
			baseLR:      cfg.LearningRate,
			warmupSteps: cfg.WarmupSteps,
			maxSteps:    cfg.MaxSteps,
		},
		gradScale: 1.0 / float64(max(cfg.GradAccumUsteps, 1)),
	}
	for name, p := range params {
		b.grads[name] = make([]float64, len(p))
		b.m[name] = make([]float64, len(p))
		b.v[name] = make([]float64, len(p))
	}
	return b
}

// TrainStep fits label ~ w*mean(tokenIDs) + b with squared error. Gradients
// are pre-scaled by 1/G so accumulating G micro-steps averages them, the
// same convention the loss accumulation uses.
func (b *localBackend) TrainStep(batch Batch) (float64, error) {
	if len(batch.Examples) == 0 {
		return 0, fmt.Errorf("empty mini-batch")
	}
	w := b.params["regressor.dense.weight"][0]
	bias := b.params["regressor.dense.bias"][0]

	var loss, gradW, gradB float64
	for _, ex := range batch.Examples {
		var sum float64
		for _, id := range ex.TokenIDs {
			sum += float64(id)
		}
		x := sum / float64(len(ex.TokenIDs))
		y := float64(ex.Label)
		diff := w*x + bias - y
		loss += diff * diff
		gradW += 2 * diff * x
		gradB += 2 * diff
	}
	n := float64(len(batch.Examples))
	b.grads["regressor.dense.weight"][0] += gradW / n * b.gradScale
	b.grads["regressor.dense.bias"][0] += gradB / n * b.gradScale
	return loss / n, nil
}

func (b *localBackend) Sync() {}

func (b *localBackend) AllReduceGradients() error {
	// Data-parallel reduction is the collective runtime's job; the local
	// backend has nothing to reduce against.
	return nil
}

// ClipGradients rescales to maxNorm by global norm and returns the pre-clip
// norm.
func (b *localBackend) ClipGradients(maxNorm float64) float64 {
	var sq float64
	for _, g := range b.grads {
		for _, v := range g {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, g := range b.grads {
			for i := range g {
				g[i] *= scale
			}
		}
	}
	return norm
}

// OptimizerStep applies one Adam update with the schedule's current rate.
func (b *localBackend) OptimizerStep() {
	b.t++
	lr := b.LearningRate()
	bias1 := 1.0 - math.Pow(adamBeta1, float64(b.t))
	bias2 := 1.0 - math.Pow(adamBeta2, float64(b.t))
	for name, p := range b.params {
		g := b.grads[name]
		m := b.m[name]
		v := b.v[name]
		for i := range p {
			m[i] = adamBeta1*m[i] + (1.0-adamBeta1)*g[i]
			v[i] = adamBeta2*v[i] + (1.0-adamBeta2)*g[i]*g[i]
			mHat := m[i] / bias1
			vHat := v[i] / bias2
			p[i] -= lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
		}
	}
}

func (b *localBackend) ZeroGrad() {
	for _, g := range b.grads {
		for i := range g {
			g[i] = 0
		}
	}
}

func (b *localBackend) ScheduleStep() {
	b.sched.step++
}

func (b *localBackend) LearningRate() float64 {
	return b.sched.lr()
}

func (b *localBackend) StateDict() StateDict {
	return StateDict(b.params).clone()
}

// LoadStateDict enforces an exact key match; callers normalize legacy names
// before calling.
func (b *localBackend) LoadStateDict(sd StateDict) error {
	if err := strictKeyMatch(StateDict(b.params), sd); err != nil {
		return err
	}
	for name, vals := range sd {
		copy(b.params[name], vals)
	}
	return nil
}

func (b *localBackend) OptimizerStateDict() StateDict {
	sd := StateDict{"adam.t": {float64(b.t)}}
	for name, m := range b.m {
		sd["adam.m."+name] = append([]float64(nil), m...)
	}
	for name, v := range b.v {
		sd["adam.v."+name] = append([]float64(nil), v...)
	}
	return sd
}

func (b *localBackend) LoadOptimizerStateDict(sd StateDict) error {
	if err := strictKeyMatch(b.OptimizerStateDict(), sd); err != nil {
		return err
	}
	b.t = int(sd["adam.t"][0])
	for name := range b.m {
		copy(b.m[name], sd["adam.m."+name])
		copy(b.v[name], sd["adam.v."+name])
	}
	return nil
}

func (b *localBackend) ScheduleStateDict() StateDict {
	return StateDict{"schedule.step": {float64(b.sched.step)}}
}

func (b *localBackend) LoadScheduleStateDict(sd StateDict) error {
	vals, ok := sd["schedule.step"]
	if !ok || len(vals) != 1 {
		return fmt.Errorf("schedule state missing schedule.step")
	}
	b.sched.step = int(vals[0])
	return nil
}

// strictKeyMatch verifies that two state dicts carry exactly the same keys
// with the same vector lengths.
func strictKeyMatch(want, got StateDict) error {
	for k, v := range want {
		g, ok := got[k]
		if !ok {
			return fmt.Errorf("state dict missing key %q", k)
		}
		if len(g) != len(v) {
			return fmt.Errorf("state dict key %q has length %d, want %d", k, len(g), len(v))
		}
	}
	for k := range got {
		if _, ok := want[k]; !ok {
			return fmt.Errorf("state dict has unexpected key %q", k)
		}
	}
	return nil
}
