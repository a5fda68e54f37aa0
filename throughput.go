package main

import (
	"time"
)

// Throughput reports training throughput in sequences per second over a
// sliding window of optimizer-step wall-clock times.
//
// One call to Sample per completed optimizer step: the elapsed time since
// the previous call becomes one window entry, the oldest entry is evicted
// once the window exceeds its configured depth, and the returned value is
//
//	windowLen * seqsPerStep / windowTime
//
// so a single slow step only drags the average for windowSize steps.
type Throughput struct {
	seqsPerStep float64
	windowSize  int

	window     []time.Duration
	windowTime time.Duration

	last time.Time
	now  func() time.Time // swappable for tests
}

// defaultThroughputWindow is the moving-average depth in optimizer steps.
const defaultThroughputWindow = 10

// NewThroughput creates a tracker. One optimizer step consumes
// batchSize * worldSize * gradAccumUsteps sequences.
func NewThroughput(batchSize, worldSize, gradAccumUsteps, windowSize int) *Throughput {
	if windowSize <= 0 {
		windowSize = defaultThroughputWindow
	}
	t := &Throughput{
		seqsPerStep: float64(batchSize * worldSize * gradAccumUsteps),
		windowSize:  windowSize,
		now:         time.Now,
	}
	t.last = t.now()
	return t
}

// Sample records the wall-clock time since the previous Sample (or since
// construction) as one step duration and returns the current windowed
// throughput. Amortized O(1).
func (t *Throughput) Sample() float64 {
	now := t.now()
	step := now.Sub(t.last)
	t.last = now
	return t.observe(step)
}

func (t *Throughput) observe(step time.Duration) float64 {
	t.window = append(t.window, step)
	t.windowTime += step
	if len(t.window) > t.windowSize {
		t.windowTime -= t.window[0]
		t.window = t.window[1:]
	}
	if t.windowTime <= 0 {
		return 0
	}
	return float64(len(t.window)) * t.seqsPerStep / t.windowTime.Seconds()
}
