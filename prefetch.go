package main

import (
	"time"
)

// ===========================================================================
// PREFETCH PIPELINE
// ===========================================================================
//
// Shard materialization is slow (storage-bound) and memory-heavy, so the
// next shard is loaded on a single dedicated background goroutine while the
// accumulation loop consumes the current one. The concurrency degree is
// fixed at one: a deeper queue would hide more latency but risks blowing up
// host memory with concurrently materialized shards.
//
// "At most one load in flight" is an explicit object here — a *LoadHandle —
// rather than a property of how callers happen to sequence things. Begin
// panics if the previous handle was never awaited.
// ===========================================================================

// defaultPrefetchTimeout bounds how long the consumer will wait for a
// background load once the current shard is exhausted. A load that takes
// this long means the data pipeline has stalled, which is fatal.
const defaultPrefetchTimeout = 1000 * time.Second

// LoadFunc materializes one shard. Injected so tests can substitute slow or
// failing loads.
type LoadFunc func(path string) (*ShardDataset, error)

// LoadHandle is the future for one in-flight shard load.
type LoadHandle struct {
	path string
	done chan struct{}
	ds   *ShardDataset
	err  error

	p *Prefetcher
}

// Prefetcher runs shard loads on one background goroutine.
type Prefetcher struct {
	load        LoadFunc
	tasks       chan *LoadHandle
	outstanding *LoadHandle
}

// NewPrefetcher starts the background load worker.
func NewPrefetcher(load LoadFunc) *Prefetcher {
	p := &Prefetcher{
		load:  load,
		tasks: make(chan *LoadHandle, 1),
	}
	go p.worker()
	return p
}

func (p *Prefetcher) worker() {
	for h := range p.tasks {
		h.ds, h.err = p.load(h.path)
		close(h.done)
	}
}

// Begin dispatches the load of the next shard and returns its handle.
// Beginning a new load while a previous handle is still outstanding is a
// contract violation and panics.
func (p *Prefetcher) Begin(path string) *LoadHandle {
	if p.outstanding != nil {
		panic("prefetch: Begin called with a load already in flight")
	}
	h := &LoadHandle{path: path, done: make(chan struct{}), p: p}
	p.outstanding = h
	p.tasks <- h
	return h
}

// Await blocks until the load completes or the timeout elapses. A timeout
// returns a *PrefetchTimeoutError and leaves the pipeline unusable; callers
// treat it as fatal. timeout <= 0 selects the default.
func (h *LoadHandle) Await(timeout time.Duration) (*ShardDataset, error) {
	if timeout <= 0 {
		timeout = defaultPrefetchTimeout
	}
	select {
	case <-h.done:
		h.p.outstanding = nil
		return h.ds, h.err
	case <-time.After(timeout):
		return nil, &PrefetchTimeoutError{Path: h.path, Timeout: timeout}
	}
}

// Close stops the background worker. Any outstanding handle still completes.
func (p *Prefetcher) Close() {
	close(p.tasks)
}
