package main

import (
	"os"
	"strconv"
	"sync"
)

// ===========================================================================
// WORKER TOPOLOGY
// ===========================================================================
//
// Execution is data-parallel: one process (or, under the local fallback
// launcher, one goroutine) per worker, each running the identical control
// loop over its own shard partition. Workers only meet at named rendezvous
// barriers; there is no shared mutable state between them.
//
// World size and rank come from the launch environment (WORLD_SIZE / RANK,
// the torchrun convention). When WORLD_SIZE is absent the job falls back to
// a local in-process launch.
// ===========================================================================

// Rendezvous is a named barrier all workers must reach before any proceeds.
// Real multi-process deployments plug in their collective runtime here; the
// local launcher uses an in-process implementation.
type Rendezvous interface {
	Rendezvous(name string)
}

// Cluster describes one worker's place in the job.
type Cluster struct {
	WorldSize int
	Rank      int
	rv        Rendezvous
}

// IsRoot reports whether this worker is the coordinating rank. Only the
// root performs host-side I/O: metrics writes, checkpoint writes, progress
// logging, directory creation.
func (c *Cluster) IsRoot() bool { return c.Rank == 0 }

// Rendezvous blocks at the named barrier until every worker arrives.
func (c *Cluster) Rendezvous(name string) { c.rv.Rendezvous(name) }

// ClusterFromEnv reads WORLD_SIZE/RANK from the environment. ok is false
// when WORLD_SIZE is unset, selecting the single-process fallback.
func ClusterFromEnv(rv Rendezvous) (c *Cluster, ok bool, err error) {
	ws := os.Getenv("WORLD_SIZE")
	if ws == "" {
		return nil, false, nil
	}
	world, err := strconv.Atoi(ws)
	if err != nil || world < 1 {
		return nil, false, configErrorf("WORLD_SIZE=%q is not a positive integer", ws)
	}
	rank := 0
	if rs := os.Getenv("RANK"); rs != "" {
		rank, err = strconv.Atoi(rs)
		if err != nil || rank < 0 || rank >= world {
			return nil, false, configErrorf("RANK=%q is not a valid rank for world size %d", rs, world)
		}
	}
	return &Cluster{WorldSize: world, Rank: rank, rv: rv}, true, nil
}

// soloRendezvous is the world-size-1 barrier: every arrival proceeds
// immediately.
type soloRendezvous struct{}

func (soloRendezvous) Rendezvous(string) {}

// localRendezvous is a reusable named barrier for goroutine workers under
// the local fallback launcher.
type localRendezvous struct {
	world int

	mu       sync.Mutex
	barriers map[string]*barrier
	aborted  chan struct{}
}

type barrier struct {
	arrived int
	release chan struct{}
}

// NewLocalRendezvous creates a barrier group for world goroutine workers.
func NewLocalRendezvous(world int) *localRendezvous {
	return &localRendezvous{
		world:    world,
		barriers: map[string]*barrier{},
		aborted:  make(chan struct{}),
	}
}

// Rendezvous blocks until world workers have arrived at the same name, or
// until the group is aborted. The name is reusable once everyone has been
// released.
func (r *localRendezvous) Rendezvous(name string) {
	r.mu.Lock()
	b, ok := r.barriers[name]
	if !ok {
		b = &barrier{release: make(chan struct{})}
		r.barriers[name] = b
	}
	b.arrived++
	if b.arrived == r.world {
		delete(r.barriers, name)
		close(b.release)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	select {
	case <-b.release:
	case <-r.aborted:
	}
}

// Abort releases every worker parked at any barrier, now and in the future.
// Called when one worker fails: a partial quorum can never make progress,
// so the rest must fail too rather than hang.
func (r *localRendezvous) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.aborted:
	default:
		close(r.aborted)
	}
}
