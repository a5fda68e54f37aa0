package main

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetchDeliversLoadedShard(t *testing.T) {
	want := &ShardDataset{Path: "shard-a"}
	p := NewPrefetcher(func(path string) (*ShardDataset, error) {
		assert.Equal(t, "shard-a", path)
		return want, nil
	})
	defer p.Close()

	ds, err := p.Begin("shard-a").Await(time.Second)
	require.NoError(t, err)
	assert.Same(t, want, ds)
}

func TestPrefetchPropagatesLoadError(t *testing.T) {
	loadErr := fmt.Errorf("disk fell over")
	p := NewPrefetcher(func(string) (*ShardDataset, error) {
		return nil, loadErr
	})
	defer p.Close()

	_, err := p.Begin("shard-a").Await(time.Second)
	assert.ErrorIs(t, err, loadErr)
}

func TestPrefetchTimeout(t *testing.T) {
	release := make(chan struct{})
	p := NewPrefetcher(func(string) (*ShardDataset, error) {
		<-release
		return &ShardDataset{}, nil
	})
	defer p.Close()
	defer close(release)

	_, err := p.Begin("slow-shard").Await(10 * time.Millisecond)
	require.Error(t, err)
	var timeoutErr *PrefetchTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "slow-shard", timeoutErr.Path)
}

// TestPrefetchSingleFlight: the degree-one contract is enforced, not assumed.
func TestPrefetchSingleFlight(t *testing.T) {
	p := NewPrefetcher(func(string) (*ShardDataset, error) {
		return &ShardDataset{}, nil
	})
	defer p.Close()

	p.Begin("first")
	assert.Panics(t, func() { p.Begin("second") })
}

func TestPrefetchRunsOnBackgroundWorker(t *testing.T) {
	var loads atomic.Int32
	started := make(chan struct{})
	p := NewPrefetcher(func(string) (*ShardDataset, error) {
		close(started)
		loads.Add(1)
		return &ShardDataset{}, nil
	})
	defer p.Close()

	h := p.Begin("shard-a")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("load never started in the background")
	}
	_, err := h.Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())

	// Awaiting one handle frees the slot for the next load.
	_, err = p.Begin("shard-b").Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}
