package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// ===========================================================================
// SHARD SELECTOR
// ===========================================================================
//
// The pretraining corpus is stored as immutable, pre-tokenized shard files.
// Each epoch, every worker derives the SAME ordered shard list — glob, sort,
// then shuffle with the epoch number as the seed — and consumes a disjoint
// round-robin slice of it:
//
//	shard for (round f, rank r) = shards[(f*worldSize + r) mod numShards]
//
// The ordering must be bit-reproducible: it decides which worker sees which
// data, and a resumed job has to land on exactly the shards it had not yet
// finished. Do not change the seed derivation or the partition rule.
// ===========================================================================

// shardExt is the file extension of tokenized shard files. Training-split
// shards additionally carry "_training_" in their base name.
const shardExt = ".shard"

// trainingShardPattern matches training-split shard files in a directory.
const trainingShardPattern = "*_training_*" + shardExt

// DiscoverShards finds the training shard files under dataDir and returns
// them in the deterministic epoch order: lexicographically sorted, then
// shuffled with the epoch number as the seed.
func DiscoverShards(dataDir string, epoch int) ([]string, error) {
	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		return nil, configErrorf("data directory %s does not exist", dataDir)
	}
	files, err := filepath.Glob(filepath.Join(dataDir, trainingShardPattern))
	if err != nil {
		return nil, configErrorf("bad shard pattern for %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		return nil, configErrorf("no tokenized dataset shard files in %s", dataDir)
	}
	sort.Strings(files)
	rng := rand.New(rand.NewSource(int64(epoch)))
	rng.Shuffle(len(files), func(i, j int) {
		files[i], files[j] = files[j], files[i]
	})
	return files, nil
}

// ValidateShardCount checks that the partition rule can hand every worker
// its own shard each round.
func ValidateShardCount(numShards, worldSize int) error {
	if worldSize > numShards {
		return configErrorf(
			"need at least %d (world size) dataset shards, found only %d", worldSize, numShards)
	}
	return nil
}

// ShardForRound returns the shard assigned to a worker for one processing
// round. Rounds are 0-indexed; every worker advances through rounds in
// lockstep, so the union over ranks of one round is a disjoint shard set.
func ShardForRound(shards []string, round, worldSize, rank int) string {
	return shards[(round*worldSize+rank)%len(shards)]
}
