package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
)

// ===========================================================================
// TOKENIZED SHARD FILES
// ===========================================================================
//
// A shard file holds pre-tokenized, fixed-length pretraining examples. The
// orchestration loop never reinterprets the token contents — it only needs
// to materialize a shard into memory and hand out mini-batches.
//
// Format (all little-endian):
//
//	magic       uint32  'S','H','D','1'
//	numRecords  uint32
//	seqLen      uint32
//	maxPredLen  uint32
//	records     numRecords x {
//	    tokenIDs        [seqLen]int32
//	    attentionMask   [seqLen]int32
//	    segmentIDs      [seqLen]int32
//	    maskedPositions [maxPredLen]int32
//	    maskedIDs       [maxPredLen]int32
//	    label           int32
//	}
//
// Six aligned fixed-length fields per example, consumed record-by-record.
// ===========================================================================

const shardMagic uint32 = 0x53484431 // "SHD1"

// ignoreIndex marks sequence positions that do not contribute to the masked
// token loss.
const ignoreIndex int32 = -100

// Example is one pretraining record, decoded.
type Example struct {
	TokenIDs        []int32
	AttentionMask   []int32
	SegmentIDs      []int32
	MaskedPositions []int32
	MaskedIDs       []int32
	Label           int32

	// MaskedLMLabels is derived at load time: ignoreIndex everywhere except
	// the masked positions, which carry the original token ids. A zero in
	// MaskedPositions terminates the masked set (position 0 is never masked,
	// so zero doubles as the padding sentinel).
	MaskedLMLabels []int32
}

// Batch is one mini-batch of examples handed to the training collaborator.
type Batch struct {
	Examples []Example
}

// ShardDataset is a fully materialized shard. Materialization is the
// memory-heavy part of the pipeline, which is why prefetching is capped at
// one shard in flight.
type ShardDataset struct {
	Path       string
	seqLen     int
	maxPredLen int
	examples   []Example
}

// Len returns the number of examples in the shard.
func (d *ShardDataset) Len() int { return len(d.examples) }

// SequenceLength returns the fixed token-sequence length of the shard.
func (d *ShardDataset) SequenceLength() int { return d.seqLen }

// LoadShardDataset reads an entire shard file into memory and derives the
// masked-token label vectors.
func LoadShardDataset(path string) (*ShardDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	var header struct {
		Magic      uint32
		NumRecords uint32
		SeqLen     uint32
		MaxPredLen uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read shard header %s: %w", path, err)
	}
	if header.Magic != shardMagic {
		return nil, fmt.Errorf("%s is not a tokenized shard file (bad magic %#x)", path, header.Magic)
	}

	ds := &ShardDataset{
		Path:       path,
		seqLen:     int(header.SeqLen),
		maxPredLen: int(header.MaxPredLen),
		examples:   make([]Example, 0, header.NumRecords),
	}

	readField := func(n int) ([]int32, error) {
		field := make([]int32, n)
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, err
		}
		return field, nil
	}

	for i := uint32(0); i < header.NumRecords; i++ {
		var ex Example
		fields := []*[]int32{
			&ex.TokenIDs, &ex.AttentionMask, &ex.SegmentIDs,
		}
		for _, dst := range fields {
			v, err := readField(ds.seqLen)
			if err != nil {
				return nil, fmt.Errorf("read shard %s record %d: %w", path, i, err)
			}
			*dst = v
		}
		for _, dst := range []*[]int32{&ex.MaskedPositions, &ex.MaskedIDs} {
			v, err := readField(ds.maxPredLen)
			if err != nil {
				return nil, fmt.Errorf("read shard %s record %d: %w", path, i, err)
			}
			*dst = v
		}
		if err := binary.Read(r, binary.LittleEndian, &ex.Label); err != nil {
			return nil, fmt.Errorf("read shard %s record %d: %w", path, i, err)
		}
		ex.MaskedLMLabels = maskedLabels(ex.TokenIDs, ex.MaskedPositions, ex.MaskedIDs)
		ds.examples = append(ds.examples, ex)
	}
	return ds, nil
}

// maskedLabels expands the compact (position, id) masked-token encoding into
// a per-position label vector.
func maskedLabels(tokenIDs, positions, ids []int32) []int32 {
	labels := make([]int32, len(tokenIDs))
	for i := range labels {
		labels[i] = ignoreIndex
	}
	for i, pos := range positions {
		if pos == 0 {
			break
		}
		if int(pos) < len(labels) {
			labels[pos] = ids[i]
		}
	}
	return labels
}

// WriteShardDataset writes examples in the shard file format. Used by data
// preparation tooling and tests; training itself never writes shards.
func WriteShardDataset(path string, examples []Example, seqLen, maxPredLen int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	header := struct {
		Magic      uint32
		NumRecords uint32
		SeqLen     uint32
		MaxPredLen uint32
	}{shardMagic, uint32(len(examples)), uint32(seqLen), uint32(maxPredLen)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write shard header: %w", err)
	}
	for i, ex := range examples {
		for _, field := range [][]int32{ex.TokenIDs, ex.AttentionMask, ex.SegmentIDs} {
			if len(field) != seqLen {
				return fmt.Errorf("record %d: field length %d != sequence length %d", i, len(field), seqLen)
			}
			if err := binary.Write(w, binary.LittleEndian, field); err != nil {
				return fmt.Errorf("write record %d: %w", i, err)
			}
		}
		for _, field := range [][]int32{ex.MaskedPositions, ex.MaskedIDs} {
			if len(field) != maxPredLen {
				return fmt.Errorf("record %d: masked field length %d != max pred length %d", i, len(field), maxPredLen)
			}
			if err := binary.Write(w, binary.LittleEndian, field); err != nil {
				return fmt.Errorf("write record %d: %w", i, err)
			}
		}
		if err := binary.Write(w, binary.LittleEndian, ex.Label); err != nil {
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	return w.Flush()
}

// BatchLoader hands out randomly ordered mini-batches from one shard.
// Incomplete trailing batches are dropped so every micro-step sees a full
// batch.
type BatchLoader struct {
	ds        *ShardDataset
	batchSize int
	order     []int
	pos       int
}

// Batches creates a loader over the shard with a worker-seeded random
// sample order.
func (d *ShardDataset) Batches(batchSize int, seed int64) *BatchLoader {
	order := rand.New(rand.NewSource(seed)).Perm(len(d.examples))
	return &BatchLoader{ds: d, batchSize: batchSize, order: order}
}

// Next returns the next mini-batch, or ok=false when the shard is exhausted.
func (l *BatchLoader) Next() (Batch, bool) {
	if l.pos+l.batchSize > len(l.order) {
		return Batch{}, false
	}
	examples := make([]Example, 0, l.batchSize)
	for _, idx := range l.order[l.pos : l.pos+l.batchSize] {
		examples = append(examples, l.ds.examples[idx])
	}
	l.pos += l.batchSize
	return Batch{Examples: examples}, true
}
