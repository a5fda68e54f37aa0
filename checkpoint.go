package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// ===========================================================================
// CHECKPOINT MANAGER
// ===========================================================================
//
// A checkpoint is one internally consistent snapshot: model weights,
// optionally optimizer and schedule state, the epoch, and the exact shard
// progress (which round the worker was about to start, over which shard
// list). The global step is the single source of truth for resume and is
// encoded twice — in the filename and in the payload — and the two must
// agree.
//
// When the job runs a second curriculum phase, filenames are offset by the
// first phase's total step count so checkpoints from both phases form one
// monotonic sequence in the output directory.
//
// File format: magic, JSON metadata frame (step/epoch/shard progress and
// per-section tensor names+lengths), then one zstd-compressed stream of all
// tensor values as little-endian float64s, sections in fixed order, names
// sorted within a section.
// ===========================================================================

const (
	ckptPrefix = "ckpt_"
	ckptExt    = ".st"

	snapshotMagic uint32 = 0x5354434B // "STCK"

	// numLoadingWorkers bounds how many workers materialize a snapshot
	// concurrently at resume time. Every worker needs its own in-memory
	// copy, but letting the whole world load at once can exhaust host
	// memory, so loading proceeds in rank batches of this size with a
	// rendezvous between batches.
	numLoadingWorkers = 16
)

// Snapshot is the checkpoint payload.
type Snapshot struct {
	GlobalStep  int
	Epoch       int
	ShardCursor int
	ShardList   []string

	Model     StateDict
	Optimizer StateDict // nil under minimal checkpointing
	Schedule  StateDict // nil under minimal checkpointing
}

// CheckpointPath encodes a global step into the checkpoint filename.
func CheckpointPath(dir string, step int) string {
	return filepath.Join(dir, ckptPrefix+strconv.Itoa(step)+ckptExt)
}

// StepFromPath decodes the global step back out of a checkpoint filename.
// Inverse of CheckpointPath.
func StepFromPath(path string) (int, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, ckptPrefix) || !strings.HasSuffix(base, ckptExt) {
		return 0, fmt.Errorf("%s is not a checkpoint filename", path)
	}
	step, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, ckptPrefix), ckptExt))
	if err != nil {
		return 0, fmt.Errorf("%s has no step number: %w", path, err)
	}
	return step, nil
}

type tensorMeta struct {
	Name string `json:"name"`
	Len  int    `json:"len"`
}

type snapshotMeta struct {
	GlobalStep  int                     `json:"global_step"`
	Epoch       int                     `json:"epoch"`
	ShardCursor int                     `json:"shard_cursor"`
	ShardList   []string                `json:"shard_list"`
	Sections    map[string][]tensorMeta `json:"sections"`
}

// sectionOrder fixes the layout of the compressed tensor stream.
var sectionOrder = []string{"model", "optimizer", "schedule"}

func (s *Snapshot) sections() map[string]StateDict {
	out := map[string]StateDict{"model": s.Model}
	if s.Optimizer != nil {
		out["optimizer"] = s.Optimizer
	}
	if s.Schedule != nil {
		out["schedule"] = s.Schedule
	}
	return out
}

// EncodeSnapshot writes a snapshot to w.
func EncodeSnapshot(w io.Writer, s *Snapshot) error {
	meta := snapshotMeta{
		GlobalStep:  s.GlobalStep,
		Epoch:       s.Epoch,
		ShardCursor: s.ShardCursor,
		ShardList:   s.ShardList,
		Sections:    map[string][]tensorMeta{},
	}
	sections := s.sections()
	for name, sd := range sections {
		tensors := make([]tensorMeta, 0, len(sd))
		for _, k := range sd.sortedKeys() {
			tensors = append(tensors, tensorMeta{Name: k, Len: len(sd[k])})
		}
		meta.Sections[name] = tensors
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, snapshotMagic); err != nil {
		return fmt.Errorf("write snapshot magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(metaJSON))); err != nil {
		return fmt.Errorf("write snapshot metadata length: %w", err)
	}
	if _, err := w.Write(metaJSON); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	for _, section := range sectionOrder {
		sd, ok := sections[section]
		if !ok {
			continue
		}
		for _, k := range sd.sortedKeys() {
			if err := binary.Write(zw, binary.LittleEndian, sd[k]); err != nil {
				zw.Close()
				return fmt.Errorf("write tensor %s/%s: %w", section, k, err)
			}
		}
	}
	return zw.Close()
}

// DecodeSnapshot reads a snapshot written by EncodeSnapshot.
func DecodeSnapshot(f io.Reader) (*Snapshot, error) {
	var magic, metaLen uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read snapshot magic: %w", err)
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("not a checkpoint file (bad magic %#x)", magic)
	}
	if err := binary.Read(f, binary.LittleEndian, &metaLen); err != nil {
		return nil, fmt.Errorf("read snapshot metadata length: %w", err)
	}
	metaJSON := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaJSON); err != nil {
		return nil, fmt.Errorf("read snapshot metadata: %w", err)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot metadata: %w", err)
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()

	s := &Snapshot{
		GlobalStep:  meta.GlobalStep,
		Epoch:       meta.Epoch,
		ShardCursor: meta.ShardCursor,
		ShardList:   meta.ShardList,
	}
	for _, section := range sectionOrder {
		tensors, ok := meta.Sections[section]
		if !ok {
			continue
		}
		sd := make(StateDict, len(tensors))
		for _, tm := range tensors {
			vals := make([]float64, tm.Len)
			if err := binary.Read(zr, binary.LittleEndian, vals); err != nil {
				return nil, fmt.Errorf("read tensor %s/%s: %w", section, tm.Name, err)
			}
			sd[tm.Name] = vals
		}
		switch section {
		case "model":
			s.Model = sd
		case "optimizer":
			s.Optimizer = sd
		case "schedule":
			s.Schedule = sd
		}
	}
	return s, nil
}

// CheckpointManager owns checkpoint persistence and retention for one
// output directory. Only the coordinating worker constructs one.
type CheckpointManager struct {
	dir         string
	keep        int // -1 keeps everything
	phaseOffset int
	retained    []string
	log         *log.Entry
}

// NewCheckpointManager creates a manager. phaseOffset shifts encoded step
// numbers (phase-1 total steps when running phase 2, zero otherwise).
// Checkpoints already on disk from a prior run are adopted into the
// retention queue, oldest first, so a resumed job still honors the bound.
func NewCheckpointManager(dir string, keep, phaseOffset int, logger *log.Entry) (*CheckpointManager, error) {
	m := &CheckpointManager{dir: dir, keep: keep, phaseOffset: phaseOffset, log: logger}
	existing, err := scanCheckpoints(dir)
	if err == nil {
		m.retained = existing
	}
	return m, nil
}

// scanCheckpoints lists the checkpoint files in a directory ordered by
// ascending step.
func scanCheckpoints(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ckptPrefix+"*"+ckptExt))
	if err != nil {
		return nil, err
	}
	type entry struct {
		path string
		step int
	}
	entries := make([]entry, 0, len(matches))
	for _, p := range matches {
		step, err := StepFromPath(p)
		if err != nil {
			continue
		}
		entries = append(entries, entry{p, step})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].step < entries[j].step })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// Save persists a snapshot. The snapshot's GlobalStep is the in-run count;
// the written payload and filename both carry the phase-adjusted step. The
// write goes through a temp file and rename so a crash never leaves a
// half-written checkpoint under a valid name. After a successful write the
// retention bound is enforced, evicting oldest-first; deleting an already
// missing file is not an error.
func (m *CheckpointManager) Save(s *Snapshot) (string, error) {
	adjusted := *s
	adjusted.GlobalStep = s.GlobalStep + m.phaseOffset
	path := CheckpointPath(m.dir, adjusted.GlobalStep)

	tmp, err := os.CreateTemp(m.dir, ckptPrefix+"*.tmp")
	if err != nil {
		return "", fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if err := EncodeSnapshot(tmp, &adjusted); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename checkpoint into place: %w", err)
	}

	m.retained = append(m.retained, path)
	m.evict()
	return path, nil
}

func (m *CheckpointManager) evict() {
	if m.keep < 0 {
		return
	}
	for len(m.retained) > m.keep {
		oldest := m.retained[0]
		m.retained = m.retained[1:]
		if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
			if m.log != nil {
				m.log.WithError(err).Warnf("could not delete old checkpoint %s", oldest)
			}
			continue
		}
		if m.log != nil {
			m.log.Infof("keeping only %d checkpoints, deleted %s", m.keep, oldest)
		}
	}
}

// ResolveCheckpoint picks the checkpoint to resume from. Precedence: an
// explicit path wins; otherwise, when resuming into phase 2 or when no
// explicit step was given, the highest-numbered checkpoint in dir; otherwise
// the explicitly requested step.
func ResolveCheckpoint(dir, explicitPath string, explicitStep int, phase2 bool) (string, int, error) {
	if explicitPath != "" {
		step, err := StepFromPath(explicitPath)
		if err != nil {
			return "", 0, err
		}
		if _, err := os.Stat(explicitPath); err != nil {
			return "", 0, &CheckpointNotFoundError{Path: explicitPath}
		}
		return explicitPath, step, nil
	}

	if explicitStep < 0 || phase2 {
		existing, err := scanCheckpoints(dir)
		if err != nil || len(existing) == 0 {
			return "", 0, &NoCheckpointsAvailableError{Dir: dir}
		}
		latest := existing[len(existing)-1]
		step, err := StepFromPath(latest)
		if err != nil {
			return "", 0, err
		}
		return latest, step, nil
	}

	path := CheckpointPath(dir, explicitStep)
	if _, err := os.Stat(path); err != nil {
		return "", 0, &CheckpointNotFoundError{Path: path}
	}
	return path, explicitStep, nil
}

// LoadSnapshotFile reads and validates one checkpoint file: the step in the
// filename must equal the step in the payload.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CheckpointNotFoundError{Path: path}
		}
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer f.Close()
	s, err := DecodeSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	nameStep, err := StepFromPath(path)
	if err != nil {
		return nil, err
	}
	if nameStep != s.GlobalStep {
		return nil, fmt.Errorf("checkpoint %s is inconsistent: filename step %d != payload step %d",
			path, nameStep, s.GlobalStep)
	}
	s.Model = normalizeParamNames(s.Model)
	return s, nil
}

// LoadSnapshotFlowControlled loads the snapshot on every worker, but in
// rank batches of numLoadingWorkers with a rendezvous between batches, so
// at most one batch's worth of snapshots is being materialized in host
// memory at any moment. Each worker still ends up with its own copy; only
// the timing is staggered.
func LoadSnapshotFlowControlled(path string, c *Cluster) (*Snapshot, error) {
	var snap *Snapshot
	var err error
	for batchStart := 0; batchStart < c.WorldSize; batchStart += numLoadingWorkers {
		if c.Rank >= batchStart && c.Rank < batchStart+numLoadingWorkers {
			snap, err = LoadSnapshotFile(path)
		}
		c.Rendezvous("load_checkpoint_" + strconv.Itoa(batchStart))
	}
	return snap, err
}

// normalizeParamNames rewrites a loaded payload's parameter names to the
// native convention before strict key matching: distributed-wrapper
// "module." prefixes are stripped and the legacy "dense_act" activation
// naming becomes "dense".
func normalizeParamNames(sd StateDict) StateDict {
	if sd == nil {
		return nil
	}
	out := make(StateDict, len(sd))
	for k, v := range sd {
		k = strings.TrimPrefix(k, "module.")
		k = strings.ReplaceAll(k, "dense_act", "dense")
		out[k] = v
	}
	return out
}
