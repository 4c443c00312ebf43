package scan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNotFound means no checkpoint exists at the configured path.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt means a checkpoint exists but failed its integrity check.
	// Fatal at startup unless a fresh scan was explicitly requested.
	ErrCorrupt = errors.New("checkpoint is corrupt")
)

// ScanState is the durable record of scan progress: where the address
// sequence stands and the cumulative counters. Exactly one exists per scan
// run and only the orchestrator writes to it.
//
// Cursor is the length of the contiguous completed prefix of the sequence.
// Outcomes can arrive out of order, so completions ahead of the cursor sit in
// a small window until the gap closes; everything at index >= Cursor is
// re-attempted after a crash, which trades duplicate probes for the guarantee
// that no address is ever skipped.
type ScanState struct {
	Mode       string    `json:"mode"`
	Seed       int64     `json:"seed"`
	RangeStart string    `json:"range_start"`
	RangeEnd   string    `json:"range_end"`
	Port       uint16    `json:"port"`
	Cursor     uint64    `json:"cursor"`
	Attempted  uint64    `json:"attempted"`
	Succeeded  uint64    `json:"succeeded"`
	Failed     uint64    `json:"failed"`
	UpdatedAt  time.Time `json:"updated_at"`

	window map[uint64]bool
}

func NewScanState(mode string, seed int64, start, end uint32, port uint16) *ScanState {
	return &ScanState{
		Mode:       mode,
		Seed:       seed,
		RangeStart: Address{IP: start}.NetIP().String(),
		RangeEnd:   Address{IP: end}.NetIP().String(),
		Port:       port,
		window:     make(map[uint64]bool),
	}
}

// Record folds one terminal outcome into the state and advances the cursor
// across the contiguous completed prefix.
func (st *ScanState) Record(seq uint64, outcome ProbeOutcome) {
	st.Attempted++
	if outcome.Status == StatusSuccess {
		st.Succeeded++
	} else {
		st.Failed++
	}
	if st.window == nil {
		st.window = make(map[uint64]bool)
	}
	st.window[seq] = true
	for st.window[st.Cursor] {
		delete(st.window, st.Cursor)
		st.Cursor++
	}
}

// Matches reports whether a loaded state belongs to the same logical scan as
// the requested configuration.
func (st *ScanState) Matches(mode string, start, end uint32, port uint16) bool {
	return st.Mode == mode &&
		st.RangeStart == Address{IP: start}.NetIP().String() &&
		st.RangeEnd == Address{IP: end}.NetIP().String() &&
		st.Port == port
}

// checkpointFile is the on-disk envelope: the serialized state plus a SHA-256
// of those exact bytes, written as part of the same atomic save.
type checkpointFile struct {
	State    json.RawMessage `json:"state"`
	Checksum string          `json:"checksum"`
}

// CheckpointStore persists ScanState to a single file with
// write-to-temp-then-rename saves, so a crash never leaves a partial
// checkpoint visible.
type CheckpointStore struct {
	Path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{Path: path}
}

func (c *CheckpointStore) Save(st *ScanState) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal scan state: %w", err)
	}
	sum := sha256.Sum256(raw)
	envelope, err := json.MarshalIndent(checkpointFile{
		State:    raw,
		Checksum: hex.EncodeToString(sum[:]),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, envelope, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

func (c *CheckpointStore) Load() (*ScanState, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var envelope checkpointFile
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	// The envelope is written indented, so compact the state back to the
	// exact bytes the checksum was taken over.
	var compact bytes.Buffer
	if err := json.Compact(&compact, envelope.State); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sum := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(sum[:]) != envelope.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	st := &ScanState{window: make(map[uint64]bool)}
	if err := json.Unmarshal(envelope.State, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return st, nil
}

// Remove deletes the checkpoint file, ignoring absence.
func (c *CheckpointStore) Remove() error {
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
