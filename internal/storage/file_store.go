package storage

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

const (
	filePrefix = "round-"
	fileSuffix = ".ckpt"
)

// FileStore keeps one gob-encoded file per round in a directory.
// Writes go to a temporary file that is renamed into place, so a crash
// mid-save never leaves a truncated checkpoint behind.
type FileStore struct {
	mu  sync.RWMutex // Serialises writers against readers
	dir string       // Checkpoint directory
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(round int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s%06d%s", filePrefix, round, fileSuffix))
}

// Save encodes the checkpoint to its round file.
func (f *FileStore) Save(cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("save round %d: %w", cp.Round, err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(cp); err != nil {
		tmp.Close()
		return fmt.Errorf("encode round %d: %w", cp.Round, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save round %d: %w", cp.Round, err)
	}
	if err := os.Rename(tmp.Name(), f.path(cp.Round)); err != nil {
		return fmt.Errorf("save round %d: %w", cp.Round, err)
	}
	return nil
}

// Load decodes a round's checkpoint.
func (f *FileStore) Load(round int) (Checkpoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(f.path(round))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load round %d: %w", round, err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := gob.NewDecoder(file).Decode(&cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode round %d: %w", round, err)
	}
	return cp, nil
}

// Latest decodes the checkpoint with the highest round.
func (f *FileStore) Latest() (Checkpoint, error) {
	rounds := f.Rounds()
	if len(rounds) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return f.Load(rounds[len(rounds)-1])
}

// Delete removes a round's file. Missing files are ignored.
func (f *FileStore) Delete(round int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(round)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete round %d: %w", round, err)
	}
	return nil
}

// Rounds lists saved rounds in ascending order. Unrelated files in the
// directory are ignored.
func (f *FileStore) Rounds() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	var rounds []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		round, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		rounds = append(rounds, round)
	}
	slices.Sort(rounds)
	return rounds
}

// Stats decodes every checkpoint to count values. Unreadable files are
// skipped.
func (f *FileStore) Stats() StoreStats {
	var stats StoreStats
	for _, round := range f.Rounds() {
		cp, err := f.Load(round)
		if err != nil {
			continue
		}
		stats.Checkpoints++
		stats.Values += cp.Params.NumElements()
	}
	return stats
}
