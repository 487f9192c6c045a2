package storage

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/flsim/internal/params"
)

// ErrNotFound is returned when no checkpoint exists for a round
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the global model as it stood at the end of a round
type Checkpoint struct {
	RunID    string     // Run that produced the checkpoint
	Round    int        // Round index, starting at 0
	Params   params.Set // Global parameters after aggregation
	Accuracy float64    // Server accuracy after the round
	F1       float64    // Server macro F1 after the round
	SavedAt  time.Time  // Wall clock time of the save
}

// Store defines the interface for checkpoint storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Save stores a checkpoint under its round
	// Overwrites any existing checkpoint for the round
	Save(cp Checkpoint) error

	// Load retrieves the checkpoint of a round
	// Returns ErrNotFound if the round was never saved
	Load(round int) (Checkpoint, error)

	// Latest retrieves the checkpoint with the highest round
	// Returns ErrNotFound if the store is empty
	Latest() (Checkpoint, error)

	// Delete removes a round's checkpoint
	// No error if the round doesn't exist
	Delete(round int) error

	// Rounds returns the saved rounds in ascending order
	Rounds() []int

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Checkpoints int // Number of saved rounds
	Values      int // Total parameter values across all checkpoints
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex       // Protects concurrent access
	data map[int]Checkpoint // Round to checkpoint
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[int]Checkpoint),
	}
}

// Save stores a copy of the checkpoint
func (m *MemoryStore) Save(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.Params = cp.Params.Clone()
	m.data[cp.Round] = cp
	return nil
}

// Load returns a copy of the round's checkpoint
func (m *MemoryStore) Load(round int) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.data[round]
	if !exists {
		return Checkpoint{}, ErrNotFound
	}
	cp.Params = cp.Params.Clone()
	return cp, nil
}

// Latest returns a copy of the highest round's checkpoint
func (m *MemoryStore) Latest() (Checkpoint, error) {
	rounds := m.Rounds()
	if len(rounds) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return m.Load(rounds[len(rounds)-1])
}

// Delete removes a checkpoint (idempotent)
func (m *MemoryStore) Delete(round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, round)
	return nil
}

// Rounds returns the saved rounds in ascending order
func (m *MemoryStore) Rounds() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rounds := make([]int, 0, len(m.data))
	for round := range m.data {
		rounds = append(rounds, round)
	}
	slices.Sort(rounds)
	return rounds
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	snapshot := maps.Clone(m.data)
	m.mu.RUnlock()

	values := 0
	for _, cp := range snapshot {
		values += cp.Params.NumElements()
	}
	return StoreStats{
		Checkpoints: len(snapshot),
		Values:      values,
	}
}
