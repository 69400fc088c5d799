package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory Checkpointer.
//
// Checkpoints are held in their JSON encoding, so a value loaded from a
// MemStore has exactly the shape it would have after a round trip through
// one of the SQL stores (numbers decode as float64, slices as []any).
// This also gives every Load an independent copy.
//
// Designed for:
//   - Testing and development
//   - Single-process workflows where persistence isn't required
//
// MemStore is safe for concurrent use. Data is lost when the process exits.
type MemStore struct {
	mu      sync.RWMutex
	byID    map[string][]byte   // checkpoint id -> encoded checkpoint
	threads map[string][]string // thread id -> checkpoint ids in save order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:    make(map[string][]byte),
		threads: make(map[string][]string),
	}
}

// Save appends cp to the thread history.
func (m *MemStore) Save(_ context.Context, threadID string, cp *Checkpoint) (string, error) {
	if err := prepare(threadID, cp); err != nil {
		return "", err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cp.ID] = data
	m.threads[threadID] = append(m.threads[threadID], cp.ID)
	return cp.ID, nil
}

// LoadLatest returns the last checkpoint saved for threadID.
func (m *MemStore) LoadLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.threads[threadID]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return m.decode(ids[len(ids)-1])
}

// Load returns the checkpoint with the given id.
func (m *MemStore) Load(_ context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decode(checkpointID)
}

// List returns the thread history in save order.
func (m *MemStore) List(_ context.Context, threadID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.threads[threadID]
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := m.decode(id)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Threads returns the ids of all threads with at least one checkpoint.
func (m *MemStore) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.threads))
	for id := range m.threads {
		out = append(out, id)
	}
	return out
}

// decode must be called with m.mu held.
func (m *MemStore) decode(id string) (*Checkpoint, error) {
	data, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	if cp.Frontier == nil {
		cp.Frontier = []string{}
	}
	return &cp, nil
}
