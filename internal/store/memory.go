// ABOUTME: In-memory Store implementation
// ABOUTME: Used when no database path is configured and by tests that do not need SQLite

package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task // keyed by task ID
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
	}
}

// CreateTask stores a copy of task.
func (m *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return ErrDuplicateTask
	}
	// Phase results are only added through AppendPhaseResult
	t := task.Clone()
	t.Results = nil
	m.tasks[t.ID] = t
	return nil
}

// GetTask returns a copy of a task.
func (m *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// UpdateTask saves state, error and updated_at.
func (m *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	t.State = task.State
	t.Error = task.Error
	t.UpdatedAt = task.UpdatedAt
	return nil
}

// AppendPhaseResult adds a phase result to a task.
func (m *MemoryStore) AppendPhaseResult(ctx context.Context, taskID string, result PhaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if len(t.Results) >= MaxPhaseResults {
		return ErrPhaseLimit
	}
	t.Results = append(t.Results, result)
	t.UpdatedAt = result.CompletedAt
	return nil
}

// ListTasks returns copies of matching tasks, newest first.
func (m *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if filter.matches(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
