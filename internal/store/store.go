// ABOUTME: Store interface and task data types for conclave persistence
// ABOUTME: Defines Task, PhaseResult and the Store interface shared by the SQLite and memory stores

package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/2389/conclave/internal/consensus"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask is returned when creating a task whose ID already exists
var ErrDuplicateTask = errors.New("task already exists")

// ErrPhaseLimit is returned when appending more phase results than the pipeline has phases
var ErrPhaseLimit = errors.New("phase result limit reached")

// MaxPhaseResults is the number of pipeline phases, and so the most results a task can hold
const MaxPhaseResults = 5

// TaskState is the lifecycle state of a task
type TaskState string

const (
	TaskCreated    TaskState = "CREATED"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskCompleted  TaskState = "COMPLETED"
	TaskFailed     TaskState = "FAILED"
)

// Terminal reports whether no further transitions are possible
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is a known state
func (s TaskState) Valid() bool {
	switch s {
	case TaskCreated, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// PhaseResult is the immutable outcome of one pipeline phase
type PhaseResult struct {
	Phase       string
	AgentID     string
	Provider    string // "fallback" when served by the fallback responder
	Model       string
	Text        string
	Confidence  float64
	Latency     time.Duration
	Fallback    bool
	Attempts    int
	CompletedAt time.Time
}

// ConfidenceScore lets phase results feed consensus.Compute
func (r PhaseResult) ConfidenceScore() float64 {
	return r.Confidence
}

// Task is one submitted unit of work and its phase results
type Task struct {
	ID          string
	Description string
	TaskType    string
	State       TaskState
	Results     []PhaseResult
	Error       string // set only when State is FAILED
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy
func (t *Task) Clone() *Task {
	cp := *t
	cp.Results = slices.Clone(t.Results)
	return &cp
}

// Consensus recomputes the task's consensus from its phase results
func (t *Task) Consensus() consensus.Result {
	return consensus.Compute(t.Results)
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	States []TaskState // empty means any state
	Limit  int         // 0 means DefaultListLimit
}

// List limits
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func (f TaskFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

func (f TaskFilter) matches(t *Task) bool {
	return len(f.States) == 0 || slices.Contains(f.States, t.State)
}

// Store persists tasks and their phase results
type Store interface {
	// CreateTask inserts a new task. Returns ErrDuplicateTask if the ID exists.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns a task with its phase results. Returns ErrNotFound if missing.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask saves state, error and updated_at. Phase results are not touched.
	UpdateTask(ctx context.Context, task *Task) error

	// AppendPhaseResult adds the next phase result to a task.
	AppendPhaseResult(ctx context.Context, taskID string, result PhaseResult) error

	// ListTasks returns tasks newest first, with their phase results.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Close releases resources
	Close() error
}
