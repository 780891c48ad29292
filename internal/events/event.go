// ABOUTME: Event types and constructors for task and provider lifecycle events.
// ABOUTME: Events are JSON-serializable and shared by SSE, websocket and NATS consumers.

package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TaskCreated          Type = "task.created"
	TaskStarted          Type = "task.started"
	PhaseCompleted       Type = "phase.completed"
	TaskCompleted        Type = "task.completed"
	TaskFailed           Type = "task.failed"
	ProviderStateChanged Type = "provider.state_changed"
)

// Terminal reports whether no further events follow for the task.
func (t Type) Terminal() bool {
	return t == TaskCompleted || t == TaskFailed
}

// Event is one lifecycle notification.
type Event struct {
	ID       string         `json:"id"`
	Type     Type           `json:"type"`
	TaskID   string         `json:"task_id,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// NewTaskEvent creates an event about a task.
func NewTaskEvent(typ Type, taskID string, data map[string]any) *Event {
	return &Event{
		ID:     uuid.New().String(),
		Type:   typ,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now().UTC(),
	}
}

// NewProviderEvent creates a provider.state_changed event.
func NewProviderEvent(provider, from, to string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     ProviderStateChanged,
		Provider: provider,
		Data:     map[string]any{"from": from, "to": to},
		Time:     time.Now().UTC(),
	}
}
