package engine

import (
	"sync"
	"time"
)

// EventKind identifies the type of engine event.
type EventKind string

const (
	EventTaskStart       EventKind = "task_start"
	EventTaskEnd         EventKind = "task_end"
	EventIterationStart  EventKind = "iteration_start"
	EventModelResponse   EventKind = "model_response"
	EventToolCallStart   EventKind = "tool_call_start"
	EventToolCallEnd     EventKind = "tool_call_end"
	EventConfirmation    EventKind = "confirmation_requested"
	EventPermissionBlock EventKind = "permission_blocked"
	EventCompression     EventKind = "context_compression"
	EventBuildAttempt    EventKind = "build_attempt"
	EventCheckpoint      EventKind = "checkpoint_written"
	EventWarning         EventKind = "warning"
	EventError           EventKind = "error"
)

// Event is a typed event emitted while a task runs.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"task_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a channel.
type EventEmitter struct {
	taskID string
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(taskID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		taskID: taskID,
		ch:     make(chan Event, bufferSize),
	}
}

// Emit sends an event to the channel. Events are dropped rather than
// blocking the engine when the channel is full or closed.
func (e *EventEmitter) Emit(kind EventKind, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		TaskID:    e.taskID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
