package workqueue

import (
	"context"
	"sync"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is one unit of pipeline work, typically the full governance pass over
// a single intent.
type Task interface {
	// ID returns a unique identifier for this task.
	ID() string

	// Name returns a human-readable name for logs.
	Name() string

	// Execute runs the task.
	Execute(ctx context.Context) error
}

// TaskFunc adapts a plain function into a Task.
type TaskFunc struct {
	TaskID   string
	TaskName string
	Fn       func(ctx context.Context) error
}

func (t TaskFunc) ID() string   { return t.TaskID }
func (t TaskFunc) Name() string { return t.TaskName }

func (t TaskFunc) Execute(ctx context.Context) error { return t.Fn(ctx) }

// taskState holds the runtime state of a queued task.
type taskState struct {
	task Task

	mu          sync.RWMutex
	status      TaskStatus
	startedAt   *time.Time
	completedAt *time.Time
	err         error
}

func newTaskState(task Task) *taskState {
	return &taskState{task: task, status: TaskStatusPending}
}

func (ts *taskState) setStatus(status TaskStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.status = status
	now := time.Now()
	switch status {
	case TaskStatusRunning:
		ts.startedAt = &now
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		ts.completedAt = &now
	}
}

func (ts *taskState) setError(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.err = err
}

// Snapshot returns an immutable copy of the task state.
func (ts *taskState) Snapshot() TaskSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var errMsg string
	if ts.err != nil {
		errMsg = ts.err.Error()
	}
	return TaskSnapshot{
		ID:          ts.task.ID(),
		Name:        ts.task.Name(),
		Status:      ts.status,
		StartedAt:   ts.startedAt,
		CompletedAt: ts.completedAt,
		Error:       errMsg,
	}
}

// TaskSnapshot is an immutable view of task state.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
