package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/casefill/orchestrator/internal/models"
)

// ErrTaskNotFound is returned for unknown and expired task ids
var ErrTaskNotFound = errors.New("task not found")

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not_found"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the pollable handle of one agent invocation
type Task struct {
	ID        string                   `json:"task_id"`
	SessionID string                   `json:"session_id,omitempty"`
	RecordID  string                   `json:"record_id,omitempty"`
	Status    Status                   `json:"status"`
	Result    *models.ExtractionResult `json:"result,omitempty"`
	Error     *TaskError               `json:"error,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	StartedAt *time.Time               `json:"started_at,omitempty"`
	ExpiresAt time.Time                `json:"expires_at"`

	Envelope *models.Envelope `json:"-"`
}

// TaskError describes why a task failed
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Executor performs the agent call for a task
type Executor interface {
	Extract(ctx context.Context, env *models.Envelope) (*models.ExtractionResult, error)
}

// CompletionFunc is called once per task after its terminal write
type CompletionFunc func(ctx context.Context, t *Task)

// ErrorClassifier turns an executor error into a stable code and message
type ErrorClassifier func(err error) (code, message string)
