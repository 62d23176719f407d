package job

import (
	"encoding/json"
	"time"
)

// Status of a job in the queue
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Well-known job types
const (
	TypeSessionRunner = "session-runner"
	TypeMaintenance   = "maintenance"
)

// DefaultMaxAttempts bounds retries when the creator does not say otherwise
const DefaultMaxAttempts = 3

// Job is one unit of background work
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job has finished for good
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CreateInput describes a job to enqueue
type CreateInput struct {
	Type        string
	Data        interface{}
	Priority    int
	MaxAttempts int
	ScheduledAt *time.Time
}

// ListFilter narrows List results; zero fields match everything
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
}
