package orchestrator

import (
	"context"
	"errors"
	"time"
)

type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusRunning    RunStatus = "running"
	StatusSuccess    RunStatus = "success"
	StatusUpForRetry RunStatus = "up_for_retry"
	StatusFailed     RunStatus = "failed"
)

// Finished reports whether no further attempt will be made.
func (s RunStatus) Finished() bool { return s == StatusSuccess || s == StatusFailed }

// Run is the persisted state of one task run.
type Run struct {
	RunID       string     `json:"run_id"`
	DAGID       string     `json:"dag_id"`
	TaskID      string     `json:"task_id"`
	Status      RunStatus  `json:"status"`
	Try         int        `json:"try"`
	Params      Params     `json:"params,omitempty"`
	Error       string     `json:"error,omitempty"`
	LogicalDate time.Time  `json:"logical_date"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

var ErrRunNotFound = errors.New("run not found")

// RunStore persists run state. Get returns ErrRunNotFound for unknown ids.
type RunStore interface {
	Save(ctx context.Context, run Run) error
	Get(ctx context.Context, runID string) (*Run, error)
}
