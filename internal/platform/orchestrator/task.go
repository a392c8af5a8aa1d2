// Package orchestrator schedules and executes pipeline tasks on asynq.
//
// A Task supplies a stable identity and an Execute entry point. Tasks are
// grouped in a DAG; the Runner enqueues runs, applies each task's retry,
// queue and timeout options through asynq, and records run state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidTaskID = errors.New("invalid task id")
	ErrInvalidOption = errors.New("invalid task option")
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,250}$`)

// Task is a unit of work the runner can execute.
type Task interface {
	TaskID() string
	Options() TaskOptions
	Execute(ctx context.Context, tc *TaskContext) error
}

// Params are run-scoped parameters handed to Execute.
type Params map[string]any

// TaskContext is created by the runner for each execution and discarded after it.
type TaskContext struct {
	DAGID       string
	TaskID      string
	RunID       string
	LogicalDate time.Time
	TryNumber   int
	Params      Params
}

// TaskOptions are generic scheduling hints. They are interpreted by the
// runner, never by the task itself.
type TaskOptions struct {
	Retries  int
	Queue    string
	Timeout  time.Duration
	Schedule string
	Params   Params

	hasRetries bool
}

type Option func(*TaskOptions) error

func WithRetries(n int) Option {
	return func(o *TaskOptions) error {
		if n < 0 {
			return fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidOption, n)
		}
		o.Retries = n
		o.hasRetries = true
		return nil
	}
}

func WithQueue(q string) Option {
	return func(o *TaskOptions) error {
		if q == "" {
			return fmt.Errorf("%w: empty queue name", ErrInvalidOption)
		}
		o.Queue = q
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *TaskOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidOption, d)
		}
		o.Timeout = d
		return nil
	}
}

// WithSchedule attaches a standard five-field cron expression (or a
// descriptor such as "@hourly") used by Runner.RegisterSchedules.
func WithSchedule(expr string) Option {
	return func(o *TaskOptions) error {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("%w: schedule %q: %v", ErrInvalidOption, expr, err)
		}
		o.Schedule = expr
		return nil
	}
}

// WithParams sets default params. Params supplied when a run is triggered
// replace these key by key.
func WithParams(p Params) Option {
	return func(o *TaskOptions) error {
		o.Params = p
		return nil
	}
}

// BaseTask carries identity and options. Embed it to implement Task.
type BaseTask struct {
	id   string
	opts TaskOptions
}

func NewBaseTask(id string, opts ...Option) (BaseTask, error) {
	if !taskIDPattern.MatchString(id) {
		return BaseTask{}, fmt.Errorf("%w: %q must match %s", ErrInvalidTaskID, id, taskIDPattern)
	}
	var o TaskOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return BaseTask{}, err
		}
	}
	return BaseTask{id: id, opts: o}, nil
}

func (b BaseTask) TaskID() string       { return b.id }
func (b BaseTask) Options() TaskOptions { return b.opts }

// mergeParams overlays run params onto task defaults.
func mergeParams(defaults, run Params) Params {
	out := make(Params, len(defaults)+len(run))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range run {
		out[k] = v
	}
	return out
}
