package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"airscrapy/internal/logger"
	"airscrapy/internal/platform/tasks"
)

// Enqueuer submits asynq tasks; *tasks.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (string, error)
}

// ScheduleRegistrar is the subset of *asynq.Scheduler used for periodic runs.
type ScheduleRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// Defaults apply to tasks that did not set the corresponding option.
type Defaults struct {
	Queue   string
	Retries int
}

type runPayload struct {
	RunID       string    `json:"run_id,omitempty"`
	DAGID       string    `json:"dag_id"`
	TaskID      string    `json:"task_id"`
	Params      Params    `json:"params,omitempty"`
	LogicalDate time.Time `json:"logical_date,omitempty"`
}

type Runner struct {
	enq        Enqueuer
	store      RunStore
	defaults   Defaults
	log        *logger.Logger
	now        func() time.Time
	deliveryOf func(context.Context) delivery

	mu   sync.RWMutex
	dags map[string]*DAG
}

func NewRunner(enq Enqueuer, store RunStore, defaults Defaults) *Runner {
	if defaults.Queue == "" {
		defaults.Queue = "default"
	}
	return &Runner{
		enq:        enq,
		store:      store,
		defaults:   defaults,
		log:        logger.New("Runner"),
		now:        func() time.Time { return time.Now().UTC() },
		deliveryOf: asynqDelivery,
		dags:       make(map[string]*DAG),
	}
}

func (r *Runner) Register(d *DAG) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dags[d.ID()]; ok {
		return fmt.Errorf("dag %s already registered", d.ID())
	}
	r.dags[d.ID()] = d
	return nil
}

func (r *Runner) DAG(id string) (*DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dags[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDAG, id)
	}
	return d, nil
}

// DAGs returns the registered DAGs sorted by id.
func (r *Runner) DAGs() []*DAG {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DAG, 0, len(r.dags))
	for _, d := range r.dags {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Runner) lookup(dagID, taskID string) (Task, error) {
	d, err := r.DAG(dagID)
	if err != nil {
		return nil, err
	}
	return d.Task(taskID)
}

// Trigger records a queued run and enqueues it. The returned run id can be
// passed to Run.
func (r *Runner) Trigger(ctx context.Context, dagID, taskID string, params Params) (string, error) {
	t, err := r.lookup(dagID, taskID)
	if err != nil {
		return "", err
	}

	now := r.now()
	run := Run{
		RunID:       "manual__" + uuid.New().String(),
		DAGID:       dagID,
		TaskID:      taskID,
		Status:      StatusQueued,
		Params:      params,
		LogicalDate: now,
		QueuedAt:    &now,
	}
	payload, err := json.Marshal(runPayload{RunID: run.RunID, DAGID: dagID, TaskID: taskID, Params: params, LogicalDate: now})
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	if err := r.store.Save(ctx, run); err != nil {
		return "", err
	}

	opts := append(r.asynqOptions(t.Options()), asynq.TaskID(run.RunID))
	if _, err := r.enq.Enqueue(asynq.NewTask(tasks.TaskTypeRun, payload), opts...); err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		run.FinishedAt = &now
		_ = r.store.Save(ctx, run)
		return "", fmt.Errorf("enqueue %s.%s: %w", dagID, taskID, err)
	}
	r.log.LogInfof("queued run %s for %s.%s", run.RunID, dagID, taskID)
	return run.RunID, nil
}

// RegisterSchedules adds a periodic entry for every task that has a schedule
// and returns how many were registered.
func (r *Runner) RegisterSchedules(s ScheduleRegistrar) (int, error) {
	n := 0
	for _, d := range r.DAGs() {
		for _, t := range d.Tasks() {
			opts := t.Options()
			if opts.Schedule == "" {
				continue
			}
			payload, err := json.Marshal(runPayload{DAGID: d.ID(), TaskID: t.TaskID()})
			if err != nil {
				return n, err
			}
			if _, err := s.Register(opts.Schedule, asynq.NewTask(tasks.TaskTypeRun, payload), r.asynqOptions(opts)...); err != nil {
				return n, fmt.Errorf("schedule %s.%s: %w", d.ID(), t.TaskID(), err)
			}
			r.log.LogInfof("scheduled %s.%s at %q", d.ID(), t.TaskID(), opts.Schedule)
			n++
		}
	}
	return n, nil
}

// Effective returns o with the runner defaults filled in for unset options.
func (r *Runner) Effective(o TaskOptions) TaskOptions {
	if o.Queue == "" {
		o.Queue = r.defaults.Queue
	}
	if !o.hasRetries {
		o.Retries = r.defaults.Retries
		o.hasRetries = true
	}
	return o
}

// Queues returns the sorted set of queues registered tasks are enqueued on,
// including the default queue. Workers must consume all of them.
func (r *Runner) Queues() []string {
	set := map[string]bool{r.defaults.Queue: true}
	for _, d := range r.DAGs() {
		for _, t := range d.Tasks() {
			set[r.Effective(t.Options()).Queue] = true
		}
	}
	out := make([]string, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (r *Runner) asynqOptions(o TaskOptions) []asynq.Option {
	o = r.Effective(o)
	opts := []asynq.Option{asynq.Queue(o.Queue), asynq.MaxRetry(o.Retries)}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	return opts
}

// delivery describes the asynq delivery being handled.
type delivery struct {
	taskID   string
	retried  int
	maxRetry int
}

func asynqDelivery(ctx context.Context) delivery {
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return delivery{taskID: id, retried: retried, maxRetry: maxRetry}
}

// HandleTask executes one delivery of a run. The task's error is returned
// unchanged so asynq applies the retry policy; lookup and decoding failures
// are not retried.
func (r *Runner) HandleTask(ctx context.Context, at *asynq.Task) error {
	var p runPayload
	if err := json.Unmarshal(at.Payload(), &p); err != nil {
		return fmt.Errorf("decode run payload: %v: %w", err, asynq.SkipRetry)
	}
	d := r.deliveryOf(ctx)
	now := r.now()

	// Scheduled payloads carry no run id. The asynq task id is stable across
	// retries of one delivery, so every try lands on the same run.
	if p.RunID == "" {
		id := d.taskID
		if id == "" {
			id = uuid.New().String()
		}
		p.RunID = "scheduled__" + id
	}

	run := Run{
		RunID:       p.RunID,
		DAGID:       p.DAGID,
		TaskID:      p.TaskID,
		Params:      p.Params,
		LogicalDate: p.LogicalDate,
		QueuedAt:    &now,
	}
	if prev, err := r.store.Get(ctx, p.RunID); err == nil {
		run.QueuedAt = prev.QueuedAt
		if run.LogicalDate.IsZero() {
			run.LogicalDate = prev.LogicalDate
		}
	} else if !errors.Is(err, ErrRunNotFound) {
		r.log.LogWarnf("load run %s: %v", p.RunID, err)
	}
	if run.LogicalDate.IsZero() {
		run.LogicalDate = now
	}

	t, err := r.lookup(p.DAGID, p.TaskID)
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		run.Try = d.retried + 1
		run.FinishedAt = &now
		r.save(context.WithoutCancel(ctx), run)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tc := &TaskContext{
		DAGID:       p.DAGID,
		TaskID:      p.TaskID,
		RunID:       p.RunID,
		LogicalDate: run.LogicalDate,
		TryNumber:   d.retried + 1,
		Params:      mergeParams(t.Options().Params, p.Params),
	}

	run.Status = StatusRunning
	run.Error = ""
	run.Try = tc.TryNumber
	run.StartedAt = &now
	run.FinishedAt = nil
	r.save(ctx, run)

	r.log.LogInfof("executing %s.%s run=%s try=%d", p.DAGID, p.TaskID, p.RunID, tc.TryNumber)
	execErr := t.Execute(ctx, tc)

	finished := r.now()
	run.FinishedAt = &finished
	switch {
	case execErr == nil:
		run.Status = StatusSuccess
		r.log.LogSuccessf("run %s succeeded in %v", p.RunID, finished.Sub(now))
	case d.retried < d.maxRetry:
		run.Status = StatusUpForRetry
		run.Error = execErr.Error()
		r.log.LogWarnf("run %s try %d failed, will retry: %v", p.RunID, tc.TryNumber, execErr)
	default:
		run.Status = StatusFailed
		run.Error = execErr.Error()
		r.log.LogErrorf("run %s failed after %d tries: %v", p.RunID, tc.TryNumber, execErr)
	}
	r.save(context.WithoutCancel(ctx), run)
	return execErr
}

// save records run state. Bookkeeping failures never fail the task itself.
func (r *Runner) save(ctx context.Context, run Run) {
	if err := r.store.Save(ctx, run); err != nil {
		r.log.LogWarnf("save run %s (%s): %v", run.RunID, run.Status, err)
	}
}

// Run returns the stored state of a run.
func (r *Runner) Run(ctx context.Context, runID string) (*Run, error) {
	return r.store.Get(ctx, runID)
}
