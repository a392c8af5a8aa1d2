package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airscrapy/internal/platform/tasks"
)

type memoryStore struct {
	mu      sync.Mutex
	runs    map[string]Run
	history []RunStatus
}

func newMemoryStore() *memoryStore { return &memoryStore{runs: make(map[string]Run)} }

func (m *memoryStore) Save(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	m.history = append(m.history, run.Status)
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (r *recordingEnqueuer) Enqueue(t *asynq.Task, opts ...asynq.Option) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.tasks = append(r.tasks, t)
	r.opts = append(r.opts, opts)
	return "id", nil
}

type fakeScheduler struct {
	exprs []string
}

func (f *fakeScheduler) Register(expr string, _ *asynq.Task, _ ...asynq.Option) (string, error) {
	f.exprs = append(f.exprs, expr)
	return "entry", nil
}

// probeTask records the context of every execution.
type probeTask struct {
	BaseTask
	err   error
	calls []*TaskContext
}

func (p *probeTask) Execute(_ context.Context, tc *TaskContext) error {
	p.calls = append(p.calls, tc)
	return p.err
}

func newProbe(t *testing.T, id string, opts ...Option) *probeTask {
	t.Helper()
	base, err := NewBaseTask(id, opts...)
	require.NoError(t, err)
	return &probeTask{BaseTask: base}
}

func newRunner(t *testing.T, tasks ...Task) (*Runner, *recordingEnqueuer, *memoryStore) {
	t.Helper()
	dag, err := NewDAG("crawls")
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, dag.Add(task))
	}
	enq := &recordingEnqueuer{}
	store := newMemoryStore()
	r := NewRunner(enq, store, Defaults{Queue: "crawl", Retries: 2})
	require.NoError(t, r.Register(dag))
	return r, enq, store
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestNewBaseTaskValidatesID(t *testing.T) {
	for _, id := range []string{"", "has space", "slash/name"} {
		_, err := NewBaseTask(id)
		assert.ErrorIs(t, err, ErrInvalidTaskID, id)
	}

	b, err := NewBaseTask("quotes")
	require.NoError(t, err)
	assert.Equal(t, "quotes", b.TaskID())
}

func TestNewBaseTaskOptions(t *testing.T) {
	b, err := NewBaseTask("quotes",
		WithRetries(5),
		WithQueue("crawl"),
		WithTimeout(time.Minute),
		WithSchedule("@hourly"),
		WithParams(Params{"extra_settings": map[string]any{"DOWNLOAD_DELAY": 1}}),
	)
	require.NoError(t, err)

	o := b.Options()
	assert.Equal(t, 5, o.Retries)
	assert.Equal(t, "crawl", o.Queue)
	assert.Equal(t, time.Minute, o.Timeout)
	assert.Equal(t, "@hourly", o.Schedule)
	assert.Contains(t, o.Params, "extra_settings")

	for _, opt := range []Option{WithRetries(-1), WithQueue(""), WithTimeout(0), WithSchedule("every tuesday")} {
		_, err := NewBaseTask("quotes", opt)
		assert.ErrorIs(t, err, ErrInvalidOption)
	}
}

func TestDAGRejectsDuplicates(t *testing.T) {
	dag, err := NewDAG("crawls")
	require.NoError(t, err)

	require.NoError(t, dag.Add(newProbe(t, "quotes")))
	require.NoError(t, dag.Add(newProbe(t, "books")))
	assert.ErrorIs(t, dag.Add(newProbe(t, "quotes")), ErrDuplicateTask)

	var ids []string
	for _, task := range dag.Tasks() {
		ids = append(ids, task.TaskID())
	}
	assert.Equal(t, []string{"books", "quotes"}, ids)

	_, err = dag.Task("missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTriggerEnqueuesWithTaskOptions(t *testing.T) {
	probe := newProbe(t, "quotes", WithRetries(0), WithTimeout(time.Hour))
	r, enq, store := newRunner(t, probe)

	runID, err := r.Trigger(context.Background(), "crawls", "quotes", Params{"extra_settings": map[string]any{"DOWNLOAD_DELAY": 2}})
	require.NoError(t, err)
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, tasks.TaskTypeRun, enq.tasks[0].Type())

	opts := enq.opts[0]
	q, _ := optionValue(opts, asynq.QueueOpt)
	assert.Equal(t, "crawl", q)
	retries, _ := optionValue(opts, asynq.MaxRetryOpt)
	assert.Equal(t, 0, retries)
	timeout, _ := optionValue(opts, asynq.TimeoutOpt)
	assert.Equal(t, time.Hour, timeout)
	id, _ := optionValue(opts, asynq.TaskIDOpt)
	assert.Equal(t, runID, id)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, run.Status)
}

func TestTriggerUnknownTask(t *testing.T) {
	r, _, _ := newRunner(t, newProbe(t, "quotes"))

	_, err := r.Trigger(context.Background(), "crawls", "books", nil)
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = r.Trigger(context.Background(), "other", "quotes", nil)
	assert.ErrorIs(t, err, ErrUnknownDAG)
}

func TestTriggerEnqueueFailureMarksRunFailed(t *testing.T) {
	r, enq, store := newRunner(t, newProbe(t, "quotes"))
	enq.err = errors.New("redis down")

	_, err := r.Trigger(context.Background(), "crawls", "quotes", nil)
	require.ErrorContains(t, err, "redis down")
	assert.Equal(t, []RunStatus{StatusQueued, StatusFailed}, store.history)
}

func TestHandleTaskExecutesWithMergedParams(t *testing.T) {
	probe := newProbe(t, "quotes", WithParams(Params{"region": "eu", "extra_settings": map[string]any{"A": 1}}))
	r, enq, store := newRunner(t, probe)

	runID, err := r.Trigger(context.Background(), "crawls", "quotes", Params{"extra_settings": map[string]any{"B": 2}})
	require.NoError(t, err)
	require.NoError(t, r.HandleTask(context.Background(), enq.tasks[0]))

	require.Len(t, probe.calls, 1)
	tc := probe.calls[0]
	assert.Equal(t, runID, tc.RunID)
	assert.Equal(t, "crawls", tc.DAGID)
	assert.Equal(t, "quotes", tc.TaskID)
	assert.Equal(t, 1, tc.TryNumber)
	assert.Equal(t, "eu", tc.Params["region"])
	assert.Equal(t, map[string]any{"B": float64(2)}, tc.Params["extra_settings"])

	run, err := r.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.NotNil(t, run.QueuedAt)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, []RunStatus{StatusQueued, StatusRunning, StatusSuccess}, store.history)
}

func TestHandleTaskReturnsExecuteErrorUnchanged(t *testing.T) {
	boom := errors.New("crawl exploded")
	probe := newProbe(t, "quotes")
	probe.err = boom
	r, enq, store := newRunner(t, probe)

	runID, err := r.Trigger(context.Background(), "crawls", "quotes", nil)
	require.NoError(t, err)

	err = r.HandleTask(context.Background(), enq.tasks[0])
	assert.Same(t, boom, err)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "crawl exploded", run.Error)
}

func TestHandleTaskSkipsRetryForUnknownTask(t *testing.T) {
	r, _, _ := newRunner(t, newProbe(t, "quotes"))

	err := r.HandleTask(context.Background(), asynq.NewTask(tasks.TaskTypeRun, []byte(`{"dag_id":"crawls","task_id":"gone"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorContains(t, err, "unknown task")

	err = r.HandleTask(context.Background(), asynq.NewTask(tasks.TaskTypeRun, []byte(`not json`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTaskFailsQueuedRunForRemovedTask(t *testing.T) {
	r, enq, store := newRunner(t, newProbe(t, "quotes"))
	runID, err := r.Trigger(context.Background(), "crawls", "quotes", nil)
	require.NoError(t, err)

	// the worker only knows a DAG without that task
	worker := NewRunner(enq, store, Defaults{})
	other, err := NewDAG("crawls")
	require.NoError(t, err)
	require.NoError(t, worker.Register(other))

	err = worker.HandleTask(context.Background(), enq.tasks[0])
	assert.ErrorIs(t, err, asynq.SkipRetry)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "unknown task")
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, []RunStatus{StatusQueued, StatusFailed}, store.history)
}

func TestHandleTaskScheduledRun(t *testing.T) {
	probe := newProbe(t, "quotes")
	r, _, store := newRunner(t, probe)

	require.NoError(t, r.HandleTask(context.Background(), asynq.NewTask(tasks.TaskTypeRun, []byte(`{"dag_id":"crawls","task_id":"quotes"}`))))

	require.Len(t, probe.calls, 1)
	tc := probe.calls[0]
	assert.Contains(t, tc.RunID, "scheduled__")
	assert.False(t, tc.LogicalDate.IsZero())
	assert.Empty(t, tc.Params)

	run, err := store.Get(context.Background(), tc.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
}

func TestHandleTaskRetriesOfScheduledRunShareRunID(t *testing.T) {
	probe := newProbe(t, "quotes")
	probe.err = errors.New("site down")
	r, _, store := newRunner(t, probe)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	try := 0
	r.deliveryOf = func(context.Context) delivery {
		return delivery{taskID: "3f0c2a", retried: try, maxRetry: 1}
	}
	task := asynq.NewTask(tasks.TaskTypeRun, []byte(`{"dag_id":"crawls","task_id":"quotes"}`))

	assert.Error(t, r.HandleTask(context.Background(), task))
	run, err := store.Get(context.Background(), "scheduled__3f0c2a")
	require.NoError(t, err)
	assert.Equal(t, StatusUpForRetry, run.Status)

	try = 1
	clock = clock.Add(time.Minute)
	assert.Error(t, r.HandleTask(context.Background(), task))

	require.Len(t, probe.calls, 2)
	assert.Equal(t, probe.calls[0].RunID, probe.calls[1].RunID)
	assert.Equal(t, probe.calls[0].LogicalDate, probe.calls[1].LogicalDate)
	assert.Equal(t, 2, probe.calls[1].TryNumber)
	assert.Len(t, store.runs, 1)

	run, err = store.Get(context.Background(), "scheduled__3f0c2a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 2, run.Try)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), *run.QueuedAt)
}

func TestRegisterSchedules(t *testing.T) {
	r, _, _ := newRunner(t,
		newProbe(t, "quotes", WithSchedule("*/15 * * * *")),
		newProbe(t, "books"),
	)
	s := &fakeScheduler{}

	n, err := r.RegisterSchedules(s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"*/15 * * * *"}, s.exprs)
}

func TestRunnerQueuesCoverEveryTask(t *testing.T) {
	r, _, _ := newRunner(t,
		newProbe(t, "quotes"),
		newProbe(t, "books", WithQueue("slow")),
	)

	assert.Equal(t, []string{"crawl", "slow"}, r.Queues())
}

func TestEffectiveOptionsApplyDefaults(t *testing.T) {
	r, _, _ := newRunner(t)

	o := r.Effective(TaskOptions{})
	assert.Equal(t, "crawl", o.Queue)
	assert.Equal(t, 2, o.Retries)

	explicit, err := NewBaseTask("quotes", WithRetries(0), WithQueue("fast"))
	require.NoError(t, err)
	o = r.Effective(explicit.Options())
	assert.Equal(t, "fast", o.Queue)
	assert.Equal(t, 0, o.Retries)
}

func TestRegisterRejectsDuplicateDAG(t *testing.T) {
	r, _, _ := newRunner(t)
	dag, err := NewDAG("crawls")
	require.NoError(t, err)
	assert.Error(t, r.Register(dag))
}

func TestRunStatusFinished(t *testing.T) {
	assert.True(t, StatusSuccess.Finished())
	assert.True(t, StatusFailed.Finished())
	assert.False(t, StatusUpForRetry.Finished())
	assert.False(t, StatusQueued.Finished())
}
