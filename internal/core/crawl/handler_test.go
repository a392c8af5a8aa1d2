package crawl

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airscrapy/internal/platform/orchestrator"
	"airscrapy/internal/platform/settings"
)

type memoryRuns struct {
	mu   sync.Mutex
	runs map[string]orchestrator.Run
}

func (m *memoryRuns) Save(_ context.Context, r orchestrator.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.RunID] = r
	return nil
}

func (m *memoryRuns) Get(_ context.Context, id string) (*orchestrator.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, orchestrator.ErrRunNotFound
	}
	return &r, nil
}

type queued struct{ tasks []*asynq.Task }

func (q *queued) Enqueue(t *asynq.Task, _ ...asynq.Option) (string, error) {
	q.tasks = append(q.tasks, t)
	return "id", nil
}

func newTestApp(t *testing.T) (*fiber.App, *orchestrator.Runner, *queued, *fakeRunner) {
	t.Helper()
	task, runner := newTestTask(t, &namedSpider{name: "quotes"}, settings.Settings{"DOWNLOAD_DELAY": 0},
		orchestrator.WithTimeout(time.Hour),
	)
	dag, err := orchestrator.NewDAG("crawls")
	require.NoError(t, err)
	require.NoError(t, dag.Add(task))

	q := &queued{}
	r := orchestrator.NewRunner(q, &memoryRuns{runs: map[string]orchestrator.Run{}}, orchestrator.Defaults{Retries: 3})
	require.NoError(t, r.Register(dag))

	app := fiber.New()
	h := NewHandler(r)
	app.Get("/v1/dags/:dagId/tasks", h.HandleListTasks)
	app.Post("/v1/dags/:dagId/tasks/:taskId/runs", h.HandleTriggerRun)
	app.Get("/v1/runs/:runId", h.HandleGetRun)
	return app, r, q, runner
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHandleListTasks(t *testing.T) {
	app, _, _, _ := newTestApp(t)

	var resp TaskListResponse
	status := doJSON(t, app, http.MethodGet, "/v1/dags/crawls/tasks", "", &resp)

	assert.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "quotes", resp.Tasks[0].TaskID)
	assert.Equal(t, "1h0m0s", resp.Tasks[0].Timeout)
	assert.Equal(t, 3, resp.Tasks[0].Retries)
	assert.Equal(t, "default", resp.Tasks[0].Queue)

	assert.Equal(t, http.StatusNotFound, doJSON(t, app, http.MethodGet, "/v1/dags/nope/tasks", "", nil))
}

func TestHandleTriggerAndExecuteRun(t *testing.T) {
	app, r, q, runner := newTestApp(t)

	var created TriggerResponse
	status := doJSON(t, app, http.MethodPost, "/v1/dags/crawls/tasks/quotes/runs",
		`{"params":{"extra_settings":{"DOWNLOAD_DELAY":2}}}`, &created)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, created.RunID)
	require.Len(t, q.tasks, 1)

	var queuedRun RunResponse
	require.Equal(t, http.StatusOK, doJSON(t, app, http.MethodGet, "/v1/runs/"+created.RunID, "", &queuedRun))
	assert.Equal(t, orchestrator.StatusQueued, queuedRun.Run.Status)

	// deliver the queued task the way the worker would
	require.NoError(t, r.HandleTask(context.Background(), q.tasks[0]))
	assert.Equal(t, float64(2), runner.settings["DOWNLOAD_DELAY"])

	var done RunResponse
	require.Equal(t, http.StatusOK, doJSON(t, app, http.MethodGet, "/v1/runs/"+created.RunID, "", &done))
	assert.Equal(t, orchestrator.StatusSuccess, done.Run.Status)
}

func TestHandleTriggerWithoutBody(t *testing.T) {
	app, _, q, _ := newTestApp(t)

	status := doJSON(t, app, http.MethodPost, "/v1/dags/crawls/tasks/quotes/runs", "", nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Len(t, q.tasks, 1)
}

func TestHandleTriggerErrors(t *testing.T) {
	app, _, q, _ := newTestApp(t)

	assert.Equal(t, http.StatusNotFound, doJSON(t, app, http.MethodPost, "/v1/dags/crawls/tasks/books/runs", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, app, http.MethodPost, "/v1/dags/crawls/tasks/quotes/runs", `{"params":`, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, app, http.MethodPost, "/v1/dags/crawls/tasks/quotes/runs", `{"params":{"extra_settings":[1,2]}}`, nil))
	assert.Empty(t, q.tasks)
}

func TestHandleGetRunNotFound(t *testing.T) {
	app, _, _, _ := newTestApp(t)

	var resp ErrorResponse
	assert.Equal(t, http.StatusNotFound, doJSON(t, app, http.MethodGet, "/v1/runs/missing", "", &resp))
	assert.Equal(t, "not_found", resp.Error)
}
