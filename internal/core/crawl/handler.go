package crawl

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"airscrapy/internal/platform/orchestrator"
)

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type TriggerRequest struct {
	Params orchestrator.Params `json:"params"`
}

type TriggerResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id"`
}

type TaskInfo struct {
	TaskID   string `json:"task_id"`
	Queue    string `json:"queue"`
	Retries  int    `json:"retries"`
	Timeout  string `json:"timeout,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type TaskListResponse struct {
	Success bool       `json:"success"`
	DAGID   string     `json:"dag_id"`
	Tasks   []TaskInfo `json:"tasks"`
}

type RunResponse struct {
	Success bool              `json:"success"`
	Run     *orchestrator.Run `json:"run"`
}

type Handler struct {
	runner *orchestrator.Runner
}

func NewHandler(runner *orchestrator.Runner) *Handler {
	return &Handler{runner: runner}
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(ErrorResponse{Success: false, Error: msg})
}

func (h *Handler) HandleListTasks(c *fiber.Ctx) error {
	dag, err := h.runner.DAG(c.Params("dagId"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, err.Error())
	}
	resp := TaskListResponse{Success: true, DAGID: dag.ID(), Tasks: []TaskInfo{}}
	for _, t := range dag.Tasks() {
		o := h.runner.Effective(t.Options())
		info := TaskInfo{TaskID: t.TaskID(), Queue: o.Queue, Retries: o.Retries, Schedule: o.Schedule}
		if o.Timeout > 0 {
			info.Timeout = o.Timeout.String()
		}
		resp.Tasks = append(resp.Tasks, info)
	}
	return c.JSON(resp)
}

func (h *Handler) HandleTriggerRun(c *fiber.Ctx) error {
	var req TriggerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid body")
		}
	}
	if v, ok := req.Params[ExtraSettingsParam]; ok && v != nil {
		if _, isMap := v.(map[string]any); !isMap {
			return fail(c, fiber.StatusBadRequest, ExtraSettingsParam+" must be an object")
		}
	}

	id, err := h.runner.Trigger(c.Context(), c.Params("dagId"), c.Params("taskId"), req.Params)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownDAG) || errors.Is(err, orchestrator.ErrUnknownTask) {
			return fail(c, fiber.StatusNotFound, err.Error())
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{Success: true, RunID: id})
}

func (h *Handler) HandleGetRun(c *fiber.Ctx) error {
	run, err := h.runner.Run(c.Context(), c.Params("runId"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			return fail(c, fiber.StatusNotFound, "not_found")
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(RunResponse{Success: true, Run: run})
}
