package server

import (
	"github.com/gofiber/fiber/v2"

	"airscrapy/internal/core/crawl"
	"airscrapy/internal/health"
	"airscrapy/internal/platform/orchestrator"
)

type Dependencies struct {
	Runner *orchestrator.Runner
	Checks map[string]health.CheckFunc
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	healthHandler := health.NewHealthHandler(d.Checks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	runs := crawl.NewHandler(d.Runner)
	api.Get("/dags/:dagId/tasks", runs.HandleListTasks)
	api.Post("/dags/:dagId/tasks/:taskId/runs", runs.HandleTriggerRun)
	api.Get("/runs/:runId", runs.HandleGetRun)

	return healthHandler
}
