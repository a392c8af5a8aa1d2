package main

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"airscrapy/internal/config"
	"airscrapy/internal/core/crawl"
	"airscrapy/internal/core/run"
	"airscrapy/internal/health"
	"airscrapy/internal/logger"
	"airscrapy/internal/platform/crawler"
	"airscrapy/internal/platform/orchestrator"
	rds "airscrapy/internal/platform/redis"
	"airscrapy/internal/platform/settings"
	"airscrapy/internal/platform/storage"
	tasks "airscrapy/internal/platform/tasks"
	"airscrapy/internal/server"
	"airscrapy/internal/spiders"
	"airscrapy/internal/worker"
)

const crawlDAG = "crawls"

func main() {
	cfg := config.Load()
	log.Printf("[airscrapy] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")

	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	feeds, err := storage.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if feeds != nil {
		crawler.RegisterFeedStorage(storage.Scheme, feeds)
	}

	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()

	// Crawl tasks
	provider := settings.NewProjectProvider(cfg.SettingsFile)
	if _, err := provider.Load(); err != nil {
		log.Fatalf("load crawl settings: %v", err)
	}
	entries, err := spiders.Catalog(cfg.SpidersFile)
	if err != nil {
		log.Fatalf("load spiders: %v", err)
	}
	dag, err := orchestrator.NewDAG(crawlDAG)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		t, err := crawl.NewCrawlTask(e.Spider, provider, e.Options...)
		if err != nil {
			log.Fatalf("spider %s: %v", e.Spider.Name(), err)
		}
		if err := dag.Add(t); err != nil {
			log.Fatal(err)
		}
	}

	runner := orchestrator.NewRunner(taskClient, run.NewRunService(redisSvc), orchestrator.Defaults{
		Queue:   cfg.TaskQueue,
		Retries: cfg.TaskMaxRetries,
	})
	if err := runner.Register(dag); err != nil {
		log.Fatal(err)
	}
	logr.LogInfof("registered %d crawl tasks in dag %s", len(dag.Tasks()), crawlDAG)

	// Worker
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      worker.Queues(cfg.TaskQueue, runner.Queues()),
	})
	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeRun, runner.HandleTask)
	if err := asynqServer.Start(mux.Mux()); err != nil {
		log.Fatalf("start worker: %v", err)
	}

	// Scheduler
	scheduler := asynq.NewScheduler(redisSvc.AsynqRedisOpt(), &asynq.SchedulerOpts{Location: time.UTC})
	n, err := runner.RegisterSchedules(scheduler)
	if err != nil {
		log.Fatalf("register schedules: %v", err)
	}
	if n > 0 {
		if err := scheduler.Start(); err != nil {
			log.Fatalf("start scheduler: %v", err)
		}
		defer scheduler.Shutdown()
	}

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "airscrapy",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// Serve local feed files from DATA_DIR
	app.Static("/files", cfg.DataDir)

	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Runner: runner,
		Checks: map[string]health.CheckFunc{"redis": redisSvc.HealthCheck},
	})
	healthHandler.SetReady()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
