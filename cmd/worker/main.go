package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/ereporting/internal/app"
	jobmetrics "github.com/odyssey-erp/ereporting/internal/jobs"
	"github.com/odyssey-erp/ereporting/internal/platform/cache"
	"github.com/odyssey-erp/ereporting/internal/platform/db"
	"github.com/odyssey-erp/ereporting/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, "ereport-worker")
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	ereport, err := app.NewEReport(ctx, cfg, app.EReportDeps{
		Logger:   logger,
		Pool:     pool,
		Redis:    redisClient,
		Enqueuer: jobClient,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Error("wire ereport", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := ereport.Close(); err != nil {
			logger.Warn("ereport close", slog.Any("error", err))
		}
	}()

	buildJob := jobs.NewFlowBuildJob(ereport.Service, logger, metrics)
	sendJob := jobs.NewSendReadyJob(ereport.Scheduler, logger, metrics)
	syncJob := jobs.NewSyncStatusJob(ereport.Scheduler, logger, metrics)

	now := time.Now().UTC()
	sendTask, err := jobs.NewSendReadyTask(now)
	if err != nil {
		logger.Error("build send task", slog.Any("error", err))
		os.Exit(1)
	}
	syncTask, err := jobs.NewSyncStatusTask(now)
	if err != nil {
		logger.Error("build sync task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskFlowBuild, Handler: buildJob.Handle},
			{Type: jobs.TaskSendReady, Handler: sendJob.Handle},
			{Type: jobs.TaskSyncStatus, Handler: syncJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CronSendReady, Task: sendTask, Options: []asynq.Option{asynq.Unique(time.Hour)}},
			{Spec: cfg.CronSyncStatus, Task: syncTask, Options: []asynq.Option{asynq.Unique(10 * time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting",
		slog.String("send_ready", cfg.CronSendReady),
		slog.String("sync_status", cfg.CronSyncStatus),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
