package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ereporting/internal/ereport"
	jobmetrics "github.com/odyssey-erp/ereporting/internal/jobs"
)

// CronRunner exposes the periodic e-reporting passes.
type CronRunner interface {
	CronSendReady(ctx context.Context) (ereport.SendReport, error)
	CronSyncTransportStatuses(ctx context.Context) (ereport.SyncReport, error)
}

// SendReadyJob handles TaskSendReady.
type SendReadyJob struct {
	Runner  CronRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSendReadyJob constructs the job handler.
func NewSendReadyJob(runner CronRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *SendReadyJob {
	return &SendReadyJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle runs one send pass.
func (j *SendReadyJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("send ready: dependencies not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskSendReady)
	report, err := j.Runner.CronSendReady(ctx)
	if err != nil {
		jobLogger(j.Logger, TaskSendReady).Error("send pass", slog.Any("error", err))
		return tracker.End(err)
	}
	jobLogger(j.Logger, TaskSendReady).Info("send pass completed",
		slog.Int("sent", report.Sent),
		slog.Int("cancelled", report.Cancelled),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return tracker.End(nil)
}

// SyncStatusJob handles TaskSyncStatus.
type SyncStatusJob struct {
	Runner  CronRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSyncStatusJob constructs the job handler.
func NewSyncStatusJob(runner CronRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncStatusJob {
	return &SyncStatusJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle runs one status synchronisation. A missing proxy configuration is
// not retried.
func (j *SyncStatusJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("sync status: dependencies not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskSyncStatus)
	report, err := j.Runner.CronSyncTransportStatuses(ctx)
	var cfgErr *ereport.ConfigurationError
	if errors.As(err, &cfgErr) {
		jobLogger(j.Logger, TaskSyncStatus).Error("status sync misconfigured", slog.Any("error", err))
		_ = tracker.End(err)
		return asynq.SkipRetry
	}
	if err != nil {
		jobLogger(j.Logger, TaskSyncStatus).Error("status sync", slog.Any("error", err))
		return tracker.End(err)
	}
	jobLogger(j.Logger, TaskSyncStatus).Info("status sync completed",
		slog.Int("polled", report.Polled),
		slog.Int("updated", report.Updated),
		slog.Int("acknowledged", report.Acknowledged),
		slog.Int("failed", report.Failed),
	)
	return tracker.End(nil)
}
