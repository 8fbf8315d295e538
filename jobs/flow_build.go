package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ereporting/internal/ereport"
	jobmetrics "github.com/odyssey-erp/ereporting/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// FlowBuilder regenerates flow payloads.
type FlowBuilder interface {
	BuildPayload(ctx context.Context, id int64) (ereport.Flow, error)
}

// FlowBuildJob handles TaskFlowBuild.
type FlowBuildJob struct {
	Builder FlowBuilder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewFlowBuildJob constructs the job handler.
func NewFlowBuildJob(builder FlowBuilder, logger *slog.Logger, metrics *jobmetrics.Metrics) *FlowBuildJob {
	return &FlowBuildJob{Builder: builder, Logger: logger, Metrics: metrics}
}

// Handle executes one build. Unknown or already transmitted flows are not retried.
func (j *FlowBuildJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Builder == nil {
		return errors.New("flow build: dependencies not configured")
	}
	var payload FlowBuildPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.FlowID <= 0 {
		return asynq.SkipRetry
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskFlowBuild)
	flow, err := j.Builder.BuildPayload(ctx, payload.FlowID)
	var cfgErr *ereport.ConfigurationError
	switch {
	case errors.Is(err, ereport.ErrFlowNotFound), errors.Is(err, ereport.ErrAlreadySent):
		jobLogger(j.Logger, TaskFlowBuild).Warn("flow build skipped", slog.Int64("flow_id", payload.FlowID), slog.Any("error", err))
		_ = tracker.End(err)
		return asynq.SkipRetry
	case errors.As(err, &cfgErr):
		jobLogger(j.Logger, TaskFlowBuild).Error("flow build misconfigured", slog.Int64("flow_id", payload.FlowID), slog.Any("error", err))
		_ = tracker.End(err)
		return asynq.SkipRetry
	case err != nil:
		jobLogger(j.Logger, TaskFlowBuild).Error("flow build", slog.Int64("flow_id", payload.FlowID), slog.Any("error", err))
		return tracker.End(err)
	}
	jobLogger(j.Logger, TaskFlowBuild).Info("flow built",
		slog.Int64("flow_id", flow.ID),
		slog.String("state", string(flow.State)),
		slog.Int("revision", flow.Revision),
		slog.Int("excluded", len(flow.ErrorMoveIDs)),
	)
	return tracker.End(nil)
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}
