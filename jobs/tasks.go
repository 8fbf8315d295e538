package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries user-triggered flow builds.
	QueueCritical = "critical"

	// TaskFlowBuild regenerates the payload of one flow.
	TaskFlowBuild = "ereport:flow:build"
	// TaskSendReady runs the automatic send pass.
	TaskSendReady = "ereport:cron:send_ready"
	// TaskSyncStatus polls the gateway for transmission statuses.
	TaskSyncStatus = "ereport:cron:sync_status"
)

// FlowBuildPayload identifies the flow to rebuild.
type FlowBuildPayload struct {
	FlowID int64 `json:"flow_id"`
}

// CronPayload carries scheduling metadata for the periodic passes.
type CronPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewFlowBuildTask constructs an Asynq task for a flow build.
func NewFlowBuildTask(flowID int64) (*asynq.Task, error) {
	body, err := json.Marshal(FlowBuildPayload{FlowID: flowID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFlowBuild, body, asynq.Queue(QueueCritical), asynq.MaxRetry(5)), nil
}

// NewSendReadyTask constructs the send pass task.
func NewSendReadyTask(at time.Time) (*asynq.Task, error) {
	return newCronTask(TaskSendReady, at)
}

// NewSyncStatusTask constructs the status synchronisation task.
func NewSyncStatusTask(at time.Time) (*asynq.Task, error) {
	return newCronTask(TaskSyncStatus, at)
}

func newCronTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(CronPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
