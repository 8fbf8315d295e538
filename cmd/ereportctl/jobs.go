package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/ereporting/jobs"
)

// jobsBackend is the queue surface used by the jobs commands.
type jobsBackend interface {
	EnqueueBuild(ctx context.Context, flowID int64) error
	EnqueueSendReady(ctx context.Context) (*asynq.TaskInfo, error)
	EnqueueSyncStatus(ctx context.Context) (*asynq.TaskInfo, error)
	Stats() ([]jobs.QueueStats, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the e-reporting queues.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

func (c *JobsCLI) EnqueueBuild(ctx context.Context, flowID int64) error {
	return c.client.EnqueueBuild(ctx, flowID)
}

func (c *JobsCLI) EnqueueSendReady(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueSendReady(ctx)
}

func (c *JobsCLI) EnqueueSyncStatus(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueSyncStatus(ctx)
}

// Stats reports the e-reporting queue state.
func (c *JobsCLI) Stats() ([]jobs.QueueStats, error) {
	return jobs.Inspect(c.inspector)
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// newJobsCmd builds the jobs command tree. open defaults to a Redis backed
// JobsCLI.
func newJobsCmd(root *rootOptions, open func(redisAddr string) (jobsBackend, error)) *cobra.Command {
	if open == nil {
		open = func(addr string) (jobsBackend, error) { return NewJobsCLI(addr) }
	}
	withBackend := func(fn func(cmd *cobra.Command, b jobsBackend) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			b, err := open(root.redisAddr)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			return fn(cmd, b)
		}
	}

	cmd := &cobra.Command{Use: "jobs", Short: "Trigger and inspect background jobs"}

	trigger := &cobra.Command{Use: "trigger", Short: "Enqueue a job now"}
	var flowID int64
	build := &cobra.Command{
		Use:   "build",
		Short: "Rebuild the payload of one flow",
		RunE: withBackend(func(cmd *cobra.Command, b jobsBackend) error {
			if flowID <= 0 {
				return errors.New("--flow is required")
			}
			if err := b.EnqueueBuild(cmd.Context(), flowID); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "queued %s for flow %s\n", jobs.TaskFlowBuild, strconv.FormatInt(flowID, 10))
			return err
		}),
	}
	build.Flags().Int64Var(&flowID, "flow", 0, "flow id")

	sendReady := &cobra.Command{
		Use:   "send-ready",
		Short: "Run the automatic send pass",
		RunE: withBackend(func(cmd *cobra.Command, b jobsBackend) error {
			info, err := b.EnqueueSendReady(cmd.Context())
			return reportQueued(cmd, info, err)
		}),
	}
	syncStatus := &cobra.Command{
		Use:   "sync-status",
		Short: "Poll the gateway for transmission statuses",
		RunE: withBackend(func(cmd *cobra.Command, b jobsBackend) error {
			info, err := b.EnqueueSyncStatus(cmd.Context())
			return reportQueued(cmd, info, err)
		}),
	}
	trigger.AddCommand(build, sendReady, syncStatus)

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue statistics",
		RunE: withBackend(func(cmd *cobra.Command, b jobsBackend) error {
			stats, err := b.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if root.jsonOut {
				return printJSON(out, stats)
			}
			for _, s := range stats {
				if _, err := fmt.Fprintf(out, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived); err != nil {
					return err
				}
			}
			return nil
		}),
	}

	cmd.AddCommand(trigger, inspect)
	return cmd
}

func reportQueued(cmd *cobra.Command, info *asynq.TaskInfo, err error) error {
	if err != nil {
		return err
	}
	if info == nil {
		return errors.New("queue returned no task info")
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "queued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return err
}
