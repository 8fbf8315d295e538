package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/ereporting/internal/aggregation"
	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/ereport"
	"github.com/odyssey-erp/ereporting/internal/fx"
	"github.com/odyssey-erp/ereporting/internal/platform/cache"
	"github.com/odyssey-erp/ereporting/internal/schema"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
	"github.com/odyssey-erp/ereporting/internal/validation"
)

// EReportDeps groups the runtime resources shared by the server and worker.
type EReportDeps struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Redis    redis.UniversalClient
	Enqueuer ereport.Enqueuer
	Metrics  ereport.Recorder
}

// EReport bundles the wired flow service and its scheduler.
type EReport struct {
	Service   *ereport.Service
	Scheduler *ereport.Scheduler
	closers   []func() error
}

// Close releases resources opened during wiring.
func (e *EReport) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewEReport wires the flow service against Postgres, Redis and the proxy.
// A missing proxy is logged, not fatal: sends then fail with a
// configuration error until one is configured.
func NewEReport(ctx context.Context, cfg *Config, deps EReportDeps) (*EReport, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := &EReport{}

	var blobs attachments.BlobStore
	if cfg.AttachmentBackend == AttachmentBackendGCS {
		gcs, err := attachments.NewGCSBlobStore(ctx, cfg.AttachmentBucket)
		if err != nil {
			return nil, err
		}
		blobs = gcs
		out.closers = append(out.closers, gcs.Close)
	}

	policy := transport.DefaultPolicy()
	if cfg.AckPolicyFile != "" {
		loaded, err := transport.LoadPolicy(cfg.AckPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load ack policy: %w", err)
		}
		policy = loaded
	}

	connector, err := transport.NewConnector(transport.Config{
		BaseURL:        cfg.ProxyURL,
		APIKey:         cfg.ProxyAPIKey,
		ControlTimeout: cfg.ProxyControlTimeout,
		SubmitTimeout:  cfg.ProxySubmitTimeout,
		StatusRetries:  cfg.ProxyStatusRetries,
		StatusBackoff:  cfg.ProxyStatusBackoff,
		TestMode:       InTestMode(),
	}, &http.Client{})
	if err != nil {
		logger.Warn("proxy connector unavailable", slog.Any("error", err))
		connector = nil
	}

	var locker cache.Locker = cache.NewLocalLocker()
	if deps.Redis != nil {
		locker = cache.NewRedisLocker(deps.Redis)
	}

	src := source.NewPostgres(deps.Pool)
	checker := schema.NewChecker(schema.NewRepository(cfg.SchemaDir), cfg.SchemaCheckMode())
	builder := aggregation.NewBuilder(validation.NewEngine(), fx.NewPGRateProvider(deps.Pool), src, checker)

	out.Service = ereport.NewService(ereport.Config{
		Repository:   ereport.NewPGRepository(deps.Pool, attachments.NewStore(blobs)),
		Transactions: src,
		Payments:     src,
		Events:       src,
		Noter:        src,
		Companies:    src,
		Builder:      builder,
		Connector:    connector,
		Acks:         transport.NewAckProcessor(policy),
		Locker:       locker,
		LockTTL:      cfg.FlowLockTTL,
		Enqueuer:     deps.Enqueuer,
		Metrics:      deps.Metrics,
		Logger:       logger,
	})
	out.Scheduler = ereport.NewScheduler(out.Service)
	return out, nil
}
