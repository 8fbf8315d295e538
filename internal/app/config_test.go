package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ereporting/internal/observability"
	"github.com/odyssey-erp/ereporting/internal/schema"
	_ "github.com/odyssey-erp/ereporting/internal/testing/guard"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SCHEMA_MODE", "")
	t.Setenv("ATTACHMENT_BACKEND", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 2*time.Minute, cfg.FlowLockTTL)
	require.Equal(t, 60*time.Second, cfg.ProxySubmitTimeout)
	require.Equal(t, 3, cfg.ProxyStatusRetries)
	require.Equal(t, "0 6 * * *", cfg.CronSendReady)
	require.Equal(t, "*/30 * * * *", cfg.CronSyncStatus)
	require.Equal(t, AttachmentBackendPostgres, cfg.AttachmentBackend)
	require.Equal(t, schema.ModeAuto, cfg.SchemaCheckMode())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Run("schema mode", func(t *testing.T) {
		t.Setenv("SCHEMA_MODE", "lenient")
		_, err := LoadConfig()
		require.Error(t, err)
	})
	t.Run("gcs without bucket", func(t *testing.T) {
		t.Setenv("ATTACHMENT_BACKEND", "GCS")
		t.Setenv("ATTACHMENT_BUCKET", "")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "bucket")
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("ATTACHMENT_BACKEND", "s3")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "s3")
	})
	t.Run("gcs with bucket", func(t *testing.T) {
		t.Setenv("ATTACHMENT_BACKEND", "gcs")
		t.Setenv("ATTACHMENT_BUCKET", "ereport-attachments")
		t.Setenv("SCHEMA_MODE", "strict")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.Equal(t, AttachmentBackendGCS, cfg.AttachmentBackend)
		require.Equal(t, schema.ModeStrict, cfg.SchemaCheckMode())
	})
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "WARN", parseLevel(" Warning ").String())
	require.Equal(t, "INFO", parseLevel("verbose").String())
}

func TestInTestModeFollowsGuard(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestParseTestMode(t *testing.T) {
	for _, raw := range []string{"1", "true", "TRUE", " yes ", "on"} {
		require.True(t, parseTestMode(raw), raw)
	}
	for _, raw := range []string{"", "0", "false", "no", "maybe"} {
		require.False(t, parseTestMode(raw), raw)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRouterHealthAndReadiness(t *testing.T) {
	healthy := true
	router := NewRouter(RouterParams{
		Config:  &Config{AppRequestTimeout: time.Second},
		Metrics: observability.NewMetrics(),
		Readiness: map[string]Pinger{
			"postgres": pingFunc(func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			}),
		},
	})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rr.Header().Get("X-Frame-Options"))

	healthy = false
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
