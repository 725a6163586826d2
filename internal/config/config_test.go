package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagesnap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: "localhost:6379"
storage:
  bucket: "pagesnap-cache"
`)

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	// Defaults
	assert.Equal(t, ":3081", cfg.Server.Listen)
	assert.Equal(t, 10, cfg.Render.Workers)
	assert.Equal(t, 5*time.Second, cfg.Render.LoadTimeout.ToDuration())
	assert.Equal(t, 2*time.Second, cfg.Render.ReadinessTimeout.ToDuration())
	assert.Equal(t, defaultReadinessSelector, cfg.Render.ReadinessSelector)
	assert.Equal(t, 24*time.Hour, cfg.Cache.SuccessTTL.ToDuration())
	assert.Equal(t, 5*time.Minute, cfg.Cache.FailureTTL.ToDuration())
	assert.Equal(t, 200*time.Millisecond, cfg.Cache.PollInterval.ToDuration())
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.True(t, cfg.Log.Console.Enabled)
	assert.Equal(t, "pagesnap", cfg.Metrics.Namespace)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":8080"
  timeout: 45s
redis:
  addr: "redis:6379"
  password: "secret"
  db: 3
storage:
  region: "eu-west-1"
  bucket: "snapshots"
  prefix: "pages"
  endpoint: "http://localhost:4566"
  path_style: true
render:
  workers: 4
  load_timeout: 10s
  readiness_timeout: 3s
  readiness_selector: "#app[data-ready]"
cache:
  success_ttl: 2d
  failure_ttl: 10m
  lock_ttl: 1m
  wait_timeout: 15s
  poll_interval: 100ms
batch:
  workers: 8
  sitemap_timeout: 1m
log:
  level: debug
metrics:
  enabled: true
  listen: ":9091"
`)

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "snapshots", cfg.Storage.Bucket)
	assert.True(t, cfg.Storage.PathStyle)
	assert.Equal(t, 4, cfg.Render.Workers)
	assert.Equal(t, "#app[data-ready]", cfg.Render.ReadinessSelector)
	assert.Equal(t, 48*time.Hour, cfg.Cache.SuccessTTL.ToDuration())
	assert.Equal(t, time.Minute, cfg.Cache.LockTTL.ToDuration())
	assert.Equal(t, 8, cfg.Batch.Workers)
	assert.Equal(t, time.Minute, cfg.Batch.SitemapTimeout.ToDuration())
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: "localhost:6379"
storage:
  bucket: "pagesnap-cache"
renderr:
  workers: 4
`)

	_, err := Load(path, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration field")
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing redis addr",
			content: `
storage:
  bucket: "pagesnap-cache"
`,
			wantErr: "redis.addr is required",
		},
		{
			name: "missing bucket",
			content: `
redis:
  addr: "localhost:6379"
`,
			wantErr: "storage.bucket is required",
		},
		{
			name: "negative workers",
			content: `
redis:
  addr: "localhost:6379"
storage:
  bucket: "pagesnap-cache"
render:
  workers: -1
`,
			wantErr: "render.workers must be positive",
		},
		{
			name: "metrics enabled without listen",
			content: `
redis:
  addr: "localhost:6379"
storage:
  bucket: "pagesnap-cache"
metrics:
  enabled: true
`,
			wantErr: "metrics.listen is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
