package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-collab/config"
	"github.com/songzhibin97/workflow-collab/dispatch"
	"github.com/songzhibin97/workflow-collab/registry"
	"github.com/songzhibin97/workflow-collab/storage"
	"github.com/songzhibin97/workflow-collab/types"
)

func TestTeamsTable(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"teams", "--catalog", ""})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "KEY")
	for _, team := range registry.DefaultCatalog() {
		assert.Contains(t, out.String(), team.Key)
	}
}

func TestTeamsYAMLRoundTrip(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"teams", "-o", "yaml"})
	require.NoError(t, cmd.Execute())

	teams, err := registry.ParseCatalog(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultCatalog(), teams)
}

func TestTeamsFromCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`teams:
  - key: ocr
    capabilities: [ocr]
    priority_tier: P0
    max_concurrent_tasks: 2
`), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"teams", "--catalog", path, "-o", "json"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"key": "ocr"`)
	assert.NotContains(t, out.String(), "vision_computational")
}

func TestTeamsUnknownOutput(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"teams", "-o", "xml"})
	assert.Error(t, cmd.Execute())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--storage", "etcd"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	cfg := config.Load()

	cfg.Storage.Driver = config.DriverNone
	st, closeFn, err := openStorage(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, st)
	closeFn()

	cfg.Storage.Driver = config.DriverMemory
	st, closeFn, err = openStorage(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, st)
	closeFn()
}

func TestTidyPrunesFinishedTasks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := storage.NewMemoryStorage()
	old, recent := now.Add(-2*time.Hour), now.Add(-time.Minute)
	require.NoError(t, st.SaveTask(ctx, types.Task{ID: "old", Status: types.StatusSuccess, CompletedAt: &old}))
	require.NoError(t, st.SaveTask(ctx, types.Task{ID: "recent", Status: types.StatusFailed, CompletedAt: &recent}))
	require.NoError(t, st.SaveTask(ctx, types.Task{ID: "live", Status: types.StatusRunning}))

	limiter := dispatch.NewRateLimiter(1, 1)
	limiter.AllowAt("idle", now.Add(-time.Hour))
	limiter.AllowAt("busy", now)

	tidy(ctx, now, limiter, st, time.Hour, zerolog.Nop())

	_, err := st.GetTask(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	for _, id := range []string{"recent", "live"} {
		_, err := st.GetTask(ctx, id)
		assert.NoError(t, err, id)
	}
	assert.Equal(t, 1, limiter.Sweep(now.Add(time.Minute)), "only the busy bucket survived")

	// stores without pruning are left alone
	tidy(ctx, now, limiter, nil, time.Hour, zerolog.Nop())
}
