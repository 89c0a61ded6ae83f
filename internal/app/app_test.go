package app_test

import (
	"context"
	"path/filepath"
	"testing"

	"repomigrate/internal/app"
	"repomigrate/internal/checkpoint"
	"repomigrate/internal/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMigrator(t *testing.T) (*app.Migrator, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Migration.Checkpoint = filepath.Join(dir, "migrate.db")
	cfg.Migration.MetadataDB = filepath.Join(dir, "metadata.db")
	cfg.MetricsAddr = ""
	cfg.Storages = map[string]config.StorageConfig{
		"hot":  {Endpoint: "localhost:9000", Bucket: "hot", Default: true},
		"cold": {Endpoint: "localhost:9001", Bucket: "cold"},
	}

	m, err := app.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, cfg
}

func TestMigratorStatusOfUnknownRepository(t *testing.T) {
	m, _ := newMigrator(t)

	_, _, err := m.Status(context.Background(), "p", "r")
	require.True(t, checkpoint.ErrNotFound.Has(err))

	_, err = m.FailedNodes(context.Background(), "p", "r", "", 10)
	require.True(t, checkpoint.ErrNotFound.Has(err))

	tasks, err := m.Tasks(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestMigratorRunValidatesTask(t *testing.T) {
	m, _ := newMigrator(t)

	err := m.Run(context.Background())
	require.Error(t, err)
}

func TestMigratorRunsEmptyRepository(t *testing.T) {
	m, cfg := newMigrator(t)
	cfg.Task.ProjectID = "p"
	cfg.Task.RepoName = "r"
	cfg.Task.DstStorageKey = "cold"
	cfg.Migration.ShowProgress = false

	require.NoError(t, m.Run(context.Background()))

	task, failed, err := m.Status(context.Background(), "p", "r")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateMigrateFinished, task.State)
	require.Zero(t, failed)

	require.NoError(t, m.ResumeAll(context.Background()))
}
