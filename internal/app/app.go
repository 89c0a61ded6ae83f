package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"repomigrate/internal/archive"
	"repomigrate/internal/checkpoint"
	"repomigrate/internal/config"
	"repomigrate/internal/metrics"
	"repomigrate/internal/node"
	"repomigrate/internal/progress"
	"repomigrate/internal/registry"
	"repomigrate/internal/storage"
	"repomigrate/internal/worker"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Migrator wires the migration engine from configuration
type Migrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *checkpoint.SQLiteStore
	catalog  *node.Catalog
	metrics  *metrics.Collector
	executor *Executor
}

// New creates a new migrator instance
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	store, err := checkpoint.NewSQLiteStore(cfg.Migration.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	catalog, err := node.OpenCatalog(cfg.Migration.MetadataDB, cfg.Migration.Shards)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open node catalog: %w", err)
	}

	m := &Migrator{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		catalog: catalog,
		metrics: metrics.New(),
	}

	m.executor, err = m.buildExecutor()
	if err != nil {
		_ = catalog.Close()
		_ = store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Migrator) buildExecutor() (*Executor, error) {
	configs := make(map[string]storage.Config, len(m.cfg.Storages))
	buckets := make(map[string]string, len(m.cfg.Storages))
	for key, s := range m.cfg.Storages {
		configs[key] = storage.Config{
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Secure:    s.Secure,
		}
		buckets[key] = s.Bucket
	}

	defaultKey := m.cfg.DefaultStorageKey()
	router, err := storage.NewRouterFromConfigs(configs, buckets, defaultKey, storage.CopyConfig{
		MultipartThreshold: m.cfg.Migration.MultipartThreshold,
		PartSize:           m.cfg.Migration.PartSize,
		SkipExisting:       m.cfg.Migration.SkipExisting,
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage router: %w", err)
	}

	var service archive.Service
	if m.cfg.Archive.StorageKey != "" {
		tier, err := archive.NewTierService(m.catalog.DB(), router, m.cfg.Archive.StorageKey, defaultKey, m.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive service: %w", err)
		}
		service = tier
	}
	handler := archive.NewHandler(service, m.catalog, router, m.logger)

	processor := worker.NewNodeProcessor(worker.Config{
		Retries:        m.cfg.Migration.Retries,
		RetryBackoffMs: m.cfg.Migration.RetryBackoffMs,
	}, router, handler, m.store, m.metrics, m.logger)

	pool := worker.NewPool(m.cfg.Migration.Concurrency, m.metrics, m.logger)

	return NewExecutor(ExecutorConfig{
		PageSize:               m.cfg.Migration.PageSize,
		UpdateProgressInterval: m.cfg.Migration.UpdateProgressInterval,
		Operator:               m.cfg.Task.Operator,
	}, m.store, m.catalog, pool, processor, registry.New(), m.metrics, m.logger), nil
}

// Run migrates the configured repository until the task finishes or ctx is
// cancelled. A cancelled run leaves the task resumable.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.cfg.ValidateTask(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	m.logger.Info("Starting migration",
		zap.String("project_id", m.cfg.Task.ProjectID),
		zap.String("repo_name", m.cfg.Task.RepoName),
		zap.String("src_storage_key", m.cfg.Task.SrcStorageKey),
		zap.String("dst_storage_key", m.cfg.Task.DstStorageKey),
		zap.Int("concurrency", m.cfg.Migration.Concurrency),
		zap.Int("shards", m.cfg.Migration.Shards),
	)

	stopMetrics := m.serveMetrics(ctx)
	defer stopMetrics()

	tc, err := m.executor.Submit(ctx, CreateTaskRequest{
		ProjectID:     m.cfg.Task.ProjectID,
		RepoName:      m.cfg.Task.RepoName,
		SrcStorageKey: m.cfg.Task.SrcStorageKey,
		DstStorageKey: m.cfg.Task.DstStorageKey,
		Operator:      m.cfg.Task.Operator,
	})
	if err != nil {
		return fmt.Errorf("failed to start migration: %w", err)
	}

	return m.await(ctx, tc)
}

// ResumeAll restarts every task left MIGRATING and waits for all of them
func (m *Migrator) ResumeAll(ctx context.Context) error {
	stopMetrics := m.serveMetrics(ctx)
	defer stopMetrics()

	contexts, err := m.executor.ResumeUnfinished(ctx)
	if err != nil && len(contexts) == 0 {
		return fmt.Errorf("failed to resume tasks: %w", err)
	}
	if len(contexts) == 0 {
		m.logger.Info("No unfinished migration tasks")
		return nil
	}

	var group errs.Group
	group.Add(err)
	for _, tc := range contexts {
		group.Add(m.awaitQuiet(ctx, tc))
	}
	return group.Err()
}

// serveMetrics starts the metrics endpoint and returns a function that stops it
func (m *Migrator) serveMetrics(ctx context.Context) func() {
	if m.cfg.MetricsAddr == "" {
		return func() {}
	}

	metricsCtx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		return m.metrics.StartServer(metricsCtx, m.cfg.MetricsAddr)
	})

	return func() {
		cancel()
		if err := group.Wait(); err != nil {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}
}

func (m *Migrator) await(ctx context.Context, tc *TaskContext) error {
	var display *progress.Display
	if m.cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(tc.Tracker(), 2*time.Second, os.Stdout)
		display.Start()
	} else {
		m.logger.Debug("Progress display disabled")
	}

	err := m.awaitQuiet(ctx, tc)

	if display != nil {
		display.Stop()
	}
	return err
}

func (m *Migrator) awaitQuiet(ctx context.Context, tc *TaskContext) error {
	select {
	case <-tc.Done():
	case <-ctx.Done():
		m.logger.Info("Stopping migration, waiting for in-flight transfers",
			zap.String("task_id", tc.Task().ID),
			zap.Duration("timeout", m.cfg.Migration.DrainTimeout))
		tc.Cancel()
		if err := tc.WaitAllTransferFinished(m.cfg.Migration.DrainTimeout); err != nil {
			return err
		}
	}

	finished, runErr := tc.Result()
	failed, err := m.store.CountFailedNodes(context.Background(), tc.Task().ID)
	if err != nil {
		m.logger.Warn("Failed to count failed nodes", zap.Error(err))
	}
	status := tc.Tracker().GetStatus()
	m.logger.Info("Migration run ended",
		zap.String("task_id", tc.Task().ID),
		zap.Bool("finished", finished),
		zap.Int64("processed", status.ProcessedNodes),
		zap.Int64("total", status.TotalNodes),
		zap.Int64("failed_nodes", failed),
	)

	if finished || ctx.Err() != nil {
		return nil
	}
	return runErr
}

// Status returns the task of a repository and the size of its failed node log
func (m *Migrator) Status(ctx context.Context, projectID, repoName string) (*checkpoint.Task, int64, error) {
	task, err := m.store.FindTask(ctx, projectID, repoName)
	if err != nil {
		return nil, 0, err
	}
	if task == nil {
		return nil, 0, checkpoint.ErrNotFound.New("%s/%s", projectID, repoName)
	}
	failed, err := m.store.CountFailedNodes(ctx, task.ID)
	if err != nil {
		return nil, 0, err
	}
	return task, failed, nil
}

// Tasks lists the tasks in a state
func (m *Migrator) Tasks(ctx context.Context, state checkpoint.TaskState) ([]*checkpoint.Task, error) {
	return m.store.ListTasks(ctx, state)
}

// FailedNodes pages through the failed node log of a repository's task
func (m *Migrator) FailedNodes(ctx context.Context, projectID, repoName, afterNodeID string, limit int) ([]*checkpoint.FailedNode, error) {
	task, _, err := m.Status(ctx, projectID, repoName)
	if err != nil {
		return nil, err
	}
	return m.store.ListFailedNodes(ctx, task.ID, afterNodeID, limit)
}

// Close drains running tasks and cleans up resources
func (m *Migrator) Close() error {
	var group errs.Group
	group.Add(m.executor.Close(m.cfg.Migration.DrainTimeout))
	group.Add(m.catalog.Close())
	group.Add(m.store.Close())
	return group.Err()
}
