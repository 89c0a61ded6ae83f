package app

import (
	"context"
	"sync"
	"time"

	"repomigrate/internal/checkpoint"
	"repomigrate/internal/metrics"
	"repomigrate/internal/node"
	"repomigrate/internal/progress"
	"repomigrate/internal/registry"
	"repomigrate/internal/scanner"
	"repomigrate/internal/worker"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the class of executor errors.
	Error = errs.Class("migrate")
	// ErrTaskExecuting rejects a task that is already running in this process.
	ErrTaskExecuting = errs.Class("task already executing")
	// ErrTaskExists rejects creating a second task for a repository.
	ErrTaskExists = errs.Class("task already exists")
	// ErrTaskFinished rejects running a task that already finished.
	ErrTaskFinished = errs.Class("task already finished")
	// ErrClosed is returned once the executor is closed.
	ErrClosed = errs.Class("executor closed")
)

const shutdownGrace = 5 * time.Second

// NodeSource lists and counts the nodes of a repository
type NodeSource interface {
	scanner.Source
	CountNodes(ctx context.Context, projectID, repoName string) (int64, error)
}

// Processor migrates a single node
type Processor interface {
	Process(ctx context.Context, task *checkpoint.Task, n *node.Node) worker.Result
}

// ExecutorConfig contains executor configuration
type ExecutorConfig struct {
	PageSize               int
	UpdateProgressInterval time.Duration
	Operator               string
}

// CreateTaskRequest describes a new repository migration
type CreateTaskRequest struct {
	ProjectID     string
	RepoName      string
	SrcStorageKey string
	DstStorageKey string
	Operator      string
}

// Executor runs migration tasks on a shared worker pool
type Executor struct {
	config    ExecutorConfig
	store     checkpoint.Store
	nodes     NodeSource
	pool      *worker.Pool
	processor Processor
	registry  *registry.Registry
	metrics   *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	running map[string]*TaskContext
}

// NewExecutor creates an executor
func NewExecutor(
	config ExecutorConfig,
	store checkpoint.Store,
	nodes NodeSource,
	pool *worker.Pool,
	processor Processor,
	taskRegistry *registry.Registry,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Executor {
	if config.Operator == "" {
		config.Operator = "system"
	}
	return &Executor{
		config:    config,
		store:     store,
		nodes:     nodes,
		pool:      pool,
		processor: processor,
		registry:  taskRegistry,
		metrics:   metricsCollector,
		logger:    logger,
		running:   make(map[string]*TaskContext),
	}
}

// CreateTask stores a new PENDING task for a repository
func (e *Executor) CreateTask(ctx context.Context, req CreateTaskRequest) (*checkpoint.Task, error) {
	existing, err := e.store.FindTask(ctx, req.ProjectID, req.RepoName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrTaskExists.New("%s/%s (%s)", req.ProjectID, req.RepoName, existing.ID)
	}

	operator := req.Operator
	if operator == "" {
		operator = e.config.Operator
	}
	now := time.Now()
	task := &checkpoint.Task{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		RepoName:         req.RepoName,
		SrcStorageKey:    req.SrcStorageKey,
		DstStorageKey:    req.DstStorageKey,
		State:            checkpoint.StatePending,
		CreatedBy:        operator,
		CreatedDate:      now,
		LastModifiedBy:   operator,
		LastModifiedDate: now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		if checkpoint.ErrDuplicate.Has(err) {
			return nil, ErrTaskExists.Wrap(err)
		}
		return nil, err
	}
	e.logger.Info("Migration task created",
		zap.String("task_id", task.ID),
		zap.String("project_id", task.ProjectID),
		zap.String("repo_name", task.RepoName),
		zap.String("src_storage_key", task.SrcStorageKey),
		zap.String("dst_storage_key", task.DstStorageKey),
	)
	return task, nil
}

// Submit finds or creates the repository's task and starts executing it
func (e *Executor) Submit(ctx context.Context, req CreateTaskRequest) (*TaskContext, error) {
	task, err := e.store.FindTask(ctx, req.ProjectID, req.RepoName)
	if err != nil {
		return nil, err
	}
	if task == nil {
		task, err = e.CreateTask(ctx, req)
		if ErrTaskExists.Has(err) {
			// lost a race with a concurrent submission
			task, err = e.store.FindTask(ctx, req.ProjectID, req.RepoName)
			if err == nil && task == nil {
				err = checkpoint.ErrNotFound.New("%s/%s", req.ProjectID, req.RepoName)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return e.Execute(ctx, task)
}

// ResumeUnfinished restarts every task left MIGRATING by a previous process.
// A task still executing in this process is waited for and restarted only if
// its run left it MIGRATING.
func (e *Executor) ResumeUnfinished(ctx context.Context) ([]*TaskContext, error) {
	tasks, err := e.store.ListTasks(ctx, checkpoint.StateMigrating)
	if err != nil {
		return nil, err
	}

	var contexts []*TaskContext
	var draining []string
	for _, task := range tasks {
		tc, err := e.Execute(ctx, task)
		if err != nil {
			if ErrTaskExecuting.Has(err) {
				draining = append(draining, task.ID)
				continue
			}
			return contexts, err
		}
		contexts = append(contexts, tc)
	}

	for _, id := range draining {
		if err := e.registry.Wait(ctx, id); err != nil {
			return contexts, Error.Wrap(err)
		}
		task, err := e.store.FindTaskByID(ctx, id)
		if err != nil {
			return contexts, err
		}
		if !task.State.Runnable() {
			continue
		}
		tc, err := e.Execute(ctx, task)
		if err != nil {
			if ErrTaskExecuting.Has(err) {
				continue
			}
			return contexts, err
		}
		contexts = append(contexts, tc)
	}
	return contexts, nil
}

// Executing reports whether a task is running in this process
func (e *Executor) Executing(taskID string) bool {
	return e.registry.Executing(taskID)
}

// Execute starts a PENDING or MIGRATING task in the background. Setup errors
// are returned; once the run has started its outcome is only visible through
// the task record, the failed node log and the returned TaskContext.
func (e *Executor) Execute(ctx context.Context, task *checkpoint.Task) (*TaskContext, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed.New("task %s", task.ID)
	}

	if !task.State.Runnable() {
		return nil, ErrTaskFinished.New("task %s is %s", task.ID, task.State)
	}
	if !e.registry.Register(task.ID) {
		return nil, ErrTaskExecuting.New("%s", task.ID)
	}
	e.metrics.SetExecutingTasks(e.registry.Count())

	started, err := e.start(ctx, task)
	if err != nil {
		e.registry.Deregister(task.ID)
		e.metrics.SetExecutingTasks(e.registry.Count())
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	progressAtStart := checkpoint.Progress{
		MigratedCount:      started.MigratedCount,
		LastMigratedNodeID: started.LastMigratedNodeID,
	}
	tc := &TaskContext{
		task:    started,
		window:  worker.NewWindow(progressAtStart),
		flusher: progress.NewFlusher(e.store, started.ID, e.config.UpdateProgressInterval, progressAtStart),
		tracker: progress.NewTracker(started.ID, started.TotalCount, started.MigratedCount),
		logger:  e.logger.With(zap.String("task_id", started.ID)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		e.registry.Deregister(task.ID)
		e.metrics.SetExecutingTasks(e.registry.Count())
		return nil, ErrClosed.New("task %s", task.ID)
	}
	e.running[started.ID] = tc
	e.mu.Unlock()

	tc.logger.Info("Migration task started",
		zap.String("project_id", started.ProjectID),
		zap.String("repo_name", started.RepoName),
		zap.Int64("total_count", started.TotalCount),
		zap.Int64("migrated_count", started.MigratedCount),
		zap.String("checkpoint", started.LastMigratedNodeID),
	)

	go e.run(runCtx, tc)
	return tc, nil
}

// start moves the task into MIGRATING, snapshotting the node count when the
// task has never run before.
func (e *Executor) start(ctx context.Context, task *checkpoint.Task) (*checkpoint.Task, error) {
	var total int64
	if !task.Started() {
		var err error
		total, err = e.nodes.CountNodes(ctx, task.ProjectID, task.RepoName)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return e.store.StartTask(ctx, task.ID, total, time.Now(), e.config.Operator)
}

func (e *Executor) run(ctx context.Context, tc *TaskContext) {
	defer func() {
		e.mu.Lock()
		delete(e.running, tc.task.ID)
		e.mu.Unlock()
		e.registry.Deregister(tc.task.ID)
		e.metrics.SetExecutingTasks(e.registry.Count())
		tc.cancel()
		close(tc.done)
	}()

	task := tc.task
	sc := scanner.New(e.nodes, task.ProjectID, task.RepoName, task.LastMigratedNodeID, e.config.PageSize)

	var scanErr error
	for sc.Next(ctx) {
		n := sc.Node()
		if err := tc.window.Dispatch(n.ID); err != nil {
			scanErr = err
			break
		}

		tc.transfers.Add(1)
		err := e.pool.Submit(ctx, func(workCtx context.Context) {
			defer tc.transfers.Done()
			e.transfer(workCtx, tc, n)
		})
		if err != nil {
			tc.transfers.Done()
			scanErr = err
			break
		}
	}
	if scanErr == nil {
		scanErr = sc.Err()
	}

	tc.transfers.Wait()
	e.finish(tc, scanErr)
}

func (e *Executor) transfer(ctx context.Context, tc *TaskContext, n *node.Node) {
	result := e.processor.Process(ctx, tc.task, n)
	if !result.Processed {
		// the checkpoint can no longer pass this node, so this run cannot
		// finish: stop scanning and let the next run pick it up
		tc.logger.Warn("Node left unprocessed, stopping scan", zap.String("node_id", n.ID))
		tc.cancel()
		return
	}

	switch result.Status {
	case metrics.StatusSkipped:
		tc.tracker.AddSkipped(result.Size)
	case metrics.StatusArchived:
		tc.tracker.AddArchived(result.Size)
	case metrics.StatusFailed:
		tc.tracker.AddFailed()
	default:
		tc.tracker.AddSuccess(result.Size)
	}

	p, err := tc.window.Complete(n.ID)
	if err != nil {
		tc.logger.Error("Checkpoint window rejected completion", zap.String("node_id", n.ID), zap.Error(err))
		return
	}
	if _, err := tc.flusher.MaybeFlush(ctx, p); err != nil {
		e.metrics.IncFlushError()
		tc.logger.Warn("Failed to persist progress",
			zap.Int64("migrated_count", p.MigratedCount),
			zap.String("checkpoint", p.LastMigratedNodeID),
			zap.Error(err))
	}
}

// finish persists the final progress. The task only becomes
// MIGRATE_FINISHED when the scan ran to the end and every dispatched node is
// covered by the checkpoint; otherwise it stays MIGRATING for a later resume.
func (e *Executor) finish(tc *TaskContext, scanErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p := tc.window.Progress()
	outstanding := tc.window.Outstanding()

	if scanErr != nil || outstanding > 0 {
		if _, err := tc.flusher.Flush(ctx, p); err != nil {
			e.metrics.IncFlushError()
			tc.logger.Error("Failed to persist progress of interrupted task", zap.Error(err))
		}
		if scanErr == nil {
			scanErr = Error.New("%d nodes were not durably processed", outstanding)
		}
		tc.setResult(false, scanErr)
		tc.logger.Warn("Migration task interrupted, it will resume from its checkpoint",
			zap.Int64("migrated_count", p.MigratedCount),
			zap.String("checkpoint", p.LastMigratedNodeID),
			zap.Error(scanErr))
		return
	}

	// nodes created or deleted by other traffic during the scan can make the
	// snapshot differ from what was visited; the final count wins
	total := p.MigratedCount
	if total != tc.task.TotalCount {
		tc.logger.Info("Node count changed during migration",
			zap.Int64("snapshot", tc.task.TotalCount),
			zap.Int64("visited", total))
	}

	if err := e.store.FinishTask(ctx, tc.task.ID, p, total); err != nil {
		e.metrics.IncFlushError()
		tc.setResult(false, err)
		tc.logger.Error("Failed to mark migration task finished", zap.Error(err))
		return
	}

	tc.setResult(true, nil)
	tc.logger.Info("Migration task finished",
		zap.Int64("total_count", total),
		zap.Int64("migrated_count", p.MigratedCount),
		zap.Duration("duration", time.Since(tc.tracker.GetStatus().StartTime)),
	)
}

// Close stops accepting tasks, stops all scans and waits for in-flight
// transfers and task bookkeeping to finish within timeout.
func (e *Executor) Close(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	e.logger.Info("Closing executor",
		zap.Strings("executing", e.registry.IDs()),
		zap.Duration("timeout", timeout))

	e.mu.Lock()
	e.closed = true
	contexts := make([]*TaskContext, 0, len(e.running))
	for _, tc := range e.running {
		contexts = append(contexts, tc)
	}
	e.mu.Unlock()

	for _, tc := range contexts {
		tc.cancel()
	}

	var group errs.Group
	group.Add(e.pool.Close(timeout))

	for _, tc := range contexts {
		// transfers are cancelled once the pool drain times out, so they
		// only need a short grace to record their outcome
		remaining := time.Until(deadline)
		if remaining < shutdownGrace {
			remaining = shutdownGrace
		}
		group.Add(tc.WaitAllTransferFinished(remaining))
	}
	return group.Err()
}

// TaskContext is the handle of one running task
type TaskContext struct {
	task      *checkpoint.Task
	window    *worker.Window
	flusher   *progress.Flusher
	tracker   *progress.Tracker
	logger    *zap.Logger
	transfers sync.WaitGroup
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	finished bool
	err      error
}

// Task returns the task record as it was when the run started
func (tc *TaskContext) Task() *checkpoint.Task {
	return tc.task
}

// Tracker returns the live progress tracker of the run
func (tc *TaskContext) Tracker() *progress.Tracker {
	return tc.tracker
}

// Done is closed when the run has ended and the task is deregistered
func (tc *TaskContext) Done() <-chan struct{} {
	return tc.done
}

// Cancel stops scanning; dispatched transfers still drain
func (tc *TaskContext) Cancel() {
	tc.cancel()
}

// WaitAllTransferFinished blocks until the run has drained every transfer and
// recorded its outcome, or the timeout elapses.
func (tc *TaskContext) WaitAllTransferFinished(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tc.done:
		return nil
	case <-timer.C:
		return ErrTaskExecuting.New("task %s still running after %s", tc.task.ID, timeout)
	}
}

// Result reports whether the run finished the task, and why not otherwise.
// It is only meaningful after Done is closed.
func (tc *TaskContext) Result() (bool, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.finished, tc.err
}

func (tc *TaskContext) setResult(finished bool, err error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.finished = finished
	tc.err = err
}
