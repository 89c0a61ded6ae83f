package worker

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"repomigrate/internal/archive"
	"repomigrate/internal/checkpoint"
	"repomigrate/internal/metrics"
	"repomigrate/internal/node"
	"repomigrate/internal/storage"

	"go.uber.org/zap"
)

// ContentStore copies content between storage backends by digest
type ContentStore interface {
	Copy(ctx context.Context, sha256, srcKey, dstKey string) (storage.CopyResult, error)
}

// ArchiveFallback handles nodes whose content is missing from the source
type ArchiveFallback interface {
	Handle(ctx context.Context, task *checkpoint.Task, n *node.Node) archive.Outcome
}

// FailureRecorder appends to the failed node log
type FailureRecorder interface {
	SaveFailedNode(ctx context.Context, node *checkpoint.FailedNode) error
}

// Config contains processor configuration
type Config struct {
	Retries        int
	RetryBackoffMs int
}

// Result is what a processed node contributes to task progress
type Result struct {
	// Processed is false only when the node's outcome could not be made
	// durable; such a node must not be covered by the checkpoint.
	Processed bool
	Migrated  bool
	Status    string
	Size      int64
}

// NodeProcessor migrates the content of a single node
type NodeProcessor struct {
	config   Config
	content  ContentStore
	fallback ArchiveFallback
	failures FailureRecorder
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewNodeProcessor creates a node processor
func NewNodeProcessor(
	config Config,
	content ContentStore,
	fallback ArchiveFallback,
	failures FailureRecorder,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *NodeProcessor {
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &NodeProcessor{
		config:   config,
		content:  content,
		fallback: fallback,
		failures: failures,
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// Process migrates one node. Transfer failures never escape: they end up in
// the failed node log and the node still counts as processed.
func (p *NodeProcessor) Process(ctx context.Context, task *checkpoint.Task, n *node.Node) Result {
	startTime := time.Now()
	logger := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("node_id", n.ID),
		zap.String("full_path", n.FullPath),
	)

	copied, err := p.copyWithRetry(ctx, logger, task, n)
	if err == nil {
		status := metrics.StatusSuccess
		if copied.Skipped {
			status = metrics.StatusSkipped
		}
		p.metrics.IncNode(status)
		p.metrics.AddBytes(copied.Size)
		p.metrics.ObserveDuration(time.Since(startTime))
		logger.Debug("Node migrated",
			zap.Int64("size", copied.Size),
			zap.Bool("skipped", copied.Skipped),
			zap.Duration("duration", time.Since(startTime)),
		)
		return Result{Processed: true, Migrated: true, Status: status, Size: copied.Size}
	}

	// interrupted, not failed: leave the node to the next run
	if ctx.Err() != nil {
		logger.Debug("Node migration interrupted", zap.Error(err))
		return Result{}
	}

	reason := checkpoint.ReasonCopyFailed
	if storage.ErrNotFound.Has(err) {
		outcome := p.fallback.Handle(ctx, task, n)
		if outcome.Migrated {
			p.metrics.IncNode(metrics.StatusArchived)
			p.metrics.AddBytes(outcome.Size)
			p.metrics.ObserveDuration(time.Since(startTime))
			return Result{Processed: true, Migrated: true, Status: metrics.StatusArchived, Size: outcome.Size}
		}
		reason, err = outcome.Reason, outcome.Err
	}

	p.metrics.IncNode(metrics.StatusFailed)
	logger.Warn("Node migration failed",
		zap.String("reason", string(reason)),
		zap.Bool("compressed", n.Compressed),
		zap.Error(err),
	)
	return Result{Processed: p.markFailed(ctx, logger, task, n, reason, err), Status: metrics.StatusFailed}
}

func (p *NodeProcessor) copyWithRetry(ctx context.Context, logger *zap.Logger, task *checkpoint.Task, n *node.Node) (storage.CopyResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.config.Retries; attempt++ {
		result, err := p.content.Copy(ctx, n.SHA256, task.SrcStorageKey, task.DstStorageKey)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !storage.ErrTransient.Has(err) || attempt == p.config.Retries {
			break
		}

		logger.Debug("Copy attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(p.calculateBackoff(attempt)):
		case <-ctx.Done():
			return storage.CopyResult{}, ctx.Err()
		}
	}
	return storage.CopyResult{}, lastErr
}

func (p *NodeProcessor) markFailed(ctx context.Context, logger *zap.Logger, task *checkpoint.Task, n *node.Node, reason checkpoint.FailureReason, cause error) bool {
	record := &checkpoint.FailedNode{
		TaskID:    task.ID,
		NodeID:    n.ID,
		ProjectID: task.ProjectID,
		RepoName:  task.RepoName,
		FullPath:  n.FullPath,
		SHA256:    n.SHA256,
		Reason:    reason,
	}
	if cause != nil {
		record.Message = truncate(cause.Error(), 500)
	}

	if err := p.failures.SaveFailedNode(ctx, record); err != nil {
		logger.Error("Failed to record failed node", zap.Error(err))
		return false
	}
	return true
}

func (p *NodeProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
