package archive

import (
	"context"

	"repomigrate/internal/checkpoint"
	"repomigrate/internal/node"
	"repomigrate/internal/storage"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the class of archive errors.
	Error = errs.Class("archive")
	// ErrArchiving is returned while content is being moved into the archive
	// tier by another process. The caller should try again later.
	ErrArchiving = errs.Class("archiving in progress")
)

// Service relocates content that lives in the archive tier. It reports
// whether the node's content was found in the archive and moved to the
// task's destination storage.
type Service interface {
	Migrate(ctx context.Context, task *checkpoint.Task, n *node.Node) (bool, error)
}

// NodeUpdater clears a node's archived flag once its content is live again
type NodeUpdater interface {
	ClearArchived(ctx context.Context, n *node.Node) error
}

// Copier copies live content between storage backends
type Copier interface {
	Copy(ctx context.Context, sha256, srcKey, dstKey string) (storage.CopyResult, error)
}

// Outcome is the result of the archive fallback for one node
type Outcome struct {
	Migrated bool
	Size     int64
	Reason   checkpoint.FailureReason
	Err      error
}

// Handler is the fallback path taken when a node's content is missing from
// the source storage.
type Handler struct {
	service Service
	nodes   NodeUpdater
	copier  Copier
	logger  *zap.Logger
}

// NewHandler creates an archived file handler
func NewHandler(service Service, nodes NodeUpdater, copier Copier, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		nodes:   nodes,
		copier:  copier,
		logger:  logger,
	}
}

// Handle runs the fallback for a node whose primary copy reported not found
func (h *Handler) Handle(ctx context.Context, task *checkpoint.Task, n *node.Node) Outcome {
	logger := h.logger.With(
		zap.String("task_id", task.ID),
		zap.String("node_id", n.ID),
		zap.String("full_path", n.FullPath),
		zap.Bool("archived", n.Archived),
	)

	if h.service == nil {
		return Outcome{Reason: checkpoint.ReasonNotArchived, Err: Error.New("no archive service configured")}
	}

	migrated, err := h.service.Migrate(ctx, task, n)
	switch {
	case ErrArchiving.Has(err):
		logger.Info("Content is being archived, recording for retry", zap.Error(err))
		return Outcome{Reason: checkpoint.ReasonArchiving, Err: err}
	case err != nil:
		logger.Warn("Archive migration failed", zap.Error(err))
		return Outcome{Reason: checkpoint.ReasonArchiveFailed, Err: err}
	case !migrated:
		logger.Warn("Content not found in source storage nor archive")
		return Outcome{Reason: checkpoint.ReasonNotArchived, Err: Error.New("content %s of %s not archived", n.SHA256, n.FullPath)}
	}

	if n.Archived {
		if err := h.nodes.ClearArchived(ctx, n); err != nil {
			logger.Error("Failed to clear archived flag", zap.Error(err))
			return Outcome{Reason: checkpoint.ReasonArchiveFailed, Err: err}
		}
		logger.Info("Archived content migrated")
		return Outcome{Migrated: true, Size: n.Size}
	}

	// The archive record moved, but the node still points at live content
	// that has to be copied itself.
	result, err := h.copier.Copy(ctx, n.SHA256, task.SrcStorageKey, task.DstStorageKey)
	if err != nil {
		logger.Warn("Live copy failed after archive migration", zap.Error(err))
		return Outcome{Reason: checkpoint.ReasonCopyFailed, Err: err}
	}
	return Outcome{Migrated: true, Size: result.Size}
}
