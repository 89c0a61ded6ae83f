package archive

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"repomigrate/internal/checkpoint"
	"repomigrate/internal/node"

	"go.uber.org/zap"
)

// RecordStatus is the lifecycle state of an archive record
type RecordStatus string

const (
	StatusArchiving RecordStatus = "ARCHIVING"
	StatusCompleted RecordStatus = "COMPLETED"
)

// Record says that content with SHA256, owned by StorageKey, has been moved
// into the archive tier.
type Record struct {
	SHA256     string
	StorageKey string
	Status     RecordStatus
	UpdatedAt  time.Time
}

// TierService answers archive migrations from an archive record table and
// copies archived content from the archive backend to the destination.
type TierService struct {
	db         *sql.DB
	copier     Copier
	archiveKey string
	defaultKey string
	logger     *zap.Logger
}

// NewTierService creates the archive tier service. db is usually the metadata
// database shared with the node catalog.
func NewTierService(db *sql.DB, copier Copier, archiveKey, defaultKey string, logger *zap.Logger) (*TierService, error) {
	s := &TierService{
		db:         db,
		copier:     copier,
		archiveKey: archiveKey,
		defaultKey: defaultKey,
		logger:     logger,
	}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS archive_files (
		sha256 TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (sha256, storage_key)
	)`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return s, nil
}

func (s *TierService) storageKey(key string) string {
	if key == "" {
		return s.defaultKey
	}
	return key
}

// SaveRecord inserts or replaces an archive record
func (s *TierService) SaveRecord(ctx context.Context, record *Record) error {
	record.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO archive_files (sha256, storage_key, status, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(sha256, storage_key) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at`,
		record.SHA256, s.storageKey(record.StorageKey), record.Status, record.UpdatedAt)
	return Error.Wrap(err)
}

// FindRecord returns the archive record of content owned by a storage, or nil
func (s *TierService) FindRecord(ctx context.Context, sha256, storageKey string) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
	SELECT sha256, storage_key, status, updated_at FROM archive_files
	WHERE sha256 = ? AND storage_key = ?`, sha256, s.storageKey(storageKey)).
		Scan(&r.SHA256, &r.StorageKey, &r.Status, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &r, nil
}

// Migrate moves archived content of n from the task's source storage to its
// destination storage, re-homing the archive record.
func (s *TierService) Migrate(ctx context.Context, task *checkpoint.Task, n *node.Node) (bool, error) {
	record, err := s.FindRecord(ctx, n.SHA256, task.SrcStorageKey)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	if record.Status == StatusArchiving {
		return false, ErrArchiving.New("%s", n.SHA256)
	}

	if _, err := s.copier.Copy(ctx, n.SHA256, s.archiveKey, task.DstStorageKey); err != nil {
		return false, Error.Wrap(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_files WHERE sha256 = ? AND storage_key = ?`,
		record.SHA256, record.StorageKey); err != nil {
		return false, Error.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO archive_files (sha256, storage_key, status, updated_at)
	VALUES (?, ?, ?, ?)`, record.SHA256, s.storageKey(task.DstStorageKey), record.Status, time.Now()); err != nil {
		return false, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return false, Error.Wrap(err)
	}

	s.logger.Debug("Archive record re-homed",
		zap.String("sha256", n.SHA256),
		zap.String("from", record.StorageKey),
		zap.String("to", s.storageKey(task.DstStorageKey)))
	return true, nil
}
