package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Error.New("failed to open database: %v", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, Error.New("failed to create tables: %v", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS migrate_tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		src_storage_key TEXT NOT NULL DEFAULT '',
		dst_storage_key TEXT NOT NULL,
		state TEXT NOT NULL,
		total_count INTEGER NOT NULL DEFAULT 0,
		migrated_count INTEGER NOT NULL DEFAULT 0,
		last_migrated_node_id TEXT NOT NULL DEFAULT '',
		start_date DATETIME,
		created_by TEXT NOT NULL,
		created_date DATETIME NOT NULL,
		last_modified_by TEXT NOT NULL,
		last_modified_date DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_migrate_tasks_repo ON migrate_tasks(project_id, repo_name);
	CREATE INDEX IF NOT EXISTS idx_migrate_tasks_state ON migrate_tasks(state);

	CREATE TABLE IF NOT EXISTS migrate_failed_nodes (
		task_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		full_path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		reason TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		retry_times INTEGER NOT NULL DEFAULT 0,
		created_date DATETIME NOT NULL,
		last_modified_date DATETIME NOT NULL,
		PRIMARY KEY (task_id, node_id)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

const taskColumns = `id, project_id, repo_name, src_storage_key, dst_storage_key, state,
	total_count, migrated_count, last_migrated_node_id, start_date,
	created_by, created_date, last_modified_by, last_modified_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var startDate sql.NullTime
	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.RepoName,
		&task.SrcStorageKey,
		&task.DstStorageKey,
		&task.State,
		&task.TotalCount,
		&task.MigratedCount,
		&task.LastMigratedNodeID,
		&startDate,
		&task.CreatedBy,
		&task.CreatedDate,
		&task.LastModifiedBy,
		&task.LastModifiedDate,
	)
	if err != nil {
		return nil, err
	}
	if startDate.Valid {
		t := startDate.Time
		task.StartDate = &t
	}
	return &task, nil
}

// CreateTask inserts a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var startDate any
	if task.StartDate != nil {
		startDate = *task.StartDate
	}

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO migrate_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID,
			task.ProjectID,
			task.RepoName,
			task.SrcStorageKey,
			task.DstStorageKey,
			task.State,
			task.TotalCount,
			task.MigratedCount,
			task.LastMigratedNodeID,
			startDate,
			task.CreatedBy,
			task.CreatedDate,
			task.LastModifiedBy,
			task.LastModifiedDate,
		)
		if isConstraintError(err) {
			return ErrDuplicate.New("%s/%s", task.ProjectID, task.RepoName)
		}
		return Error.Wrap(err)
	})
}

// FindTask returns the task of a repository, or nil when there is none
func (s *SQLiteStore) FindTask(ctx context.Context, projectID, repoName string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM migrate_tasks WHERE project_id = ? AND repo_name = ?`,
		projectID, repoName)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return task, nil
}

// FindTaskByID returns the task with the given id
func (s *SQLiteStore) FindTaskByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM migrate_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return task, nil
}

// ListTasks returns tasks in the given state, or all tasks when state is empty
func (s *SQLiteStore) ListTasks(ctx context.Context, state TaskState) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM migrate_tasks`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_date ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

// StartTask moves a PENDING or MIGRATING task into MIGRATING
func (s *SQLiteStore) StartTask(ctx context.Context, id string, totalCount int64, startDate time.Time, operator string) (*Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var started *Task
	err := s.retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM migrate_tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound.New("%s", id)
		}
		if err != nil {
			return err
		}
		if !task.State.Runnable() {
			return ErrStateConflict.New("task %s is %s", id, task.State)
		}

		now := time.Now()
		if !task.Started() {
			task.TotalCount = totalCount
		}
		if task.StartDate == nil {
			task.StartDate = &startDate
		}
		task.State = StateMigrating
		task.LastModifiedBy = operator
		task.LastModifiedDate = now

		_, err = tx.ExecContext(ctx, `
		UPDATE migrate_tasks
		SET state = ?, total_count = ?, start_date = ?, last_modified_by = ?, last_modified_date = ?
		WHERE id = ?`,
			task.State, task.TotalCount, *task.StartDate, task.LastModifiedBy, task.LastModifiedDate, id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		started = task
		return nil
	})
	if err != nil {
		if ErrNotFound.Has(err) || ErrStateConflict.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return started, nil
}

// UpdateProgress overwrites the migrated count and checkpoint of a running task
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress Progress) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE migrate_tasks
		SET migrated_count = ?, last_migrated_node_id = ?, last_modified_date = ?
		WHERE id = ? AND state = ?`,
			progress.MigratedCount, progress.LastMigratedNodeID, time.Now(), id, StateMigrating)
		if err != nil {
			return Error.Wrap(err)
		}
		return expectOneRow(res, id)
	})
}

// FinishTask writes the final progress and marks the task MIGRATE_FINISHED
func (s *SQLiteStore) FinishTask(ctx context.Context, id string, progress Progress, totalCount int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
		UPDATE migrate_tasks
		SET state = ?, migrated_count = ?, last_migrated_node_id = ?, total_count = ?, last_modified_date = ?
		WHERE id = ? AND state = ?`,
			StateMigrateFinished, progress.MigratedCount, progress.LastMigratedNodeID, totalCount, time.Now(),
			id, StateMigrating)
		if err != nil {
			return Error.Wrap(err)
		}
		return expectOneRow(res, id)
	})
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n != 1 {
		return ErrStateConflict.New("task %s is not %s", id, StateMigrating)
	}
	return nil
}

// SaveFailedNode records a failed node, bumping the retry counter when the
// node was already recorded for the task.
func (s *SQLiteStore) SaveFailedNode(ctx context.Context, node *FailedNode) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO migrate_failed_nodes
		(task_id, node_id, project_id, repo_name, full_path, sha256, reason, message, retry_times, created_date, last_modified_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(task_id, node_id) DO UPDATE SET
			reason = excluded.reason,
			message = excluded.message,
			retry_times = migrate_failed_nodes.retry_times + 1,
			last_modified_date = excluded.last_modified_date`,
			node.TaskID,
			node.NodeID,
			node.ProjectID,
			node.RepoName,
			node.FullPath,
			node.SHA256,
			node.Reason,
			node.Message,
			now,
			now,
		)
		return Error.Wrap(err)
	})
}

// CountFailedNodes counts failed node records of a task
func (s *SQLiteStore) CountFailedNodes(ctx context.Context, taskID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM migrate_failed_nodes WHERE task_id = ?`, taskID).Scan(&count)
	return count, Error.Wrap(err)
}

const failedNodeColumns = `task_id, node_id, project_id, repo_name, full_path, sha256, reason,
	message, retry_times, created_date, last_modified_date`

func scanFailedNode(row rowScanner) (*FailedNode, error) {
	var node FailedNode
	err := row.Scan(
		&node.TaskID,
		&node.NodeID,
		&node.ProjectID,
		&node.RepoName,
		&node.FullPath,
		&node.SHA256,
		&node.Reason,
		&node.Message,
		&node.RetryTimes,
		&node.CreatedDate,
		&node.LastModifiedDate,
	)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListFailedNodes pages through failed nodes of a task ordered by node id
func (s *SQLiteStore) ListFailedNodes(ctx context.Context, taskID, afterNodeID string, limit int) ([]*FailedNode, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+failedNodeColumns+`
	FROM migrate_failed_nodes
	WHERE task_id = ? AND node_id > ?
	ORDER BY node_id ASC
	LIMIT ?`, taskID, afterNodeID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var nodes []*FailedNode
	for rows.Next() {
		node, err := scanFailedNode(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		nodes = append(nodes, node)
	}
	return nodes, Error.Wrap(rows.Err())
}

// FindFailedNode returns the failed record of a node, or nil when there is none
func (s *SQLiteStore) FindFailedNode(ctx context.Context, taskID, nodeID string) (*FailedNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+failedNodeColumns+` FROM migrate_failed_nodes WHERE task_id = ? AND node_id = ?`,
		taskID, nodeID)
	node, err := scanFailedNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return node, Error.Wrap(err)
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return Error.Wrap(s.db.Close())
}
