package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/errs"

	_ "modernc.org/sqlite"
)

// Error is the class of node catalog errors.
var Error = errs.Class("node catalog")

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errs.Class("node not found")

// Catalog is the node metadata store. Nodes are spread over a fixed number of
// shard tables by a hash of their id, so a repository's nodes live in every
// shard and ordered reads have to merge shards.
type Catalog struct {
	db     *sql.DB
	shards int
}

// OpenCatalog opens (and creates when missing) a sharded SQLite catalog
func OpenCatalog(path string, shards int) (*Catalog, error) {
	if shards <= 0 {
		return nil, Error.New("shards must be positive, got %d", shards)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db.SetMaxOpenConns(8)

	c := &Catalog{db: db, shards: shards}
	if err := c.createTables(); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return c, nil
}

func (c *Catalog) table(shard int) string {
	return fmt.Sprintf("node_%d", shard)
}

func (c *Catalog) shardOf(id string) int {
	return int(xxhash.Sum64String(id) % uint64(c.shards))
}

func (c *Catalog) createTables() error {
	for i := 0; i < c.shards; i++ {
		table := c.table(i)
		query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			full_path TEXT NOT NULL,
			folder INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			sha256 TEXT NOT NULL DEFAULT '',
			md5 TEXT NOT NULL DEFAULT '',
			compressed INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			deleted DATETIME,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_repo ON %[1]s(project_id, repo_name, id);
		`, table)
		if _, err := c.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// ShardCount returns the number of shard tables
func (c *Catalog) ShardCount() int {
	return c.shards
}

const nodeColumns = `id, project_id, repo_name, full_path, folder, size, sha256, md5,
	compressed, archived, deleted, created_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var deleted sql.NullTime
	err := row.Scan(
		&n.ID,
		&n.ProjectID,
		&n.RepoName,
		&n.FullPath,
		&n.Folder,
		&n.Size,
		&n.SHA256,
		&n.MD5,
		&n.Compressed,
		&n.Archived,
		&deleted,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		n.Deleted = &t
	}
	return &n, nil
}

// ListNodes returns one page of live file nodes of a shard, ascending by id
func (c *Catalog) ListNodes(ctx context.Context, shard int, q Query) ([]*Node, error) {
	if shard < 0 || shard >= c.shards {
		return nil, Error.New("shard %d out of range", shard)
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE project_id = ? AND repo_name = ? AND folder = 0 AND deleted IS NULL AND id > ?
	ORDER BY id ASC
	LIMIT ?`, nodeColumns, c.table(shard)),
		q.ProjectID, q.RepoName, q.AfterID, q.Limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		nodes = append(nodes, n)
	}
	return nodes, Error.Wrap(rows.Err())
}

// CountNodes counts live file nodes of a repository across all shards
func (c *Catalog) CountNodes(ctx context.Context, projectID, repoName string) (int64, error) {
	var total int64
	for i := 0; i < c.shards; i++ {
		var count int64
		err := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE project_id = ? AND repo_name = ? AND folder = 0 AND deleted IS NULL`, c.table(i)),
			projectID, repoName).Scan(&count)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		total += count
	}
	return total, nil
}

// CreateNode inserts a node, assigning an id when it has none
func (c *Catalog) CreateNode(ctx context.Context, n *Node) error {
	if n.ID == "" {
		n.ID = NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	var deleted any
	if n.Deleted != nil {
		deleted = *n.Deleted
	}

	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
	INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.table(c.shardOf(n.ID)), nodeColumns),
		n.ID, n.ProjectID, n.RepoName, n.FullPath, n.Folder, n.Size, n.SHA256, n.MD5,
		n.Compressed, n.Archived, deleted, n.CreatedAt)
	return Error.Wrap(err)
}

// GetNode returns the node with the given id, including deleted ones
func (c *Catalog) GetNode(ctx context.Context, id string) (*Node, error) {
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, nodeColumns, c.table(c.shardOf(id))), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("%s", id)
	}
	return n, Error.Wrap(err)
}

// DeleteNode soft deletes a node
func (c *Catalog) DeleteNode(ctx context.Context, id string) error {
	return c.update(ctx, id, `deleted = ?`, time.Now())
}

// ClearArchived marks a node's content as no longer living in the archive tier
func (c *Catalog) ClearArchived(ctx context.Context, n *Node) error {
	return c.update(ctx, n.ID, `archived = ?`, false)
}

func (c *Catalog) update(ctx context.Context, id, set string, value any) error {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, c.table(c.shardOf(id)), set), value, id)
	if err != nil {
		return Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n == 0 {
		return ErrNotFound.New("%s", id)
	}
	return nil
}

// DB exposes the underlying database so that companion tables (archive
// records) can share the metadata file.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Close closes the catalog database
func (c *Catalog) Close() error {
	return Error.Wrap(c.db.Close())
}
