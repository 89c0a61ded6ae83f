package checkpoint

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by checkpoint stores.
var Error = errs.Class("checkpoint")

// ErrNotFound is returned when a task record does not exist.
var ErrNotFound = errs.Class("task not found")

// ErrStateConflict is returned when a conditional state transition finds the
// record in an unexpected state.
var ErrStateConflict = errs.Class("task state conflict")

// ErrDuplicate is returned when a repository already has a task.
var ErrDuplicate = errs.Class("duplicate task")

// TaskState represents the state of a migration task
type TaskState string

const (
	StatePending         TaskState = "PENDING"
	StateMigrating       TaskState = "MIGRATING"
	StateMigrateFinished TaskState = "MIGRATE_FINISHED"
)

// Runnable reports whether a task in this state may be (re)started.
func (s TaskState) Runnable() bool {
	return s == StatePending || s == StateMigrating
}

// Task is the persisted record of one repository storage migration
type Task struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	RepoName           string     `json:"repo_name"`
	SrcStorageKey      string     `json:"src_storage_key,omitempty"`
	DstStorageKey      string     `json:"dst_storage_key"`
	State              TaskState  `json:"state"`
	TotalCount         int64      `json:"total_count"`
	MigratedCount      int64      `json:"migrated_count"`
	LastMigratedNodeID string     `json:"last_migrated_node_id,omitempty"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	CreatedBy          string     `json:"created_by"`
	CreatedDate        time.Time  `json:"created_date"`
	LastModifiedBy     string     `json:"last_modified_by"`
	LastModifiedDate   time.Time  `json:"last_modified_date"`
}

// Started reports whether the task has ever begun scanning. A checkpoint
// counts as a start even without a start date.
func (t *Task) Started() bool {
	return t.StartDate != nil || t.LastMigratedNodeID != ""
}

// Progress is the checkpoint part of a task that is flushed periodically.
type Progress struct {
	MigratedCount      int64
	LastMigratedNodeID string
}

// FailureReason classifies why a node could not be migrated
type FailureReason string

const (
	ReasonCopyFailed    FailureReason = "copy_failed"
	ReasonNotArchived   FailureReason = "not_archived"
	ReasonArchiving     FailureReason = "archiving"
	ReasonArchiveFailed FailureReason = "archive_failed"
)

// FailedNode is an entry of the append-only failed node log. A record exists
// at most once per (TaskID, NodeID); recording it again bumps RetryTimes.
type FailedNode struct {
	TaskID           string        `json:"task_id"`
	NodeID           string        `json:"node_id"`
	ProjectID        string        `json:"project_id"`
	RepoName         string        `json:"repo_name"`
	FullPath         string        `json:"full_path"`
	SHA256           string        `json:"sha256"`
	Reason           FailureReason `json:"reason"`
	Message          string        `json:"message,omitempty"`
	RetryTimes       int           `json:"retry_times"`
	CreatedDate      time.Time     `json:"created_date"`
	LastModifiedDate time.Time     `json:"last_modified_date"`
}

// TaskStore persists migration task records
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	FindTask(ctx context.Context, projectID, repoName string) (*Task, error)
	FindTaskByID(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, state TaskState) ([]*Task, error)

	// StartTask moves a runnable task into MIGRATING. totalCount is only
	// written when the task has never started before, startDate when it has none.
	StartTask(ctx context.Context, id string, totalCount int64, startDate time.Time, operator string) (*Task, error)
	UpdateProgress(ctx context.Context, id string, progress Progress) error
	// FinishTask writes the final progress and moves MIGRATING into
	// MIGRATE_FINISHED in a single statement.
	FinishTask(ctx context.Context, id string, progress Progress, totalCount int64) error
}

// FailedNodeStore persists the failed node log
type FailedNodeStore interface {
	SaveFailedNode(ctx context.Context, node *FailedNode) error
	CountFailedNodes(ctx context.Context, taskID string) (int64, error)
	ListFailedNodes(ctx context.Context, taskID, afterNodeID string, limit int) ([]*FailedNode, error)
	FindFailedNode(ctx context.Context, taskID, nodeID string) (*FailedNode, error)
}

// Store combines task and failed node persistence
type Store interface {
	TaskStore
	FailedNodeStore

	Close() error
}
