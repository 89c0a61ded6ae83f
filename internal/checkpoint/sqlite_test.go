package checkpoint_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"repomigrate/internal/checkpoint"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *checkpoint.SQLiteStore {
	t.Helper()

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func newTask(projectID, repoName string) *checkpoint.Task {
	now := time.Now()
	return &checkpoint.Task{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		RepoName:         repoName,
		DstStorageKey:    "cold",
		State:            checkpoint.StatePending,
		CreatedBy:        "admin",
		CreatedDate:      now,
		LastModifiedBy:   "admin",
		LastModifiedDate: now,
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	task := newTask("ut-project", "ut-repo")
	require.NoError(t, store.CreateTask(ctx, task))

	found, err := store.FindTask(ctx, "ut-project", "ut-repo")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, task.ID, found.ID)
	require.Equal(t, checkpoint.StatePending, found.State)
	require.False(t, found.Started())

	started, err := store.StartTask(ctx, task.ID, 50, time.Now(), "system")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateMigrating, started.State)
	require.EqualValues(t, 50, started.TotalCount)
	require.True(t, started.Started())

	require.NoError(t, store.UpdateProgress(ctx, task.ID, checkpoint.Progress{MigratedCount: 23, LastMigratedNodeID: "n23"}))

	// restarting a MIGRATING task keeps the original snapshot and progress
	restarted, err := store.StartTask(ctx, task.ID, 99, time.Now().Add(time.Hour), "system")
	require.NoError(t, err)
	require.EqualValues(t, 50, restarted.TotalCount)
	require.EqualValues(t, 23, restarted.MigratedCount)
	require.Equal(t, "n23", restarted.LastMigratedNodeID)
	require.WithinDuration(t, *started.StartDate, *restarted.StartDate, time.Second)

	require.NoError(t, store.FinishTask(ctx, task.ID, checkpoint.Progress{MigratedCount: 50, LastMigratedNodeID: "n50"}, 50))

	finished, err := store.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateMigrateFinished, finished.State)
	require.EqualValues(t, 50, finished.MigratedCount)
	require.EqualValues(t, 50, finished.TotalCount)
	require.Equal(t, "n50", finished.LastMigratedNodeID)

	_, err = store.StartTask(ctx, task.ID, 0, time.Now(), "system")
	require.True(t, checkpoint.ErrStateConflict.Has(err))

	err = store.UpdateProgress(ctx, task.ID, checkpoint.Progress{MigratedCount: 1})
	require.True(t, checkpoint.ErrStateConflict.Has(err))
}

func TestFindMissingTask(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	found, err := store.FindTask(ctx, "nope", "nope")
	require.NoError(t, err)
	require.Nil(t, found)

	_, err = store.FindTaskByID(ctx, "nope")
	require.True(t, checkpoint.ErrNotFound.Has(err))

	_, err = store.StartTask(ctx, "nope", 0, time.Now(), "system")
	require.True(t, checkpoint.ErrNotFound.Has(err))
}

func TestOneTaskPerRepository(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.CreateTask(ctx, newTask("p", "r")))
	err := store.CreateTask(ctx, newTask("p", "r"))
	require.True(t, checkpoint.ErrDuplicate.Has(err))
	require.NoError(t, store.CreateTask(ctx, newTask("p", "other")))
}

func TestStartCheckpointedTaskKeepsCounts(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	// a checkpoint without a start date, e.g. imported from another process
	task := newTask("p", "r")
	task.TotalCount = 50
	task.MigratedCount = 23
	task.LastMigratedNodeID = "n23"
	require.True(t, task.Started())
	require.NoError(t, store.CreateTask(ctx, task))

	started, err := store.StartTask(ctx, task.ID, 60, time.Now(), "system")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateMigrating, started.State)
	require.EqualValues(t, 50, started.TotalCount)
	require.EqualValues(t, 23, started.MigratedCount)
	require.NotNil(t, started.StartDate)

	reloaded, err := store.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.EqualValues(t, 50, reloaded.TotalCount)
	require.NotNil(t, reloaded.StartDate)
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	a := newTask("p", "a")
	b := newTask("p", "b")
	require.NoError(t, store.CreateTask(ctx, a))
	require.NoError(t, store.CreateTask(ctx, b))
	_, err := store.StartTask(ctx, b.ID, 3, time.Now(), "system")
	require.NoError(t, err)

	all, err := store.ListTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	migrating, err := store.ListTasks(ctx, checkpoint.StateMigrating)
	require.NoError(t, err)
	require.Len(t, migrating, 1)
	require.Equal(t, b.ID, migrating[0].ID)
}

func TestFailedNodeLog(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	record := &checkpoint.FailedNode{
		TaskID:    "task",
		NodeID:    "node-1",
		ProjectID: "p",
		RepoName:  "r",
		FullPath:  "/a/b.jar",
		SHA256:    "abc",
		Reason:    checkpoint.ReasonCopyFailed,
		Message:   "boom",
	}
	require.NoError(t, store.SaveFailedNode(ctx, record))

	found, err := store.FindFailedNode(ctx, "task", "node-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, checkpoint.ReasonCopyFailed, found.Reason)
	require.Equal(t, 0, found.RetryTimes)

	// the same node failing again updates the record in place
	record.Reason = checkpoint.ReasonNotArchived
	require.NoError(t, store.SaveFailedNode(ctx, record))

	found, err = store.FindFailedNode(ctx, "task", "node-1")
	require.NoError(t, err)
	require.Equal(t, checkpoint.ReasonNotArchived, found.Reason)
	require.Equal(t, 1, found.RetryTimes)

	count, err := store.CountFailedNodes(ctx, "task")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	missing, err := store.FindFailedNode(ctx, "task", "node-2")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestListFailedNodesPages(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	for _, id := range []string{"n3", "n1", "n2", "n4"} {
		require.NoError(t, store.SaveFailedNode(ctx, &checkpoint.FailedNode{
			TaskID: "task",
			NodeID: id,
			Reason: checkpoint.ReasonArchiving,
		}))
	}
	require.NoError(t, store.SaveFailedNode(ctx, &checkpoint.FailedNode{TaskID: "other", NodeID: "n0"}))

	page, err := store.ListFailedNodes(ctx, "task", "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, "n1", page[0].NodeID)
	require.Equal(t, "n3", page[2].NodeID)

	page, err = store.ListFailedNodes(ctx, "task", page[2].NodeID, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "n4", page[0].NodeID)
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	task := newTask("p", "r")
	require.NoError(t, store.CreateTask(ctx, task))
	_, err := store.StartTask(ctx, task.ID, 100, time.Now(), "system")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				require.NoError(t, store.SaveFailedNode(ctx, &checkpoint.FailedNode{
					TaskID: task.ID,
					NodeID: uuid.NewString(),
					Reason: checkpoint.ReasonCopyFailed,
				}))
				require.NoError(t, store.UpdateProgress(ctx, task.ID, checkpoint.Progress{MigratedCount: int64(i*10 + j)}))
			}
		}(i)
	}
	wg.Wait()

	count, err := store.CountFailedNodes(ctx, task.ID)
	require.NoError(t, err)
	require.EqualValues(t, 100, count)
}
