package progress

import (
	"context"
	"sync"
	"time"

	"repomigrate/internal/checkpoint"
)

// Store is the part of the task store the flusher writes to
type Store interface {
	UpdateProgress(ctx context.Context, id string, progress checkpoint.Progress) error
}

// Flusher persists a task's checkpoint at most once per interval. It keeps
// the last durable progress; a failed write leaves it untouched so callers
// never assume more than what the store actually holds.
type Flusher struct {
	store    Store
	taskID   string
	interval time.Duration

	mu        sync.Mutex
	lastFlush time.Time
	persisted checkpoint.Progress
}

// NewFlusher creates a flusher starting from the task's stored progress
func NewFlusher(store Store, taskID string, interval time.Duration, persisted checkpoint.Progress) *Flusher {
	return &Flusher{
		store:     store,
		taskID:    taskID,
		interval:  interval,
		lastFlush: time.Now(),
		persisted: persisted,
	}
}

// MaybeFlush persists p when the interval has elapsed since the last write.
// It reports whether a write happened.
func (f *Flusher) MaybeFlush(ctx context.Context, p checkpoint.Progress) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if time.Since(f.lastFlush) < f.interval {
		return false, nil
	}
	return f.flush(ctx, p)
}

// Flush persists p regardless of the interval
func (f *Flusher) Flush(ctx context.Context, p checkpoint.Progress) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.flush(ctx, p)
}

func (f *Flusher) flush(ctx context.Context, p checkpoint.Progress) (bool, error) {
	// snapshots taken concurrently may arrive out of order; never go back
	if p.MigratedCount <= f.persisted.MigratedCount {
		return false, nil
	}
	if err := f.store.UpdateProgress(ctx, f.taskID, p); err != nil {
		return false, err
	}
	f.persisted = p
	f.lastFlush = time.Now()
	return true, nil
}

// Persisted returns the last progress known to be durable
func (f *Flusher) Persisted() checkpoint.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.persisted
}
