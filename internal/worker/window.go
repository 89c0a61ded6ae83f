package worker

import (
	"sync"

	"repomigrate/internal/checkpoint"
)

// Window tracks dispatched nodes in dispatch order and decides how far the
// checkpoint may advance. Completions arrive in any order, but the checkpoint
// only moves across a prefix of dispatches that have all completed, so it
// never passes a node that is still in flight.
type Window struct {
	mu         sync.Mutex
	queue      []*slot
	slots      map[string]*slot
	lastID     string
	migrated   int64
	checkpoint string
}

type slot struct {
	id   string
	done bool
}

// NewWindow starts a window from a persisted checkpoint
func NewWindow(progress checkpoint.Progress) *Window {
	return &Window{
		slots:      make(map[string]*slot),
		lastID:     progress.LastMigratedNodeID,
		migrated:   progress.MigratedCount,
		checkpoint: progress.LastMigratedNodeID,
	}
}

// Dispatch registers a node about to be handed to a worker. Ids must be
// dispatched in strictly ascending order.
func (w *Window) Dispatch(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id <= w.lastID {
		return Error.New("node %s dispatched out of order after %s", id, w.lastID)
	}
	s := &slot{id: id}
	w.queue = append(w.queue, s)
	w.slots[id] = s
	w.lastID = id
	return nil
}

// Complete marks a node processed and returns the progress that is now safe
// to persist.
func (w *Window) Complete(id string) (checkpoint.Progress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.slots[id]
	if !ok {
		return w.progress(), Error.New("node %s completed without dispatch", id)
	}
	s.done = true
	delete(w.slots, id)

	for len(w.queue) > 0 && w.queue[0].done {
		w.checkpoint = w.queue[0].id
		w.migrated++
		w.queue[0] = nil
		w.queue = w.queue[1:]
	}
	return w.progress(), nil
}

func (w *Window) progress() checkpoint.Progress {
	return checkpoint.Progress{
		MigratedCount:      w.migrated,
		LastMigratedNodeID: w.checkpoint,
	}
}

// Progress returns the progress that is safe to persist
func (w *Window) Progress() checkpoint.Progress {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.progress()
}

// Outstanding returns how many dispatched nodes are not yet covered by the
// checkpoint.
func (w *Window) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.queue)
}
