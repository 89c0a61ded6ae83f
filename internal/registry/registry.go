package registry

import (
	"context"
	"sort"
	"sync"
)

// Registry is the process-local set of task ids that are currently executing.
// Nothing is persisted: after a restart no task is considered running.
type Registry struct {
	mu      sync.Mutex
	running map[string]chan struct{}
}

// New creates an empty registry
func New() *Registry {
	return &Registry{running: make(map[string]chan struct{})}
}

// Register marks a task as executing. It returns false, and changes
// nothing, when the task is already registered.
func (r *Registry) Register(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[taskID]; ok {
		return false
	}
	r.running[taskID] = make(chan struct{})
	return true
}

// Deregister removes a task and wakes everyone waiting for it
func (r *Registry) Deregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if done, ok := r.running[taskID]; ok {
		close(done)
		delete(r.running, taskID)
	}
}

// Executing reports whether a task is currently registered
func (r *Registry) Executing(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.running[taskID]
	return ok
}

// Count returns the number of executing tasks
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.running)
}

// IDs returns the executing task ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the task is no longer executing or ctx is done
func (r *Registry) Wait(ctx context.Context, taskID string) error {
	r.mu.Lock()
	done, ok := r.running[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
