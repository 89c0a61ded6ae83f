package progress

import (
	"sync"
	"time"
)

// Status represents the live status of one migration task
type Status struct {
	TaskID         string
	TotalNodes     int64
	ProcessedNodes int64
	SuccessNodes   int64
	ArchivedNodes  int64
	SkippedNodes   int64
	FailedNodes    int64
	ProcessedBytes int64
	StartTime      time.Time
	LastUpdateTime time.Time
	CurrentSpeed   float64 // bytes/second over the last few seconds
	AverageSpeed   float64 // bytes/second since start
	ETA            time.Duration
}

// Tracker tracks per-task counters for display and logging
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a tracker for a task. alreadyProcessed carries the count
// persisted by earlier runs.
func NewTracker(taskID string, total, alreadyProcessed int64) *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			TaskID:         taskID,
			TotalNodes:     total,
			ProcessedNodes: alreadyProcessed,
			StartTime:      now,
			LastUpdateTime: now,
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
	}
}

// AddSuccess counts a node copied from the source storage
func (t *Tracker) AddSuccess(bytes int64) {
	t.add(func(s *Status) { s.SuccessNodes++ }, bytes)
}

// AddArchived counts a node migrated through the archive tier
func (t *Tracker) AddArchived(bytes int64) {
	t.add(func(s *Status) { s.ArchivedNodes++ }, bytes)
}

// AddSkipped counts a node whose content already existed at the destination
func (t *Tracker) AddSkipped(bytes int64) {
	t.add(func(s *Status) { s.SkippedNodes++ }, bytes)
}

// AddFailed counts a node recorded in the failed node log
func (t *Tracker) AddFailed() {
	t.add(func(s *Status) { s.FailedNodes++ }, 0)
}

func (t *Tracker) add(count func(*Status), bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count(&t.status)
	t.status.ProcessedNodes++
	t.status.ProcessedBytes += bytes
	t.updateSpeed(bytes)
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed(bytes int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)

	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}

	t.calculateETA(now)
	t.status.LastUpdateTime = now
}

func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var first *speedSample
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		first = sample
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

// calculateETA extrapolates the node rate of this run over the remaining nodes
func (t *Tracker) calculateETA(now time.Time) {
	done := t.status.SuccessNodes + t.status.ArchivedNodes + t.status.SkippedNodes + t.status.FailedNodes
	remaining := t.status.TotalNodes - t.status.ProcessedNodes
	elapsed := now.Sub(t.status.StartTime)
	if done == 0 || remaining <= 0 || elapsed <= 0 {
		t.status.ETA = 0
		return
	}
	perNode := elapsed / time.Duration(done)
	t.status.ETA = perNode * time.Duration(remaining)
}

// GetStatus returns the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the node progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalNodes == 0 {
		return 0
	}
	return float64(t.status.ProcessedNodes) / float64(t.status.TotalNodes) * 100
}
