package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"repomigrate/internal/metrics"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// Error is the class of worker errors.
	Error = errs.Class("worker")
	// ErrPoolClosed is returned by Submit once Close has been called.
	ErrPoolClosed = errs.Class("pool closed")
	// ErrDrainTimeout is returned by Close when transfers outlive the timeout.
	ErrDrainTimeout = errs.Class("drain timeout")
)

// Pool runs transfers with bounded concurrency. Submit blocks while all
// slots are busy, which is what throttles the scanners feeding it.
type Pool struct {
	size    int64
	sem     *semaphore.Weighted
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64

	// closing is cancelled when Close starts, to wake blocked submitters.
	closing context.Context
	stop    context.CancelFunc
	// work is handed to transfers; it is only cancelled when a drain times out.
	work   context.Context
	cancel context.CancelFunc
}

// NewPool creates a new worker pool
func NewPool(size int, metricsCollector *metrics.Collector, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	closing, stop := context.WithCancel(context.Background())
	work, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		metrics: metricsCollector,
		logger:  logger,
		closing: closing,
		stop:    stop,
		work:    work,
		cancel:  cancel,
	}
}

// Size returns the maximum number of concurrent transfers
func (p *Pool) Size() int {
	return int(p.size)
}

// Active returns the number of transfers currently running
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Submit waits for a free slot and runs fn in it. It returns an error when
// ctx is done or the pool is closed before a slot frees up; fn is not run
// in that case.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(p.closing, cancel)
	defer stopAfter()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if p.closing.Err() != nil {
			return ErrPoolClosed.New("submit rejected")
		}
		return Error.Wrap(err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolClosed.New("submit rejected")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	p.metrics.TransferStarted()

	go func() {
		defer func() {
			p.metrics.TransferDone()
			p.active.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(p.work)
	}()
	return nil
}

// Close stops accepting transfers and waits for running ones. When the
// timeout elapses first, running transfers are cancelled and ErrDrainTimeout
// is returned.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		remaining := p.Active()
		p.logger.Warn("Drain timed out, cancelling running transfers",
			zap.Int("active", remaining),
			zap.Duration("timeout", timeout))
		p.cancel()
		return ErrDrainTimeout.New("%d transfers still running after %s", remaining, timeout)
	}
}
