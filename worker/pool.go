// Package worker runs inference jobs on a fixed set of OS-thread-locked goroutines.
package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"DnnBridge/logger"
)

var (
	ErrPoolClosed = errors.New("worker: pool closed")
	ErrJobPanic   = errors.New("worker: job panicked")
)

type job struct {
	fn   func()
	done chan struct{}
	err  error
}

// Pool is a fixed-size worker pool. OpenCV keeps per-thread state, so each worker
// stays on its own OS thread; a worker whose job panics is replaced after RestartDelay.
type Pool struct {
	jobs         chan *job
	log          *zap.Logger
	restartDelay time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	size     int
	restarts atomic.Int64
	busy     atomic.Int64
}

// DefaultRestartDelay is how long a panicked worker waits before it starts again.
const DefaultRestartDelay = time.Second

// New starts n workers (at least one).
func New(n int, log *zap.Logger) *Pool {
	return NewWithDelay(n, DefaultRestartDelay, log)
}

// NewWithDelay is New with a custom restart delay.
func NewWithDelay(n int, restartDelay time.Duration, log *zap.Logger) *Pool {
	n = max(n, 1)
	p := &Pool{
		jobs:         make(chan *job, n),
		log:          logger.OrDefault(log).Named("worker"),
		restartDelay: restartDelay,
		size:         n,
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.runWorker(i)
	}
	return p
}

func (p *Pool) runWorker(id int) {
	var cur *job
	defer func() {
		if r := recover(); r != nil {
			p.busy.Add(-1)
			p.restarts.Add(1)
			p.log.Error("worker panic, restarting", zap.Int("worker", id), zap.Any("panic", r),
				zap.Duration("delay", p.restartDelay))
			if cur != nil {
				cur.err = errors.Wrapf(ErrJobPanic, "%v", r)
				close(cur.done)
			}
			go func() {
				time.Sleep(p.restartDelay)
				p.runWorker(id)
			}()
			return
		}
		p.wg.Done()
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Debug("worker started", zap.Int("worker", id))

	for j := range p.jobs {
		cur = j
		p.busy.Add(1)
		j.fn()
		p.busy.Add(-1)
		cur = nil
		close(j.done)
	}
}

// Submit runs fn on a worker and waits for it. When ctx ends first Submit returns
// ctx.Err(); a job already handed to a worker still runs to completion, so fn must
// release whatever it allocates on its own.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	j := &job{fn: fn, done: make(chan struct{})}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size is the number of workers.
func (p *Pool) Size() int { return p.size }

// Busy is the number of workers running a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Restarts counts workers replaced after a panic.
func (p *Pool) Restarts() int64 { return p.restarts.Load() }

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
