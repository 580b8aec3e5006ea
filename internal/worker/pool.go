// Package worker runs consultation jobs on a fixed pool of goroutines.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"medscribe/internal/errors"
	"medscribe/internal/logging"
)

// Job is one unit of work. The context is cancelled when the pool stops.
type Job func(ctx context.Context)

// Pool is a bounded queue drained by a fixed number of workers.
type Pool struct {
	size  int
	jobs  chan Job
	group *errgroup.Group
	ctx   context.Context
	stop  context.CancelFunc
	log   logging.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewPool(size, queue int) *Pool {
	if size < 1 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Pool{
		size: size,
		jobs: make(chan Job, queue),
		log:  logging.NewLogger(context.Background()).WithField("component", "worker"),
	}
}

// Start launches the workers. Jobs see ctx as their parent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.ctx, p.stop = context.WithCancel(ctx)
	p.group, _ = errgroup.WithContext(p.ctx)
	for i := 0; i < p.size; i++ {
		id := i
		p.group.Go(func() error {
			p.run(id)
			return nil
		})
	}
}

func (p *Pool) run(id int) {
	for job := range p.jobs {
		p.safeRun(id, job)
	}
}

func (p *Pool) safeRun(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("worker %d recovered from panic: %v", id, r)
		}
	}()
	job(p.ctx)
}

// Submit enqueues job, waiting at most wait for queue space.
func (p *Pool) Submit(job Job, wait time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.Newf("worker pool is stopped").
			Component("worker").
			Category(errors.CategoryLimit).
			Build()
	}

	select {
	case p.jobs <- job:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case p.jobs <- job:
		return nil
	case <-timer.C:
		return errors.Newf("worker queue is full").
			Component("worker").
			Category(errors.CategoryLimit).
			Context("queue", cap(p.jobs)).
			Build()
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Stop closes the queue, lets workers drain it and waits for them. When ctx
// expires first, running jobs are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		return ctx.Err()
	}
}
