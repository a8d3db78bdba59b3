// Package worker runs detached background tasks on a bounded pool.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of background work. The context is independent of the
// submitter and is cancelled on timeout or forced shutdown.
type Task func(ctx context.Context) error

// ErrorSink receives task failures, including recovered panics.
type ErrorSink func(name string, err error)

// Config sizes a Pool.
type Config struct {
	Size        int
	QueueSize   int
	TaskTimeout time.Duration
}

// Option customizes a Pool.
type Option func(*Pool)

// WithErrorSink replaces the default logging sink.
func WithErrorSink(sink ErrorSink) Option {
	return func(p *Pool) {
		if sink != nil {
			p.sink = sink
		}
	}
}

type job struct {
	name string
	task Task
}

// Pool executes submitted tasks on a fixed number of workers. Submission
// never blocks: a full queue rejects the task.
type Pool struct {
	jobs    chan job
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	sink    ErrorSink
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Int64
	completed atomic.Int64
}

// New starts a pool with cfg.Size workers.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	size := max(cfg.Size, 1)
	queue := max(cfg.QueueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan job, queue),
		group:   &errgroup.Group{},
		ctx:     ctx,
		cancel:  cancel,
		timeout: cfg.TaskTimeout,
		logger:  logger,
	}
	p.sink = func(name string, err error) {
		p.logger.Error("Background task failed", "task", name, "error", err)
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		p.group.Go(func() error {
			for j := range p.jobs {
				p.run(j)
			}
			return nil
		})
	}
	return p
}

// Submit enqueues a task. It returns false when the pool is closed or full.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("Background task rejected, pool closed", "task", name)
		return false
	}
	select {
	case p.jobs <- job{name: name, task: task}:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("Background task dropped, queue full", "task", name, "queue_size", cap(p.jobs))
		return false
	}
}

func (p *Pool) run(j job) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.sink(j.name, fmt.Errorf("panic: %v", r))
		}
	}()
	defer p.completed.Add(1)

	if err := j.task(ctx); err != nil {
		p.sink(j.name, err)
	}
}

// Dropped returns the number of tasks rejected because the queue was full.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Completed returns the number of tasks that have finished running.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Close stops intake and waits for queued tasks to finish. When ctx expires
// first, running tasks are cancelled and Close waits for them to return.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}
