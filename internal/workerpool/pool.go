// Package workerpool runs tasks on a fixed number of goroutines fed by a
// bounded queue. Submit blocks while the queue is full, which is how
// callers feel backpressure from rate-limited external services.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workerpool: closed")

// Task is a unit of work. ctx is the pool's context.
type Task func(ctx context.Context) error

// Future is the handle for a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Resolved returns a Future that has already finished with err.
func Resolved(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type job struct {
	task   Task
	future *Future
}

// Pool is a bounded worker pool.
type Pool struct {
	name   string
	size   int
	logger *slog.Logger

	jobs chan job
	quit chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	group  *errgroup.Group

	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New starts size workers reading from a queue of the given capacity.
// Tasks receive ctx; cancelling it does not stop the workers, Close does.
func New(ctx context.Context, name string, size, queue int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:   name,
		size:   size,
		logger: logger,
		jobs:   make(chan job, queue),
		quit:   make(chan struct{}),
		group:  &errgroup.Group{},
	}
	for i := 0; i < size; i++ {
		p.group.Go(func() error {
			for j := range p.jobs {
				p.run(ctx, j)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(ctx context.Context, j job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("workerpool: task panicked: %v", r)
			}
		}()
		return j.task(ctx)
	}()
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("workerpool: task failed", slog.String("pool", p.name), slog.String("error", err.Error()))
	} else {
		p.completed.Add(1)
	}
	j.future.resolve(err)
}

// Submit queues task, blocking while the queue is full. It returns early
// with ctx.Err() if ctx is done first, or ErrClosed if the pool shuts down.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	j := job{task: task, future: newFuture()}
	select {
	case p.jobs <- j:
		return j.future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrClosed
	}
}

// TrySubmit queues task only if there is room right now.
func (p *Pool) TrySubmit(task Task) (*Future, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, false
	}
	j := job{task: task, future: newFuture()}
	select {
	case p.jobs <- j:
		return j.future, true
	default:
		return nil, false
	}
}

// Close stops accepting tasks, lets queued ones finish and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		_ = p.group.Wait()
		p.logger.Debug("workerpool: closed", slog.String("pool", p.name))
	})
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Size:      p.size,
		Queued:    len(p.jobs),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
