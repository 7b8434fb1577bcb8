// Package workers provides the bounded goroutine pool pipeline stages use
// to process claimed batch items in parallel. A panicking item is isolated
// and surfaced as an error; it never takes the pool or the batch down.
package workers

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to the pool.
type Task interface {
	Execute() error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func() error

// Execute runs the wrapped function.
func (f TaskFunc) Execute() error { return f() }

// Pool runs submitted tasks across a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	name   string
	size   int

	tasks   chan taskEnvelope
	wg      sync.WaitGroup
	running atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
}

type taskEnvelope struct {
	task Task
	done chan error
}

// NewPool builds a pool of size workers with a queue of queueLen pending
// tasks. It must be started before use.
func NewPool(logger *zap.Logger, name string, size, queueLen int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueLen <= 0 {
		queueLen = size * 4
	}
	return &Pool{
		logger: logger,
		name:   name,
		size:   size,
		tasks:  make(chan taskEnvelope, queueLen),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Debug("worker pool started",
		zap.String("pool", p.name), zap.Int("workers", p.size))
}

func (p *Pool) run() {
	defer p.wg.Done()
	for env := range p.tasks {
		err := p.execute(env.task)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		if env.done != nil {
			env.done <- err
		}
	}
}

// execute runs one task with panic isolation.
func (p *Pool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Pool: p.name, Value: r}
			p.logger.Error("task panicked",
				zap.String("pool", p.name), zap.Any("panic", r))
		}
	}()
	return task.Execute()
}

// Submit enqueues a task without waiting for its result. Fails when the
// queue is full rather than blocking a claim loop.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("workers: pool %s is not running", p.name)
	}
	select {
	case p.tasks <- taskEnvelope{task: task}:
		return nil
	default:
		return fmt.Errorf("workers: pool %s queue is full", p.name)
	}
}

// SubmitWait enqueues a task and blocks until it finishes, returning its
// error.
func (p *Pool) SubmitWait(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("workers: pool %s is not running", p.name)
	}
	done := make(chan error, 1)
	p.tasks <- taskEnvelope{task: task, done: done}
	return <-done
}

// Each runs fn over every item index in parallel across the pool and
// blocks until the whole batch finishes. Per-item errors are collected;
// one bad item never cancels its siblings — pipeline stages isolate
// per-strategy faults.
func (p *Pool) Each(n int, fn func(i int) error) []error {
	if n == 0 {
		return nil
	}
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		if err := p.Submit(TaskFunc(func() error {
			defer wg.Done()
			errs[i] = fn(i)
			return errs[i]
		})); err != nil {
			// Queue full: run inline so the batch still completes.
			errs[i] = p.execute(TaskFunc(func() error { return fn(i) }))
			wg.Done()
		}
	}
	wg.Wait()
	return errs
}

// Stop drains the queue and waits for in-flight tasks, honouring the
// batch-boundary shutdown contract.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
	p.logger.Debug("worker pool stopped",
		zap.String("pool", p.name),
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()))
}

// Stats is a point-in-time pool counters snapshot.
type Stats struct {
	Name      string
	Workers   int
	Queued    int
	Completed int64
	Failed    int64
	At        time.Time
}

// GetStats snapshots the pool's counters.
func (p *Pool) GetStats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.size,
		Queued:    len(p.tasks),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		At:        time.Now(),
	}
}

// PanicError wraps a recovered panic from a task.
type PanicError struct {
	Pool  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workers: panic in pool %s: %v", e.Pool, e.Value)
}
