// Package workqueue provides a bounded worker pool for per-intent pipeline
// tasks. Tasks across the pool run concurrently up to the worker limit; any
// ordering inside one task is the task's own business.
package workqueue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pool executes submitted tasks with bounded concurrency.
type Pool struct {
	workers int
	logger  *zap.Logger

	mu    sync.Mutex
	tasks []*taskState
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// New creates a pool with the given options. The default is four workers.
func New(logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		workers: 4,
		logger:  logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes all tasks and blocks until every one finishes or the context is
// cancelled. Tasks not yet started when the context dies are marked cancelled.
// The returned error aggregates the first task failure, if any.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	states := make([]*taskState, len(tasks))
	for i, t := range tasks {
		states[i] = newTaskState(t)
	}
	p.mu.Lock()
	p.tasks = states
	p.mu.Unlock()

	queue := make(chan *taskState)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ts := range queue {
				p.runOne(ctx, ts, func(err error) {
					errOnce.Do(func() { firstErr = err })
				})
			}
		}()
	}

	for _, ts := range states {
		select {
		case <-ctx.Done():
			ts.setStatus(TaskStatusCancelled)
			errOnce.Do(func() { firstErr = ctx.Err() })
		case queue <- ts:
		}
	}
	close(queue)
	wg.Wait()

	return firstErr
}

func (p *Pool) runOne(ctx context.Context, ts *taskState, recordErr func(error)) {
	if ctx.Err() != nil {
		ts.setStatus(TaskStatusCancelled)
		return
	}

	ts.setStatus(TaskStatusRunning)
	p.logger.Debug("Task started",
		zap.String("task_id", ts.task.ID()),
		zap.String("task_name", ts.task.Name()))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return ts.task.Execute(ctx)
	}()

	if err != nil {
		ts.setError(err)
		ts.setStatus(TaskStatusFailed)
		recordErr(err)
		p.logger.Warn("Task failed",
			zap.String("task_id", ts.task.ID()),
			zap.String("task_name", ts.task.Name()),
			zap.Error(err))
		return
	}
	ts.setStatus(TaskStatusCompleted)
}

// Snapshots returns the state of the most recent run's tasks.
func (p *Pool) Snapshots() []TaskSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TaskSnapshot, len(p.tasks))
	for i, ts := range p.tasks {
		out[i] = ts.Snapshot()
	}
	return out
}
