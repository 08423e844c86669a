// Package pool runs a bounded number of goroutines over a batch of tasks.
package pool

import (
	"context"
	"runtime"
	"sync"
)

const (
	MaxWorkers       = 32
	WorkerBufferSize = 4
)

// Pool processes submitted tasks on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	ctx       context.Context
	wg        sync.WaitGroup
	taskQueue chan T
	handler   func(context.Context, T)
}

// New creates a pool. workers <= 0 uses the CPU count; the count is capped
// at MaxWorkers.
func New[T any](ctx context.Context, workers int, handler func(context.Context, T)) *Pool[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &Pool[T]{
		workers:   workers,
		ctx:       ctx,
		taskQueue: make(chan T, workers*WorkerBufferSize),
		handler:   handler,
	}
}

// Start launches the workers.
func (p *Pool[T]) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.handler(p.ctx, task)
		}
	}
}

// Submit queues a task, or drops it once the context is done.
func (p *Pool[T]) Submit(task T) {
	select {
	case <-p.ctx.Done():
	case p.taskQueue <- task:
	}
}

// Stop waits for queued tasks to finish.
func (p *Pool[T]) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// Run processes every task and returns when all are done.
func Run[T any](ctx context.Context, workers int, tasks []T, handler func(context.Context, T)) {
	if len(tasks) == 0 {
		return
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}
	p := New(ctx, workers, handler)
	p.Start()
	for _, t := range tasks {
		p.Submit(t)
	}
	p.Stop()
}
