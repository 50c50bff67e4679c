// fixed worker pool, goroutines are started once in NewPool and never per job
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrShutdownForced = errors.New("engine: pool shutdown deadline exceeded, queued jobs cancelled")

// PoolHooks are optional callbacks of a Pool
type PoolHooks[T any] struct {
	Cancel func(job T)          // job dropped by a forced shutdown
	Panic  func(job T, rec any) // exec panicked, the worker keeps going
}

// Pool runs jobs from a shared Queue on n long-lived workers
type Pool[T any] struct {
	q     *Queue[T]
	exec  func(T)
	hooks PoolHooks[T]
	size  int

	wg        sync.WaitGroup
	dropping  atomic.Bool
	busy      atomic.Int64
	cancelled atomic.Uint64
	panics    atomic.Uint64
}

// NewPool starts exactly n workers pulling from q
func NewPool[T any](n int, q *Queue[T], exec func(T), hooks PoolHooks[T]) *Pool[T] {
	if n < 1 {
		panic("engine: pool size must be positive")
	}

	p := &Pool[T]{q: q, exec: exec, hooks: hooks, size: n}
	p.wg.Add(n)
	for range n {
		go p.worker()
	}
	return p
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		job, ok := p.q.Pop()
		if !ok {
			return
		}
		if p.dropping.Load() {
			p.drop(job)
			continue
		}
		p.run(job)
	}
}

// run executes one job, a panic never takes the worker down
func (p *Pool[T]) run(job T) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if rec := recover(); rec != nil {
			p.panics.Add(1)
			if p.hooks.Panic != nil {
				p.hooks.Panic(job, rec)
			}
		}
	}()
	p.exec(job)
}

func (p *Pool[T]) drop(job T) {
	p.cancelled.Add(1)
	if p.hooks.Cancel != nil {
		p.hooks.Cancel(job)
	}
}

// Submit enqueues a job, ErrQueueClosed once Shutdown has begun
func (p *Pool[T]) Submit(job T) error {
	return p.q.Push(job)
}

// Shutdown stops intake and waits for the workers to drain the queue.
// If ctx ends first every job still queued goes to the Cancel hook,
// running jobs finish their step, and ErrShutdownForced is returned.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.q.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// a producer can win the race against the last worker leaving
		p.q.Drain(p.run)
		return nil
	case <-ctx.Done():
	}

	p.dropping.Store(true)
	p.q.Drain(p.drop)
	<-done
	p.q.Drain(p.drop)
	return fmt.Errorf("%w: %w", ErrShutdownForced, ctx.Err())
}

func (p *Pool[T]) Size() int {
	return p.size
}

// Busy is the number of jobs executing right now
func (p *Pool[T]) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool[T]) Cancelled() uint64 {
	return p.cancelled.Load()
}

func (p *Pool[T]) Panics() uint64 {
	return p.panics.Load()
}
