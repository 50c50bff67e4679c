package engine

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueClosed = errors.New("engine: queue closed")
	ErrQueueFull   = errors.New("engine: queue full")
)

// Queue is a bounded multi-producer multi-consumer FIFO.
// Producers wait up to the push timeout when it is full, they never drop.
type Queue[T any] struct {
	ch      chan T
	done    chan struct{}
	timeout time.Duration

	// pushers hold it shared, Close takes it exclusively,
	// so once Close returns nothing can land in ch anymore
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewQueue makes a queue holding up to capacity jobs.
// timeout <= 0 makes Push wait until there is room or the queue is closed.
func NewQueue[T any](capacity int, timeout time.Duration) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:      make(chan T, capacity),
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

// Push enqueues v. ErrQueueFull after the timeout, ErrQueueClosed once closed.
func (q *Queue[T]) Push(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- v:
		return nil
	default:
	}

	if q.timeout <= 0 {
		select {
		case q.ch <- v:
			return nil
		case <-q.done:
			return ErrQueueClosed
		}
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-t.C:
		return ErrQueueFull
	}
}

// Pop blocks until a job is available. After Close it keeps handing out
// queued jobs and reports false once the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

// Close stops intake and wakes every blocked producer and consumer
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain hands every queued job to fn without blocking, returns how many
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		select {
		case v := <-q.ch:
			fn(v)
			n++
		default:
			return n
		}
	}
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
