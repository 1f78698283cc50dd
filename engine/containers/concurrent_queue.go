package containers

import (
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue is closed")

// ConcurrentQueue is a multi-producer FIFO that grows on demand. Producers
// are usually worker goroutines; the frame thread drains it once per tick.
type ConcurrentQueue[T any] struct {
	mu     sync.Mutex
	ring   *RingQueue[T]
	closed bool
}

func NewConcurrentQueue[T any](initialSize int) *ConcurrentQueue[T] {
	if initialSize < 1 {
		initialSize = 1
	}
	return &ConcurrentQueue[T]{ring: NewRingQueue[T](initialSize)}
}

func (q *ConcurrentQueue[T]) Enqueue(value T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.ring.IsFull() {
		q.ring.grow(q.ring.Cap() * 2)
	}
	return q.ring.Enqueue(value)
}

// TryDequeue pops one element; ok is false when the queue is empty.
func (q *ConcurrentQueue[T]) TryDequeue() (value T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, err := q.ring.Dequeue()
	return v, err == nil
}

// Drain pops every element currently queued and hands them to fn in FIFO
// order, without holding the lock while fn runs. Elements enqueued by fn are
// left for the next drain.
func (q *ConcurrentQueue[T]) Drain(fn func(T)) int {
	q.mu.Lock()
	items := make([]T, 0, q.ring.Len())
	for !q.ring.IsEmpty() {
		v, _ := q.ring.Dequeue()
		items = append(items, v)
	}
	q.mu.Unlock()

	for _, v := range items {
		fn(v)
	}
	return len(items)
}

func (q *ConcurrentQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Len()
}

// Close rejects further enqueues. Already queued elements can still be drained.
func (q *ConcurrentQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
