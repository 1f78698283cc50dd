package containers

import (
	"errors"
	"sync"
	"testing"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](3)
	for i := 1; i <= 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := rq.Enqueue(4); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if v, _ := rq.Peek(); v != 1 {
		t.Fatalf("peek = %d, want 1", v)
	}
	for i := 1; i <= 3; i++ {
		v, err := rq.Dequeue()
		if err != nil || v != i {
			t.Fatalf("dequeue = %d, %v; want %d", v, err, i)
		}
	}
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	rq := NewRingQueue[int](3)
	_ = rq.Enqueue(1)
	_ = rq.Enqueue(2)
	_, _ = rq.Dequeue()
	_ = rq.Enqueue(3)
	_ = rq.Enqueue(4) // wraps
	rq.grow(6)
	_ = rq.Enqueue(5)
	for want := 2; want <= 5; want++ {
		v, err := rq.Dequeue()
		if err != nil || v != want {
			t.Fatalf("dequeue = %d, %v; want %d", v, err, want)
		}
	}
}

func TestConcurrentQueueDrain(t *testing.T) {
	q := NewConcurrentQueue[int](2)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := q.Enqueue(i); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	sum := 0
	n := q.Drain(func(v int) { sum += v })
	if n != 800 {
		t.Fatalf("drained %d items, want 800", n)
	}
	if sum != 8*4950 {
		t.Fatalf("sum = %d", sum)
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty after drain")
	}

	q.Close()
	if err := q.Enqueue(1); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestConcurrentQueueDrainDefersReentrantItems(t *testing.T) {
	q := NewConcurrentQueue[int](1)
	_ = q.Enqueue(1)
	n := q.Drain(func(v int) { _ = q.Enqueue(v + 1) })
	if n != 1 || q.Len() != 1 {
		t.Fatalf("drain = %d, len = %d", n, q.Len())
	}
}
