package vulkan

import (
	"sync"
	"sync/atomic"
)

// Handles are unique across every table of the process so a debug name can
// be looked up by handle alone.
var nextHandle atomic.Uint64

// table maps the opaque driver handles to the binding objects.
type table[T any] struct {
	mu      sync.RWMutex
	objects map[uint64]T
}

func (t *table[T]) add(v T) uint64 {
	h := nextHandle.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.objects == nil {
		t.objects = make(map[uint64]T)
	}
	t.objects[h] = v
	return h
}

func (t *table[T]) get(h uint64) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.objects[h]
	return v, ok
}

func (t *table[T]) remove(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.objects[h]
	if ok {
		delete(t.objects, h)
	}
	return v, ok
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// drain removes and returns every object of the table.
func (t *table[T]) drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.objects))
	for h, v := range t.objects {
		out = append(out, v)
		delete(t.objects, h)
	}
	return out
}
