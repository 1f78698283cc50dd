package renderer

import "sync"

type LockGroup string

const (
	MemoryManagement     LockGroup = "memory_management"
	RenderpassManagement LockGroup = "renderpass_management"
	StructureManagement  LockGroup = "structure_management"
)

// LockPool hands out one mutex per lock group and one per queue.
type LockPool struct {
	mu    sync.Mutex // Protects access to the maps
	locks map[LockGroup]*sync.Mutex

	queueMutexes map[uint32]*sync.Mutex // Queue index as key
}

func NewLockPool() *LockPool {
	return &LockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

func (lp *LockPool) groupLock(group LockGroup) *sync.Mutex {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if _, exists := lp.locks[group]; !exists {
		lp.locks[group] = &sync.Mutex{}
	}
	return lp.locks[group]
}

func (lp *LockPool) SafeCall(group LockGroup, fn func() error) error {
	l := lp.groupLock(group)
	l.Lock()
	defer l.Unlock()

	return fn()
}

func (lp *LockPool) SetQueue(index uint32) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if _, exists := lp.queueMutexes[index]; !exists {
		lp.queueMutexes[index] = &sync.Mutex{}
	}
}

// SafeQueueCall runs fn while holding the mutex of queue index. Calls on
// different queues do not contend.
func (lp *LockPool) SafeQueueCall(index uint32, fn func() error) error {
	lp.mu.Lock()
	l, ok := lp.queueMutexes[index]
	lp.mu.Unlock()
	if !ok {
		return errUnknownQueue(index)
	}

	l.Lock()
	defer l.Unlock()

	return fn()
}
