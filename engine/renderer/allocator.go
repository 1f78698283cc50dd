package renderer

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// DefaultBlockSize is the size of one pooled native allocation.
const DefaultBlockSize uint64 = 64 << 20

type MemoryUsage int

const (
	MemoryGPUOnly MemoryUsage = iota
	MemoryCPUToGPU
	MemoryGPUToCPU
)

func (u MemoryUsage) String() string {
	switch u {
	case MemoryGPUOnly:
		return "gpu-only"
	case MemoryCPUToGPU:
		return "cpu-to-gpu"
	case MemoryGPUToCPU:
		return "gpu-to-cpu"
	}
	return "unknown"
}

// flags returns the property flags a memory type must have for u and the
// ones it should have.
func (u MemoryUsage) flags() (required, preferred, avoided driver.MemoryPropertyFlags) {
	switch u {
	case MemoryCPUToGPU:
		return driver.MemoryHostVisible | driver.MemoryHostCoherent, 0, driver.MemoryDeviceLocal | driver.MemoryHostCached
	case MemoryGPUToCPU:
		return driver.MemoryHostVisible, driver.MemoryHostCached | driver.MemoryHostCoherent, 0
	default:
		return driver.MemoryDeviceLocal, 0, driver.MemoryHostVisible
	}
}

type region struct {
	offset, size uint64
}

// memoryBlock is one native allocation carved into regions.
type memoryBlock struct {
	memory    driver.Memory
	size      uint64
	typeIndex uint32
	dedicated bool
	// free is sorted by offset and never holds two adjacent regions
	free   []region
	used   int
	mapped []byte
}

// Allocation is a region of device memory handed out by the Allocator.
type Allocation struct {
	Memory driver.Memory
	Offset uint64
	Size   uint64

	allocator *Allocator
	block     *memoryBlock
	// span covers the alignment padding in front of Offset as well
	span region
}

type AllocatorStats struct {
	// LiveBytes sums the size of every live allocation.
	LiveBytes   uint64
	Blocks      int
	Allocations int
}

// Allocator sub-allocates regions out of fewer, larger native allocations.
// Requests larger than half a block get a dedicated allocation.
type Allocator struct {
	device    driver.Device
	props     driver.MemoryProperties
	blockSize uint64
	locks     *LockPool

	blocks    map[uint32][]*memoryBlock
	dedicated map[*memoryBlock]struct{}
	live      map[*Allocation]struct{}
	liveBytes uint64
	destroyed bool
}

func NewAllocator(device driver.Device, blockSize uint64, locks *LockPool) *Allocator {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if locks == nil {
		locks = NewLockPool()
	}
	return &Allocator{
		device:    device,
		props:     device.MemoryProperties(),
		blockSize: blockSize,
		locks:     locks,
		blocks:    make(map[uint32][]*memoryBlock),
		dedicated: make(map[*memoryBlock]struct{}),
		live:      make(map[*Allocation]struct{}),
	}
}

// FindMemoryType picks the memory type for usage among the types allowed by
// typeBits. Types carrying preferred flags and no avoided flags win.
func (a *Allocator) FindMemoryType(typeBits uint32, usage MemoryUsage) (uint32, bool) {
	required, preferred, avoided := usage.flags()
	best, bestScore := uint32(0), -1
	for i, t := range a.props.Types {
		if typeBits&(1<<uint(i)) == 0 || t.Flags&required != required {
			continue
		}
		score := 0
		if t.Flags&preferred == preferred {
			score += 2
		}
		if t.Flags&avoided == 0 {
			score++
		}
		if score > bestScore {
			best, bestScore = uint32(i), score
		}
	}
	return best, bestScore >= 0
}

func (a *Allocator) Allocate(req driver.MemoryRequirements, usage MemoryUsage) (*Allocation, error) {
	if req.Size == 0 {
		return nil, fmt.Errorf("%w: zero sized allocation", core.ErrInvalidArgument)
	}
	typeIndex, ok := a.FindMemoryType(req.TypeBits, usage)
	if !ok {
		return nil, fmt.Errorf("%w: no memory type for %s in type bits %b", core.ErrInvalidArgument, usage, req.TypeBits)
	}
	alignment := req.Alignment
	if alignment == 0 {
		alignment = 1
	}
	if !math.IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", core.ErrInvalidArgument, alignment)
	}

	var alloc *Allocation
	err := a.locks.SafeCall(MemoryManagement, func() error {
		if a.destroyed {
			return core.ErrDestroyed
		}
		var err error
		if req.Size > a.blockSize/2 {
			alloc, err = a.allocateDedicated(req.Size, typeIndex)
		} else {
			alloc, err = a.allocatePooled(req.Size, alignment, typeIndex)
		}
		if err != nil {
			return err
		}
		a.live[alloc] = struct{}{}
		a.liveBytes += alloc.Size
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (a *Allocator) allocateDedicated(size uint64, typeIndex uint32) (*Allocation, error) {
	mem, err := a.device.AllocateMemory(size, typeIndex)
	if err != nil {
		return nil, err
	}
	b := &memoryBlock{memory: mem, size: size, typeIndex: typeIndex, dedicated: true, used: 1}
	a.dedicated[b] = struct{}{}
	core.LogDebug("Dedicated allocation of %d bytes in memory type %d.", size, typeIndex)
	return &Allocation{Memory: mem, Size: size, allocator: a, block: b, span: region{0, size}}, nil
}

func (a *Allocator) allocatePooled(size, alignment uint64, typeIndex uint32) (*Allocation, error) {
	for _, b := range a.blocks[typeIndex] {
		if alloc, ok := b.carve(size, alignment); ok {
			alloc.allocator = a
			return alloc, nil
		}
	}

	mem, err := a.device.AllocateMemory(a.blockSize, typeIndex)
	if err != nil {
		// The heap may still hold the request itself.
		if alloc, derr := a.allocateDedicated(size, typeIndex); derr == nil {
			return alloc, nil
		}
		return nil, err
	}
	b := &memoryBlock{
		memory:    mem,
		size:      a.blockSize,
		typeIndex: typeIndex,
		free:      []region{{0, a.blockSize}},
	}
	a.blocks[typeIndex] = append(a.blocks[typeIndex], b)
	core.LogDebug("New %d byte memory block in memory type %d.", a.blockSize, typeIndex)

	alloc, ok := b.carve(size, alignment)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes do not fit a fresh block", core.ErrInvalidArgument, size)
	}
	alloc.allocator = a
	return alloc, nil
}

// carve takes the first free region able to hold size bytes at alignment.
func (b *memoryBlock) carve(size, alignment uint64) (*Allocation, bool) {
	for i, r := range b.free {
		start := math.AlignUp(r.offset, alignment)
		end := r.offset + r.size
		if start+size > end {
			continue
		}
		// The padding in front of start stays with the allocation so the
		// whole span returns on free.
		rest := region{start + size, end - start - size}
		if rest.size > 0 {
			b.free[i] = rest
		} else {
			b.free = append(b.free[:i], b.free[i+1:]...)
		}
		b.used++
		return &Allocation{
			Memory: b.memory,
			Offset: start,
			Size:   size,
			block:  b,
			span:   region{r.offset, start + size - r.offset},
		}, true
	}
	return nil, false
}

// release returns span to the free list, merging it with its neighbours.
func (b *memoryBlock) release(span region) {
	i := sort.Search(len(b.free), func(i int) bool { return b.free[i].offset > span.offset })
	b.free = append(b.free, region{})
	copy(b.free[i+1:], b.free[i:])
	b.free[i] = span

	if i+1 < len(b.free) && b.free[i].offset+b.free[i].size == b.free[i+1].offset {
		b.free[i].size += b.free[i+1].size
		b.free = append(b.free[:i+1], b.free[i+2:]...)
	}
	if i > 0 && b.free[i-1].offset+b.free[i-1].size == b.free[i].offset {
		b.free[i-1].size += b.free[i].size
		b.free = append(b.free[:i], b.free[i+1:]...)
	}
	b.used--
}

// Free returns the allocation. Freeing nil or an already freed allocation
// does nothing.
func (a *Allocator) Free(alloc *Allocation) {
	if alloc == nil {
		return
	}
	_ = a.locks.SafeCall(MemoryManagement, func() error {
		if _, ok := a.live[alloc]; !ok {
			return nil
		}
		delete(a.live, alloc)
		a.liveBytes -= alloc.Size

		b := alloc.block
		if b.dedicated {
			delete(a.dedicated, b)
			a.releaseBlock(b)
			return nil
		}
		b.release(alloc.span)
		if b.used == 0 {
			a.removeBlock(b)
			a.releaseBlock(b)
		}
		return nil
	})
}

func (a *Allocator) removeBlock(b *memoryBlock) {
	list := a.blocks[b.typeIndex]
	for i, other := range list {
		if other == b {
			a.blocks[b.typeIndex] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (a *Allocator) releaseBlock(b *memoryBlock) {
	if b.mapped != nil {
		a.device.UnmapMemory(b.memory)
		b.mapped = nil
	}
	a.device.FreeMemory(b.memory)
}

// Map returns host memory covering the allocation. The block is mapped on
// first use and stays mapped until it is released.
func (alloc *Allocation) Map() ([]byte, error) {
	a := alloc.allocator
	var out []byte
	err := a.locks.SafeCall(MemoryManagement, func() error {
		if _, ok := a.live[alloc]; !ok {
			return core.ErrDestroyed
		}
		b := alloc.block
		if a.props.Types[b.typeIndex].Flags&driver.MemoryHostVisible == 0 {
			return fmt.Errorf("%w: memory type %d is not host visible", core.ErrInvalidArgument, b.typeIndex)
		}
		if b.mapped == nil {
			m, err := a.device.MapMemory(b.memory, 0, b.size)
			if err != nil {
				return err
			}
			b.mapped = m
		}
		out = b.mapped[alloc.Offset : alloc.Offset+alloc.Size : alloc.Offset+alloc.Size]
		return nil
	})
	return out, err
}

// HostVisible reports whether Map can succeed.
func (alloc *Allocation) HostVisible() bool {
	return alloc.allocator.props.Types[alloc.block.typeIndex].Flags&driver.MemoryHostVisible != 0
}

func (a *Allocator) Stats() AllocatorStats {
	var s AllocatorStats
	_ = a.locks.SafeCall(MemoryManagement, func() error {
		s.LiveBytes = a.liveBytes
		s.Allocations = len(a.live)
		s.Blocks = len(a.dedicated)
		for _, list := range a.blocks {
			s.Blocks += len(list)
		}
		return nil
	})
	return s
}

// Destroy returns every block to the device. It fails with
// core.ErrAllocatorInUse while allocations are alive.
func (a *Allocator) Destroy() error {
	return a.locks.SafeCall(MemoryManagement, func() error {
		if a.destroyed {
			return nil
		}
		if n := len(a.live); n > 0 {
			core.LogError("Allocator destroyed with %d live allocation(s) holding %d bytes.", n, a.liveBytes)
			return fmt.Errorf("%w: %d allocation(s)", core.ErrAllocatorInUse, n)
		}
		for t, list := range a.blocks {
			for _, b := range list {
				a.releaseBlock(b)
			}
			delete(a.blocks, t)
		}
		a.destroyed = true
		return nil
	})
}
