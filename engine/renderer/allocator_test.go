package renderer

import (
	"errors"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

func newTestAllocator(t *testing.T, blockSize uint64) (*Allocator, *software.Device) {
	t.Helper()
	_, dev := newSoftwareDevice(t)
	return NewAllocator(dev, blockSize, nil), dev
}

// newSoftwareDevice creates a bare device for tests that do not need a
// renderer context.
func newSoftwareDevice(t *testing.T) (*software.Instance, *software.Device) {
	t.Helper()
	inst := software.NewInstance()
	pds, err := inst.PhysicalDevices()
	if err != nil {
		t.Fatalf("PhysicalDevices: %v", err)
	}
	d, err := inst.CreateDevice(pds[0].Handle, driver.DeviceCreateInfo{QueueFamilyIndex: 1, QueueCount: 1})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	dev := d.(*software.Device)
	t.Cleanup(func() {
		dev.Destroy()
		inst.Destroy()
	})
	return inst, dev
}

func deviceLocal(size, alignment uint64) driver.MemoryRequirements {
	return driver.MemoryRequirements{Size: size, Alignment: alignment, TypeBits: 0b111}
}

func TestFindMemoryType(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)
	tests := []struct {
		usage MemoryUsage
		bits  uint32
		want  uint32
		ok    bool
	}{
		{MemoryGPUOnly, 0b111, 0, true},
		{MemoryCPUToGPU, 0b111, 1, true},
		{MemoryGPUToCPU, 0b111, 2, true},
		{MemoryGPUToCPU, 0b011, 1, true},
		{MemoryGPUOnly, 0b110, 0, false},
	}
	for _, tt := range tests {
		got, ok := a.FindMemoryType(tt.bits, tt.usage)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("FindMemoryType(%b, %s) = %d, %v; want %d, %v", tt.bits, tt.usage, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAllocatorSubAllocatesOneBlock(t *testing.T) {
	a, dev := newTestAllocator(t, 4096)

	var allocs []*Allocation
	for i := 0; i < 3; i++ {
		alloc, err := a.Allocate(deviceLocal(1000, 256), MemoryGPUOnly)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if alloc.Offset%256 != 0 {
			t.Fatalf("offset %d is not aligned", alloc.Offset)
		}
		allocs = append(allocs, alloc)
	}
	if s := a.Stats(); s.Blocks != 1 || s.Allocations != 3 || s.LiveBytes != 3000 {
		t.Fatalf("stats = %+v", s)
	}
	if n := dev.LiveObjects()["memory"]; n != 1 {
		t.Fatalf("%d native allocations, want 1", n)
	}
	for i, alloc := range allocs {
		for _, other := range allocs[i+1:] {
			if alloc.Offset < other.Offset+other.Size && other.Offset < alloc.Offset+alloc.Size {
				t.Fatalf("allocations overlap: %+v %+v", alloc, other)
			}
		}
	}

	for _, alloc := range allocs {
		a.Free(alloc)
	}
	if s := a.Stats(); s != (AllocatorStats{}) {
		t.Fatalf("stats after free = %+v", s)
	}
	if n := dev.LiveObjects()["memory"]; n != 0 {
		t.Fatalf("empty block not returned, %d native allocations", n)
	}
}

func TestAllocatorCoalescesFreedRegions(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)
	first, _ := a.Allocate(deviceLocal(1024, 256), MemoryGPUOnly)
	second, _ := a.Allocate(deviceLocal(1024, 256), MemoryGPUOnly)
	third, err := a.Allocate(deviceLocal(1024, 256), MemoryGPUOnly)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Free(third)

	a.Free(second)
	a.Free(first)

	big, err := a.Allocate(deviceLocal(2048, 256), MemoryGPUOnly)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	defer a.Free(big)
	if big.Offset != 0 {
		t.Fatalf("merged region not reused, offset %d", big.Offset)
	}
	if s := a.Stats(); s.Blocks != 1 {
		t.Fatalf("a new block was allocated: %+v", s)
	}
}

func TestAllocatorDedicatedForLargeRequests(t *testing.T) {
	a, dev := newTestAllocator(t, 4096)
	small, _ := a.Allocate(deviceLocal(512, 16), MemoryGPUOnly)
	large, err := a.Allocate(deviceLocal(3000, 16), MemoryGPUOnly)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if large.Offset != 0 || large.Memory == small.Memory {
		t.Fatal("large request must get its own native allocation")
	}
	if n := dev.LiveObjects()["memory"]; n != 2 {
		t.Fatalf("%d native allocations, want 2", n)
	}
	a.Free(large)
	a.Free(small)
	if n := dev.LiveObjects()["memory"]; n != 0 {
		t.Fatalf("%d native allocations left", n)
	}
}

func TestAllocatorFreeIsIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)
	alloc, _ := a.Allocate(deviceLocal(128, 16), MemoryGPUOnly)
	a.Free(alloc)
	a.Free(alloc)
	a.Free(nil)
	if s := a.Stats(); s != (AllocatorStats{}) {
		t.Fatalf("stats = %+v", s)
	}
}

func TestAllocatorMap(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)
	host, err := a.Allocate(deviceLocal(64, 16), MemoryCPUToGPU)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Free(host)
	m, err := host.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(m) != 64 || !host.HostVisible() {
		t.Fatalf("mapped %d bytes", len(m))
	}

	local, _ := a.Allocate(deviceLocal(64, 16), MemoryGPUOnly)
	defer a.Free(local)
	if _, err := local.Map(); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("mapping device-local memory: %v", err)
	}
}

func TestAllocatorDestroyWithLiveAllocations(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)
	alloc, _ := a.Allocate(deviceLocal(128, 16), MemoryGPUOnly)
	if err := a.Destroy(); !errors.Is(err, core.ErrAllocatorInUse) {
		t.Fatalf("expected ErrAllocatorInUse, got %v", err)
	}
	a.Free(alloc)
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := a.Allocate(deviceLocal(128, 16), MemoryGPUOnly); !errors.Is(err, core.ErrDestroyed) {
		t.Fatalf("allocating from a destroyed allocator: %v", err)
	}
}

func TestAllocatorRejectsZeroSize(t *testing.T) {
	a, _ := newTestAllocator(t, 4096)
	if _, err := a.Allocate(deviceLocal(0, 16), MemoryGPUOnly); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := a.Allocate(deviceLocal(64, 24), MemoryGPUOnly); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("alignment 24: expected ErrInvalidArgument, got %v", err)
	}
}
