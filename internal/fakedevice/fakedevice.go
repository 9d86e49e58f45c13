// Package fakedevice implements an in-memory gpumem.Device for tests and
// the command-line demo: every "device allocation" is a plain Go byte
// slice, and map/unmap just hand out a pointer into it. It plays the role
// the original implementation's empty/null backend plays in its fuzzing
// harness: a Device with no real hardware behind it, just enough behavior
// to exercise the allocators above it.
package fakedevice

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/christerso/gpumem/pkg/gpumem"
)

// ErrOutOfMemory is returned by AllocateMemory once MaxAllocations is
// reached, simulating a device that has exhausted its allocation quota.
var ErrOutOfMemory = errors.New("fakedevice: simulated out of memory")

type allocation struct {
	data   []byte
	mapped bool
}

// Device is a byte-slice-backed gpumem.Device. The zero value is not
// usable; construct one with New.
type Device struct {
	mu     sync.Mutex
	next   gpumem.Handle
	allocs map[gpumem.Handle]*allocation

	// MaxAllocations caps how many live allocations this device will
	// accept before AllocateMemory starts returning ErrOutOfMemory. Zero
	// means unlimited.
	MaxAllocations int

	// FlushCalls and InvalidateCalls count calls for test assertions
	// about non-coherent memory handling.
	FlushCalls      int
	InvalidateCalls int
}

// New builds an empty fake Device.
func New() *Device {
	return &Device{allocs: make(map[gpumem.Handle]*allocation)}
}

func (d *Device) AllocateMemory(typeIndex uint32, size gpumem.RawSize) (gpumem.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.MaxAllocations > 0 && len(d.allocs) >= d.MaxAllocations {
		return 0, ErrOutOfMemory
	}

	d.next++
	handle := d.next
	d.allocs[handle] = &allocation{data: make([]byte, size)}
	return handle, nil
}

func (d *Device) FreeMemory(handle gpumem.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.allocs, handle)
}

func (d *Device) MapMemory(handle gpumem.Handle, offset, size gpumem.RawSize) (unsafe.Pointer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.allocs[handle]
	if !ok {
		return nil, errors.New("fakedevice: map of unknown handle")
	}
	if offset+size > gpumem.RawSize(len(a.data)) {
		return nil, errors.New("fakedevice: map range out of bounds")
	}
	a.mapped = true
	if len(a.data) == 0 {
		return nil, nil
	}
	return unsafe.Pointer(&a.data[offset]), nil
}

func (d *Device) UnmapMemory(handle gpumem.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.allocs[handle]; ok {
		a.mapped = false
	}
}

func (d *Device) FlushMappedRanges(ranges []gpumem.MappedMemoryRange) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FlushCalls++
	for _, r := range ranges {
		if _, ok := d.allocs[r.Handle]; !ok {
			return errors.New("fakedevice: flush of unknown handle")
		}
	}
	return nil
}

func (d *Device) InvalidateMappedRanges(ranges []gpumem.MappedMemoryRange) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InvalidateCalls++
	for _, r := range ranges {
		if _, ok := d.allocs[r.Handle]; !ok {
			return errors.New("fakedevice: invalidate of unknown handle")
		}
	}
	return nil
}

// LiveAllocations reports how many device allocations are currently open,
// for leak assertions in tests.
func (d *Device) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// DefaultHeapsProperties is a small, two-heap, four-type topology
// (device-local, host-visible-coherent, host-visible-cached,
// host-visible-non-coherent) convenient for tests and the CLI demo.
func DefaultHeapsProperties() gpumem.MemoryHeapsProperties {
	const (
		deviceHeapSize = 256 << 20
		hostHeapSize   = 256 << 20
	)
	return gpumem.MemoryHeapsProperties{
		Heaps: []gpumem.MemoryHeapInfo{
			{Size: deviceHeapSize, Flags: gpumem.HeapDeviceLocal},
			{Size: hostHeapSize},
		},
		Types: []gpumem.MemoryTypeInfo{
			{Properties: gpumem.PropertyDeviceLocal, HeapIndex: 0},
			{Properties: gpumem.PropertyHostVisible | gpumem.PropertyHostCoherent, HeapIndex: 1},
			{Properties: gpumem.PropertyHostVisible | gpumem.PropertyHostCoherent | gpumem.PropertyHostCached, HeapIndex: 1},
			{Properties: gpumem.PropertyHostVisible, HeapIndex: 1},
		},
		NonCoherentAtomSize: 256,
	}
}
