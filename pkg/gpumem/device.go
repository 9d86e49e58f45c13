// Package gpumem implements a host-side GPU memory sub-allocation core: a
// small family of allocator strategies (dedicated, linear, general) plus a
// dispatch layer that routes requests to them by memory type and usage
// intent. It never talks to a real graphics driver; all device operations
// are consumed through the Device interface below, so callers plug in
// whatever backend (Vulkan, D3D12, Metal, or a test fake) they have.
package gpumem

import "unsafe"

// Handle is an opaque device memory object, the Go-side stand-in for a
// driver handle such as VkDeviceMemory. The core never interprets it beyond
// passing it back to Device.
type Handle uint64

// RawSize is the type used for all byte sizes, offsets, and ranges.
type RawSize = uint64

// Properties describes the property bits of a memory type, mirroring
// VkMemoryPropertyFlags.
type Properties uint32

const (
	PropertyDeviceLocal     Properties = 1 << iota // memory is local to the device
	PropertyHostVisible                             // memory can be mapped for host access
	PropertyHostCoherent                            // mapped writes are visible to the device without explicit flush
	PropertyHostCached                              // mapped memory is cached on the host
	PropertyLazilyAllocated                         // device may allocate backing store lazily
)

// Has reports whether all bits in want are set.
func (p Properties) Has(want Properties) bool { return p&want == want }

// IsNonCoherentVisible reports whether a memory type is host-visible but
// not host-coherent, the condition under which sub-allocators must widen
// block granularity and mapping ranges to the non-coherent atom.
func (p Properties) IsNonCoherentVisible() bool {
	return p.Has(PropertyHostVisible) && !p.Has(PropertyHostCoherent)
}

// HeapFlags mirrors VkMemoryHeapFlags.
type HeapFlags uint32

const (
	HeapDeviceLocal HeapFlags = 1 << iota
)

// MemoryTypeInfo is the static, device-reported description of one memory
// type: which heap backs it and what property bits it carries.
type MemoryTypeInfo struct {
	Properties Properties
	HeapIndex  uint32
}

// MemoryHeapInfo is the static, device-reported description of one memory
// heap: its total capacity and flags.
type MemoryHeapInfo struct {
	Size  RawSize
	Flags HeapFlags
}

// MappedMemoryRange identifies a byte range of one memory allocation, used
// for flush/invalidate calls against non-coherent host-visible memory.
type MappedMemoryRange struct {
	Handle Handle
	Offset RawSize
	Size   RawSize
}

// Device is the capability surface the core consumes from the underlying
// graphics/compute API. It is the only collaborator this package talks to;
// everything above it (resource management, persistent-mapping policy,
// statistics reporting) is out of scope here.
type Device interface {
	// AllocateMemory requests exactly one device allocation of size bytes
	// from the given memory type index.
	AllocateMemory(typeIndex uint32, size RawSize) (Handle, error)

	// FreeMemory releases a device allocation previously returned by
	// AllocateMemory. Never called more than once per handle.
	FreeMemory(handle Handle)

	// MapMemory maps a byte range of a device allocation for host access.
	// Only called for memory types with PropertyHostVisible set.
	MapMemory(handle Handle, offset, size RawSize) (unsafe.Pointer, error)

	// UnmapMemory unmaps a previously mapped allocation.
	UnmapMemory(handle Handle)

	// FlushMappedRanges makes host writes to the given ranges visible to
	// the device. Only called for non-coherent host-visible memory.
	FlushMappedRanges(ranges []MappedMemoryRange) error

	// InvalidateMappedRanges makes device writes to the given ranges
	// visible to the host. Only called for non-coherent host-visible
	// memory.
	InvalidateMappedRanges(ranges []MappedMemoryRange) error
}

// MemoryHeapsProperties is the static introspection surface a Device backend
// reports once at startup: the heap and memory-type tables plus the
// non-coherent atom size, used to build a Heaps instance (spec.md §6.1).
type MemoryHeapsProperties struct {
	Heaps               []MemoryHeapInfo
	Types               []MemoryTypeInfo
	NonCoherentAtomSize RawSize
}
