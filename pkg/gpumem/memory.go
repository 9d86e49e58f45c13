package gpumem

import (
	"unsafe"

	"go.uber.org/zap"
)

// Memory is an owned wrapper around one raw device memory allocation. It is
// shared between an allocator's bookkeeping and every block carved from it
// via retain/release reference counting (the Go stand-in for the Arc<Memory>
// the original Rust implementation uses): the device handle is only
// unmapped and freed once the last reference releases it.
type Memory struct {
	handle              Handle
	size                RawSize
	properties          Properties
	mappedPtr           unsafe.Pointer
	nonCoherentAtomSize RawSize // 0 means the memory is coherent or not host-visible
	refs                int32
}

// newMemory wraps a freshly created device allocation with a single owning
// reference.
func newMemory(handle Handle, size RawSize, properties Properties, ptr unsafe.Pointer, nonCoherentAtomSize RawSize) *Memory {
	return &Memory{
		handle:              handle,
		size:                size,
		properties:          properties,
		mappedPtr:           ptr,
		nonCoherentAtomSize: nonCoherentAtomSize,
		refs:                1,
	}
}

// retain adds one owning reference and returns the same Memory, the
// equivalent of Arc::clone.
func (m *Memory) retain() *Memory {
	m.refs++
	return m
}

// isMappable reports whether this allocation has a live persistent mapping.
func (m *Memory) isMappable() bool { return m.mappedPtr != nil }

func (m *Memory) hasNonCoherentAtom() (RawSize, bool) {
	if m.nonCoherentAtomSize == 0 {
		return 0, false
	}
	return m.nonCoherentAtomSize, true
}

// release drops one owning reference. When the refcount reaches zero the
// allocation is unmapped (if mapped) and freed on the device, and the
// number of bytes reclaimed is returned. A refcount that goes negative
// indicates a caller freed more blocks referencing this Memory than were
// ever handed out; that is a user-side bug, so it is logged and nothing is
// unmapped or freed again (spec.md §5).
func (m *Memory) release(device Device, log *zap.Logger) RawSize {
	m.refs--
	switch {
	case m.refs > 0:
		return 0
	case m.refs == 0:
		if m.mappedPtr != nil {
			device.UnmapMemory(m.handle)
		}
		device.FreeMemory(m.handle)
		return m.size
	default:
		log.Error("memory released more times than retained, leaking device handle",
			zap.Uint64("handle", uint64(m.handle)))
		return 0
	}
}

// leakIfShared is called on allocator teardown: if this Memory still has
// outstanding references beyond the allocator's own, the device handle is
// deliberately leaked (never double-freed) and an error is logged.
func (m *Memory) leakIfShared(log *zap.Logger) bool {
	if m.refs > 1 {
		log.Error("memory leaked: still referenced by live blocks at allocator teardown",
			zap.Uint64("handle", uint64(m.handle)), zap.Int32("outstanding_refs", m.refs-1))
		return true
	}
	return false
}

// allocateMemoryHelper performs one device allocation and, if the memory
// type is host-visible, immediately acquires a persistent mapping for it
// (spec.md §9's "persistent mapping" policy decision). It also resolves
// whether the allocation is non-coherent host-visible, in which case the
// returned Memory carries the non-coherent atom size for later widening.
func allocateMemoryHelper(device Device, typeIndex uint32, size RawSize, properties Properties, nonCoherentAtomSize RawSize) (*Memory, error) {
	handle, err := device.AllocateMemory(typeIndex, size)
	if err != nil {
		return nil, err
	}

	var ptr unsafe.Pointer
	if properties.Has(PropertyHostVisible) {
		ptr, err = device.MapMemory(handle, 0, size)
		if err != nil {
			device.FreeMemory(handle)
			return nil, NewAllocError(OutOfHostMemory, "allocateMemoryHelper: map", err)
		}
	}

	atom := RawSize(0)
	if properties.IsNonCoherentVisible() {
		atom = nonCoherentAtomSize
	}

	return newMemory(handle, size, properties, ptr, atom), nil
}
