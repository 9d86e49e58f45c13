package gpumem

import (
	"go.uber.org/zap"
)

// DedicatedBlock is the block kind produced by DedicatedAllocator: it owns
// its entire backing Memory outright (no sharing, no splitting).
type DedicatedBlock struct {
	memory *Memory
	rng    byteRange
}

// Size returns the size of this block.
func (b *DedicatedBlock) Size() RawSize { return b.rng.size() }

func (b *DedicatedBlock) Properties() Properties { return b.memory.properties }
func (b *DedicatedBlock) Memory() Handle         { return b.memory.handle }
func (b *DedicatedBlock) Segment() (RawSize, RawSize) {
	return b.rng.Start, b.rng.size()
}

func (b *DedicatedBlock) Map(device Device, relOffset RawSize, relSize *RawSize) (*MappedRange, error) {
	requested, err := segmentToSubRange(relOffset, relSize, b.rng)
	if err != nil {
		return nil, err
	}
	return newMappedRange(device, b.memory, b.memory.mappedPtr, b.rng.Start, requested)
}

// DedicatedAllocator is the trivial one-to-one strategy: every alloc
// becomes exactly one device allocation (plus a persistent mapping, if the
// memory type is host-visible), and every free is exactly one device free.
// It never splits or recycles a device allocation.
type DedicatedAllocator struct {
	memoryTypeIndex     uint32
	memoryProperties    Properties
	nonCoherentAtomSize RawSize // 0 means coherent or not host-visible
	log                 *zap.Logger
}

// NewDedicatedAllocator builds a DedicatedAllocator for one memory type. log
// may be nil, in which case a no-op logger is used.
func NewDedicatedAllocator(memoryTypeIndex uint32, properties Properties, nonCoherentAtomSize RawSize, log *zap.Logger) *DedicatedAllocator {
	if log == nil {
		log = zap.NewNop()
	}
	atom := RawSize(0)
	if properties.IsNonCoherentVisible() {
		atom = nonCoherentAtomSize
	}
	return &DedicatedAllocator{
		memoryTypeIndex:     memoryTypeIndex,
		memoryProperties:    properties,
		nonCoherentAtomSize: atom,
		log:                 log,
	}
}

// Alloc requests exactly one device allocation, rounding size and align up
// to the non-coherent atom first if the memory type requires it. Returns
// the block and the number of bytes actually allocated on the device
// (always equal to the rounded size, since Dedicated never recycles).
func (a *DedicatedAllocator) Alloc(device Device, size, align RawSize) (*DedicatedBlock, RawSize, error) {
	if a.nonCoherentAtomSize != 0 {
		size = alignSize(size, a.nonCoherentAtomSize)
		if align < a.nonCoherentAtomSize {
			align = a.nonCoherentAtomSize
		}
	}
	_ = align // Dedicated allocations are always offset 0, so align is not passed on.

	memory, err := allocateMemoryHelper(device, a.memoryTypeIndex, size, a.memoryProperties, a.nonCoherentAtomSize)
	if err != nil {
		return nil, 0, NewAllocError(OutOfDeviceMemory, "DedicatedAllocator.Alloc", err)
	}

	a.log.Debug("dedicated allocation", zap.Uint32("memory_type", a.memoryTypeIndex), zap.Uint64("size", size))

	return &DedicatedBlock{memory: memory, rng: byteRange{Start: 0, End: size}}, size, nil
}

// Free unmaps (if mapped) and frees the underlying device memory,
// returning the number of bytes reclaimed.
func (a *DedicatedAllocator) Free(device Device, block *DedicatedBlock) RawSize {
	a.log.Debug("dedicated free", zap.Uint64("size", block.Size()))
	return block.memory.release(device, a.log)
}
