package gpumem

import (
	"unsafe"

	"go.uber.org/zap"
)

// LinearConfig configures a LinearAllocator.
type LinearConfig struct {
	// LineSize is the size in bytes of each Line. Alloc accepts any request
	// up to LineSize; Heaps routes only requests up to LineSize/2 (see
	// MaxAllocation) to this allocator.
	LineSize RawSize
}

// line is one device allocation the LinearAllocator bump-allocates within.
// It is reclaimable once freed == allocated.
type line struct {
	allocated RawSize // bytes handed out so far, including alignment padding; only increases
	freed     RawSize // bytes returned so far; only increases
	memory    *Memory
	ptr       unsafe.Pointer
}

// LinearBlock is the block kind produced by LinearAllocator.
type LinearBlock struct {
	memory    *Memory
	lineIndex RawSize
	ptr       unsafe.Pointer
	rng       byteRange
}

// Size returns the size of this block.
func (b *LinearBlock) Size() RawSize { return b.rng.size() }

func (b *LinearBlock) Properties() Properties { return b.memory.properties }
func (b *LinearBlock) Memory() Handle         { return b.memory.handle }
func (b *LinearBlock) Segment() (RawSize, RawSize) {
	return b.rng.Start, b.rng.size()
}

func (b *LinearBlock) Map(device Device, relOffset RawSize, relSize *RawSize) (*MappedRange, error) {
	requested, err := segmentToSubRange(relOffset, relSize, b.rng)
	if err != nil {
		return nil, err
	}
	return newMappedRange(device, b.memory, b.ptr, b.rng.Start, requested)
}

// LinearAllocator is a FIFO ring of fixed-size Lines, best suited to
// short-lived, per-frame allocations: it bump-allocates within the newest
// Line and reclaims Lines from the head once each is fully freed. Holding
// even a single block alive prevents every Line behind it from recycling.
type LinearAllocator struct {
	memoryTypeIndex     uint32
	memoryProperties    Properties
	lineSize            RawSize
	finishedLinesCount  RawSize
	lines               []*line
	nonCoherentAtomSize RawSize // 0 means coherent or not host-visible
	log                 *zap.Logger
}

// NewLinearAllocator builds a LinearAllocator for one memory type. log may
// be nil, in which case a no-op logger is used.
func NewLinearAllocator(memoryTypeIndex uint32, properties Properties, config LinearConfig, nonCoherentAtomSize RawSize, log *zap.Logger) *LinearAllocator {
	if log == nil {
		log = zap.NewNop()
	}
	lineSize := config.LineSize
	atom := RawSize(0)
	if properties.IsNonCoherentVisible() {
		atom = nonCoherentAtomSize
		lineSize = alignSize(lineSize, atom)
	}
	return &LinearAllocator{
		memoryTypeIndex:     memoryTypeIndex,
		memoryProperties:    properties,
		lineSize:            lineSize,
		nonCoherentAtomSize: atom,
		log:                 log,
	}
}

// MaxAllocation is the largest request Heaps routes to this allocator:
// half a Line, so that a single request cannot starve the whole Line.
// Alloc itself accepts requests up to a full Line.
func (a *LinearAllocator) MaxAllocation() RawSize { return a.lineSize / 2 }

// Alloc bump-allocates size bytes aligned to align, from the tail Line if
// there is room or from a freshly allocated Line otherwise. Returns the
// block and the number of device bytes newly allocated (zero when served
// from an existing Line).
func (a *LinearAllocator) Alloc(device Device, size, align RawSize) (*LinearBlock, RawSize, error) {
	if a.nonCoherentAtomSize != 0 {
		size = alignSize(size, a.nonCoherentAtomSize)
		align = alignSize(align, a.nonCoherentAtomSize)
	}

	if size > a.lineSize || align > a.lineSize {
		return nil, 0, NewAllocError(TooManyObjects, "LinearAllocator.Alloc", nil)
	}

	linesCount := RawSize(len(a.lines))
	if linesCount > 0 {
		tail := a.lines[linesCount-1]
		alignedOffset := alignOffset(tail.allocated, align)
		if alignedOffset+size <= a.lineSize {
			tail.freed += alignedOffset - tail.allocated
			tail.allocated = alignedOffset + size

			var ptr unsafe.Pointer
			if tail.ptr != nil {
				ptr = unsafe.Add(tail.ptr, alignedOffset)
			}

			block := &LinearBlock{
				memory:    tail.memory.retain(),
				lineIndex: a.finishedLinesCount + linesCount - 1,
				ptr:       ptr,
				rng:       byteRange{Start: alignedOffset, End: alignedOffset + size},
			}
			return block, 0, nil
		}
	}

	a.log.Debug("allocating new line", zap.Uint64("line_size", a.lineSize))
	memory, err := allocateMemoryHelper(device, a.memoryTypeIndex, a.lineSize, a.memoryProperties, a.nonCoherentAtomSize)
	if err != nil {
		return nil, 0, NewAllocError(OutOfDeviceMemory, "LinearAllocator.Alloc", err)
	}

	newLine := &line{allocated: size, freed: 0, memory: memory, ptr: memory.mappedPtr}

	block := &LinearBlock{
		memory:    memory.retain(),
		lineIndex: a.finishedLinesCount + linesCount,
		ptr:       memory.mappedPtr,
		rng:       byteRange{Start: 0, End: size},
	}

	a.lines = append(a.lines, newLine)
	return block, a.lineSize, nil
}

// Free returns a block's bytes to its Line's freed counter, then attempts
// to reclaim Lines from the head (never reclaiming the current tail).
func (a *LinearAllocator) Free(device Device, block *LinearBlock) RawSize {
	index := int(block.lineIndex - a.finishedLinesCount)
	a.lines[index].freed += block.Size()
	block.memory.release(device, a.log)
	return a.cleanup(device, 1)
}

// cleanup pops fully-freed Lines from the head, stopping once fewer than
// keepAtLeast Lines remain (keepAtLeast=1 protects the tail during normal
// frees; keepAtLeast=0 is used by Clear to force a full teardown).
func (a *LinearAllocator) cleanup(device Device, keepAtLeast int) RawSize {
	var freed RawSize
	for len(a.lines) > keepAtLeast {
		head := a.lines[0]
		if head.allocated > head.freed {
			break
		}
		a.lines = a.lines[1:]
		a.finishedLinesCount++
		freed += head.memory.release(device, a.log)
	}
	return freed
}

// Clear reclaims fully freed Lines from the head, the tail included,
// stopping at the first Line that still has outstanding blocks. If any Line
// is left (a user-side leak: a block from it was never freed), it logs an
// error and those Lines keep their device memory.
func (a *LinearAllocator) Clear(device Device) {
	a.cleanup(device, 0)
	if len(a.lines) != 0 {
		a.log.Error("lines remain at linear allocator teardown", zap.Int("count", len(a.lines)))
	}
}
