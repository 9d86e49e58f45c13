package gpumem

import (
	"math/bits"
	"unsafe"

	"go.uber.org/zap"
)

const (
	// minBlocksPerChunk is the floor on how many equally sized blocks a
	// freshly opened Chunk holds.
	minBlocksPerChunk = 8
	// maxBlocksPerChunk is the hard ceiling derived from the 64-bit free
	// mask every Chunk carries (spec.md §9: "bitmap width ... a hard
	// constant, derived from the native word size").
	maxBlocksPerChunk = 64
	// largeBlockThreshold is the size at or above which a still-rare block size
	// is amortized into a coarser, shared chunk instead of getting its own
	// dedicated-size chunk (spec.md §4.3.2).
	largeBlockThreshold RawSize = 0x10000
)

// GeneralConfig configures a GeneralAllocator for one memory type.
type GeneralConfig struct {
	// BlockSizeGranularity is the power-of-two every requested size is
	// rounded up to (further widened to the non-coherent atom if the
	// memory type requires it).
	BlockSizeGranularity RawSize
	// MaxChunkSizeFraction (N) bounds how large a single chunk may ever
	// get: max(heap_size/N, MinDeviceAllocation), rounded up to a power of
	// two. Zero means "no heap-relative ceiling" (use MinDeviceAllocation
	// alone, rounded to a power of two).
	MaxChunkSizeFraction uint32
	// MinDeviceAllocation is the floor, in bytes, on any request routed
	// directly to the device. Must be a power of two.
	MinDeviceAllocation RawSize
	// SignificantSizeBits (0..=3) buckets similarly sized requests
	// together; see spec.md §4.3.1.
	SignificantSizeBits uint32
	// MaxChunksPerSize overrides the default slab capacity per SizeEntry
	// ((bits.UintSize)^4, an arbitrary guard per spec.md §9's open
	// question). Zero means use the default.
	MaxChunksPerSize uint32
}

// GeneralConfigFromMaxChunkSize is a convenience constructor for callers who
// think in terms of an absolute chunk-size ceiling rather than a heap
// fraction: it derives MaxChunkSizeFraction from maxChunkSize and heapSize
// (rounded down, minimum 1, so the resulting ceiling is at least
// maxChunkSize) and fills in the remaining fields directly.
func GeneralConfigFromMaxChunkSize(granularity, maxChunkSize, minDeviceAllocation, heapSize RawSize, significantBits uint32) GeneralConfig {
	fraction := uint32(1)
	if maxChunkSize > 0 && heapSize > maxChunkSize {
		fraction = uint32(heapSize / maxChunkSize)
		if fraction == 0 {
			fraction = 1
		}
	}
	return GeneralConfig{
		BlockSizeGranularity: granularity,
		MaxChunkSizeFraction: fraction,
		MinDeviceAllocation:  minDeviceAllocation,
		SignificantSizeBits:  significantBits,
	}
}

func defaultMaxChunksPerSize() uint32 {
	w := uint32(bits.UintSize)
	return w * w * w * w
}

// chunkFlavor identifies how a Chunk's backing memory was obtained.
type chunkFlavor int

const (
	chunkDedicated chunkFlavor = iota // allocated directly from the device
	chunkGeneral                      // carved from a block of a coarser SizeEntry
)

// chunk is a contiguous region of device memory split into up to 64
// equally sized blocks, tracked with a free-mask (1 = free).
type chunk struct {
	flavor      chunkFlavor
	memory      *Memory
	ptr         unsafe.Pointer // base of this chunk's region, nil if not mapped
	rng         byteRange      // this chunk's byte range, absolute within memory
	backing     *GeneralBlock  // non-nil iff flavor == chunkGeneral
	blockSize   RawSize
	blocksCount uint32
	blocksMask  uint64 // 1 = free
}

func fullBlockMask(count uint32) uint64 {
	if count >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << count) - 1
}

func (c *chunk) isUnused() bool { return c.blocksMask == fullBlockMask(c.blocksCount) }
func (c *chunk) isExhausted() bool { return c.blocksMask == 0 }

// acquireBlocks finds the lowest-indexed run of count contiguous free
// blocks whose byte offset satisfies align, marks them used, and returns
// their starting index (spec.md §4.3.4).
func (c *chunk) acquireBlocks(count uint32, align RawSize) (uint32, bool) {
	runs := ^uint64(0)
	for k := uint32(0); k < count; k++ {
		runs &= c.blocksMask >> k
	}
	for runs != 0 {
		i := uint32(bits.TrailingZeros64(runs))
		runs &^= 1 << i
		if (RawSize(i)*c.blockSize)&(align-1) == 0 {
			mask := ((uint64(1) << count) - 1) << i
			c.blocksMask &^= mask
			return i, true
		}
	}
	return 0, false
}

// releaseBlocks marks the count blocks starting at index free again by
// setting their mask bits, logging an error if any of them were already
// free (a double-free, spec.md §8 scenario S6).
func (c *chunk) releaseBlocks(index, count uint32, log *zap.Logger) {
	mask := ((uint64(1) << count) - 1) << index
	if c.blocksMask&mask != 0 {
		log.Error("general allocator: releasing already-free blocks, possible double free",
			zap.Uint32("index", index), zap.Uint32("count", count))
	}
	c.blocksMask |= mask
}

func (c *chunk) blockPtr(index uint32) unsafe.Pointer {
	if c.ptr == nil {
		return nil
	}
	return unsafe.Add(c.ptr, RawSize(index)*c.blockSize)
}

// chunkSlabEntry is one slot of chunkSlab: either a live chunk or a link
// to the next vacant slot.
type chunkSlabEntry struct {
	chunk    *chunk
	nextFree uint32
}

// chunkSlab is a dense, index-stable free-list container for chunks,
// mirroring the slab that backs each SizeEntry in the original
// implementation: removed slots are recycled by index instead of shifting
// the rest of the collection.
type chunkSlab struct {
	entries   []chunkSlabEntry
	firstFree uint32 // == len(entries) when empty
	live      int
}

func newChunkSlab() chunkSlab { return chunkSlab{firstFree: 0} }

func (s *chunkSlab) vacantKey() uint32 { return s.firstFree }

func (s *chunkSlab) insert(c *chunk) uint32 {
	key := s.firstFree
	if key == uint32(len(s.entries)) {
		s.entries = append(s.entries, chunkSlabEntry{chunk: c})
		s.firstFree = uint32(len(s.entries))
	} else {
		s.firstFree = s.entries[key].nextFree
		s.entries[key] = chunkSlabEntry{chunk: c}
	}
	s.live++
	return key
}

func (s *chunkSlab) get(key uint32) *chunk { return s.entries[key].chunk }

func (s *chunkSlab) remove(key uint32) *chunk {
	c := s.entries[key].chunk
	s.entries[key] = chunkSlabEntry{chunk: nil, nextFree: s.firstFree}
	s.firstFree = key
	s.live--
	return c
}

func (s *chunkSlab) len() int { return s.live }

// chunkReadySet tracks, by slab index, which chunks have at least one free
// block, backed by the same BitSet a SizeEntry uses for its common case
// (slab indices stay low in steady state since chunkSlab recycles removed
// slots via a free list). Unlike a Chunk's own block mask, a SizeEntry's
// chunk indices are not spec-bounded to 64, so indices at or beyond
// bitSetTotalBits overflow into a small map instead of being silently
// dropped.
type chunkReadySet struct {
	low      BitSet
	overflow map[uint32]struct{}
}

func newChunkReadySet() chunkReadySet { return chunkReadySet{overflow: make(map[uint32]struct{})} }

func (s *chunkReadySet) add(index uint32) {
	if index < bitSetTotalBits {
		s.low.Add(index)
		return
	}
	s.overflow[index] = struct{}{}
}

func (s *chunkReadySet) remove(index uint32) {
	if index < bitSetTotalBits {
		s.low.Remove(index)
		return
	}
	delete(s.overflow, index)
}

// ascending returns every ready index in ascending order: BitSet.Bits
// already returns its indices ascending and all below bitSetTotalBits, so
// appending the (separately sorted) overflow indices preserves the overall
// order.
func (s *chunkReadySet) ascending() []uint32 {
	out := s.low.Bits()
	if len(s.overflow) == 0 {
		return out
	}
	extra := make([]uint32, 0, len(s.overflow))
	for k := range s.overflow {
		extra = append(extra, k)
	}
	for i := 1; i < len(extra); i++ {
		for j := i; j > 0 && extra[j-1] > extra[j]; j-- {
			extra[j-1], extra[j] = extra[j], extra[j-1]
		}
	}
	return append(out, extra...)
}

// generalSizeEntry is the per-block-size bucket of the General allocator.
// It is never removed for the allocator's lifetime, even once empty,
// because totalBlocks drives the rare-size amortization heuristic
// (spec.md §9's "Persistent SizeEntries").
type generalSizeEntry struct {
	totalBlocks uint64
	readyChunks chunkReadySet
	chunks      chunkSlab
}

func newGeneralSizeEntry() *generalSizeEntry {
	return &generalSizeEntry{readyChunks: newChunkReadySet(), chunks: newChunkSlab()}
}

// GeneralBlock is the block kind produced by GeneralAllocator: up to 64 of
// them share one Chunk's backing Memory, tracked by the chunk's free mask.
type GeneralBlock struct {
	memory     *Memory
	ptr        unsafe.Pointer
	rng        byteRange // absolute within memory
	chunkIndex uint32
	blockIndex uint32
	count      uint32
}

func (b *GeneralBlock) Size() RawSize          { return b.rng.size() }
func (b *GeneralBlock) Properties() Properties { return b.memory.properties }
func (b *GeneralBlock) Memory() Handle         { return b.memory.handle }
func (b *GeneralBlock) Segment() (RawSize, RawSize) {
	return b.rng.Start, b.rng.size()
}

func (b *GeneralBlock) Map(device Device, relOffset RawSize, relSize *RawSize) (*MappedRange, error) {
	requested, err := segmentToSubRange(relOffset, relSize, b.rng)
	if err != nil {
		return nil, err
	}
	return newMappedRange(device, b.memory, b.ptr, b.rng.Start, requested)
}

// GeneralAllocator is a size-bucketed recycling allocator built from a
// two-level chunk/block hierarchy: chunks of up to 64 equally sized blocks,
// bucketed into SizeEntries by exact block size, with bitmap-based free
// tracking and recursive chunk-from-chunk allocation for sizes too large
// or too rare to deserve their own dedicated-size device allocation.
type GeneralAllocator struct {
	memoryTypeIndex     uint32
	memoryProperties    Properties
	granularity         RawSize // BlockSizeGranularity, widened to the atom if non-coherent
	maxChunkSizeCap     RawSize
	minDeviceAllocation RawSize
	significantSizeBits uint32
	maxChunksPerSize    uint32
	nonCoherentAtomSize RawSize

	sizes         map[RawSize]*generalSizeEntry
	chunkSizesUsed *sizeSet

	log *zap.Logger
}

// NewGeneralAllocator builds a GeneralAllocator for one memory type.
// heapSize is the size of the owning MemoryHeap, used to derive the chunk
// size ceiling from MaxChunkSizeFraction. log may be nil.
func NewGeneralAllocator(memoryTypeIndex uint32, properties Properties, config GeneralConfig, heapSize, nonCoherentAtomSize RawSize, log *zap.Logger) *GeneralAllocator {
	if log == nil {
		log = zap.NewNop()
	}

	if config.BlockSizeGranularity != 0 && !isPowerOfTwo(config.BlockSizeGranularity) {
		panic("gpumem: GeneralConfig.BlockSizeGranularity must be a power of two")
	}
	if config.MinDeviceAllocation != 0 && !isPowerOfTwo(config.MinDeviceAllocation) {
		panic("gpumem: GeneralConfig.MinDeviceAllocation must be a power of two")
	}

	granularity := config.BlockSizeGranularity
	if granularity == 0 {
		granularity = 1
	}
	atom := RawSize(0)
	if properties.IsNonCoherentVisible() {
		atom = nonCoherentAtomSize
		if atom > granularity {
			granularity = atom
		}
	}

	cap := config.MinDeviceAllocation
	if config.MaxChunkSizeFraction > 0 {
		fromHeap := heapSize / RawSize(config.MaxChunkSizeFraction)
		if fromHeap > cap {
			cap = fromHeap
		}
	}
	cap = nextPowerOfTwo(cap)

	maxChunksPerSize := config.MaxChunksPerSize
	if maxChunksPerSize == 0 {
		maxChunksPerSize = defaultMaxChunksPerSize()
	}

	return &GeneralAllocator{
		memoryTypeIndex:     memoryTypeIndex,
		memoryProperties:    properties,
		granularity:         granularity,
		maxChunkSizeCap:     cap,
		minDeviceAllocation: config.MinDeviceAllocation,
		significantSizeBits: config.SignificantSizeBits,
		maxChunksPerSize:    maxChunksPerSize,
		nonCoherentAtomSize: atom,
		sizes:               make(map[RawSize]*generalSizeEntry),
		chunkSizesUsed:      newSizeSet(),
		log:                 log,
	}
}

// MaxAllocation is the configured chunk ceiling: the largest request Heaps
// routes to this allocator. Alloc itself does not check it.
func (a *GeneralAllocator) MaxAllocation() RawSize { return a.maxChunkSizeCap }

func (a *GeneralAllocator) alignedSize(size, align RawSize) RawSize {
	roundMaskBits := roundMask(size, a.significantSizeBits)
	return ((size - 1) | (align - 1) | (a.granularity - 1) | roundMaskBits) + 1
}

func (a *GeneralAllocator) entry(size RawSize) *generalSizeEntry {
	e, ok := a.sizes[size]
	if !ok {
		e = newGeneralSizeEntry()
		a.sizes[size] = e
	}
	return e
}

// Alloc rounds the request per spec.md §4.3.1, then either serves it from
// (or opens) a dedicated-size SizeEntry, or — for still-rare sizes at or
// above largeBlockThreshold — amortizes it into a coarser, shared chunk
// size (spec.md §4.3.2).
func (a *GeneralAllocator) Alloc(device Device, size, align RawSize) (*GeneralBlock, RawSize, error) {
	aligned := a.alignedSize(size, align)
	e := a.entry(aligned)
	e.totalBlocks++

	overhead := (RawSize(minBlocksPerChunk) - 1) / RawSize(e.totalBlocks)
	if aligned >= largeBlockThreshold && overhead >= 1 {
		chunkSize := a.pickCoarserChunkSize(aligned, align, overhead)
		count := uint32((aligned + chunkSize - 1) / chunkSize)
		return a.allocFromEntrySize(device, chunkSize, count, align)
	}

	a.chunkSizesUsed.insert(aligned)
	return a.allocFromEntrySize(device, aligned, 1, align)
}

// pickCoarserChunkSize implements spec.md §4.3.2's forward search for an
// existing, already-in-use chunk size to amortize a rare large block into,
// inserting a freshly computed ideal size if none qualifies. overhead bounds
// how much coarser the borrowed chunk size may be before the amortization
// ratio stops being worth it: it shrinks as the size's totalBlocks grows, so
// a size that is becoming popular gets a tighter search window.
func (a *GeneralAllocator) pickCoarserChunkSize(size, align, overhead RawSize) RawSize {
	ideal := alignSize(size*2/minBlocksPerChunk, align)
	limit := size * overhead
	if found, ok := a.chunkSizesUsed.findFirstDivisibleInRange(ideal, limit, align); ok {
		return found
	}
	a.chunkSizesUsed.insert(ideal)
	return ideal
}

// allocFromEntrySize is the single primitive both the ordinary
// single-block path and the rare-large-size amortization path funnel
// through: serve count contiguous blockSize blocks from an existing ready
// chunk of the blockSize SizeEntry, or open a new chunk for it.
func (a *GeneralAllocator) allocFromEntrySize(device Device, blockSize RawSize, count uint32, align RawSize) (*GeneralBlock, RawSize, error) {
	e := a.entry(blockSize)

	for _, idx := range e.readyChunks.ascending() {
		c := e.chunks.get(idx)
		blockIndex, ok := c.acquireBlocks(count, align)
		if !ok {
			continue
		}
		if c.isExhausted() {
			e.readyChunks.remove(idx)
		}
		return a.buildBlock(c, idx, blockIndex, count, blockSize), 0, nil
	}

	if uint32(e.chunks.len()) >= a.maxChunksPerSize {
		return nil, 0, slabFullError("GeneralAllocator.Alloc")
	}

	newChunk, allocatedBytes, err := a.allocChunk(device, blockSize, uint32(e.totalBlocks), align)
	if err != nil {
		return nil, 0, err
	}
	idx := e.chunks.insert(newChunk)
	blockIndex, ok := newChunk.acquireBlocks(count, align)
	if !ok {
		return nil, 0, NewAllocError(OutOfHostMemory, "GeneralAllocator.Alloc: fresh chunk could not fit its own request", nil)
	}
	if !newChunk.isExhausted() {
		e.readyChunks.add(idx)
	}
	return a.buildBlock(newChunk, idx, blockIndex, count, blockSize), allocatedBytes, nil
}

func (a *GeneralAllocator) buildBlock(c *chunk, chunkIndex, blockIndex, count uint32, blockSize RawSize) *GeneralBlock {
	start := c.rng.Start + RawSize(blockIndex)*blockSize
	end := start + RawSize(count)*blockSize
	return &GeneralBlock{
		memory:     c.memory.retain(),
		ptr:        c.blockPtr(blockIndex),
		rng:        byteRange{Start: start, End: end},
		chunkIndex: chunkIndex,
		blockIndex: blockIndex,
		count:      count,
	}
}

// allocChunk implements spec.md §4.3.3: decide whether a new chunk of
// clamp(requestedCount.next_power_of_two(), 8, 64) blockSize blocks comes
// straight from the device, is carved from an existing coarser chunk size,
// or recurses one level up through allocFromEntrySize. requestedCount is an
// estimate of how many blocks this size will eventually need (its
// SizeEntry's running totalBlocks, not the immediate request), so a size
// that turns out to be popular opens wider chunks from the start instead of
// always starting at the 8-block floor.
func (a *GeneralAllocator) allocChunk(device Device, blockSize RawSize, requestedCount uint32, align RawSize) (*chunk, RawSize, error) {
	clampedCount := clampU32(uint32(nextPowerOfTwo(RawSize(requestedCount))), minBlocksPerChunk, maxBlocksPerChunk)
	minChunkSize := blockSize * minBlocksPerChunk
	maxChunkSizeForBlock := blockSize * maxBlocksPerChunk
	requestedChunkSize := blockSize * RawSize(clampedCount)

	if minChunkSize > a.maxChunkSizeCap {
		return a.allocChunkFromDevice(device, blockSize, clampedCount)
	}

	if foundSize, ok := a.chunkSizesUsed.findLastDivisibleInRange(minChunkSize, maxChunkSizeForBlock, blockSize); ok {
		backing, bytes, err := a.allocFromEntrySize(device, foundSize, 1, blockSize)
		if err != nil {
			return nil, 0, err
		}
		return a.wrapGeneralChunk(backing, blockSize), bytes, nil
	}

	if requestedChunkSize > a.minDeviceAllocation {
		return a.allocChunkFromDevice(device, blockSize, clampedCount)
	}

	backing, bytes, err := a.allocFromEntrySize(device, requestedChunkSize, 1, blockSize)
	if err != nil {
		return nil, 0, err
	}
	return a.wrapGeneralChunk(backing, blockSize), bytes, nil
}

// wrapGeneralChunk wraps backing's whole byte range as a chunk of blockSize
// blocks: blocksCount is derived from the backing block's actual size, not
// from the request that led to it, since the backing block may be wider
// than what was asked for (e.g. an existing chunk size found by
// findLastDivisibleInRange). Using anything narrower would leave blocks
// beyond blocksCount inside the backing but outside the mask, permanently
// unreachable until the whole chunk is freed.
func (a *GeneralAllocator) wrapGeneralChunk(backing *GeneralBlock, blockSize RawSize) *chunk {
	count := clampU32(uint32(backing.rng.size()/blockSize), 1, maxBlocksPerChunk)
	return &chunk{
		flavor:      chunkGeneral,
		memory:      backing.memory,
		ptr:         backing.ptr,
		rng:         backing.rng,
		backing:     backing,
		blockSize:   blockSize,
		blocksCount: count,
		blocksMask:  fullBlockMask(count),
	}
}

func (a *GeneralAllocator) allocChunkFromDevice(device Device, blockSize RawSize, count uint32) (*chunk, RawSize, error) {
	size := blockSize * RawSize(count)
	memory, err := allocateMemoryHelper(device, a.memoryTypeIndex, size, a.memoryProperties, a.nonCoherentAtomSize)
	if err != nil {
		return nil, 0, NewAllocError(OutOfDeviceMemory, "GeneralAllocator.allocChunk", err)
	}
	a.log.Debug("general allocator: new chunk from device",
		zap.Uint32("memory_type", a.memoryTypeIndex), zap.Uint64("size", size), zap.Uint32("blocks", count))
	return &chunk{
		flavor:      chunkDedicated,
		memory:      memory,
		ptr:         memory.mappedPtr,
		rng:         byteRange{Start: 0, End: size},
		blockSize:   blockSize,
		blocksCount: count,
		blocksMask:  fullBlockMask(count),
	}, size, nil
}

// Free marks the block's blocks free in its chunk and, if that empties the
// chunk, tears it down (recursively, for a General-flavored chunk).
func (a *GeneralAllocator) Free(device Device, block *GeneralBlock) RawSize {
	blockSize := block.rng.size() / RawSize(block.count)
	e, ok := a.sizes[blockSize]
	if !ok {
		a.log.Error("general allocator: free for unknown size bucket", zap.Uint64("size", blockSize))
		return 0
	}

	c := e.chunks.get(block.chunkIndex)
	c.releaseBlocks(block.blockIndex, block.count, a.log)
	block.memory.release(device, a.log)

	if !c.isUnused() {
		e.readyChunks.add(block.chunkIndex)
		return 0
	}

	e.readyChunks.remove(block.chunkIndex)
	e.chunks.remove(block.chunkIndex)
	return a.freeChunk(device, c)
}

func (a *GeneralAllocator) freeChunk(device Device, c *chunk) RawSize {
	switch c.flavor {
	case chunkDedicated:
		return c.memory.release(device, a.log)
	case chunkGeneral:
		return a.Free(device, c.backing)
	default:
		return 0
	}
}

// Clear checks every SizeEntry for chunks still present at teardown (a
// user-side leak: some GeneralBlock was never freed) and logs an error for
// each such entry. It frees nothing: leaked chunks keep their device memory
// rather than risking a double-free.
func (a *GeneralAllocator) Clear(device Device) {
	for size, e := range a.sizes {
		if e.chunks.len() == 0 {
			continue
		}
		a.log.Error("general allocator: size bucket leaked chunks at teardown",
			zap.Uint64("block_size", size), zap.Int("chunk_count", e.chunks.len()))
		for _, entry := range e.chunks.entries {
			if entry.chunk != nil {
				entry.chunk.memory.leakIfShared(a.log)
			}
		}
	}
}
