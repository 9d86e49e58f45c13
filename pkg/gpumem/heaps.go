package gpumem

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// heapState is the bookkeeping record for one physical memory heap:
// how much of its capacity is committed (used) versus actually handed to
// callers (effective).
type heapState struct {
	size      RawSize
	used      RawSize
	effective RawSize
	log       *zap.Logger
}

// available returns the heap's remaining capacity, warning and returning
// zero rather than underflowing if used has somehow exceeded size.
func (h *heapState) available() RawSize {
	if h.used > h.size {
		h.log.Warn("memory heap used exceeds its reported size",
			zap.Uint64("used", h.used), zap.Uint64("size", h.size))
		return 0
	}
	return h.size - h.used
}

func (h *heapState) allocated(used, effective RawSize) {
	h.used += used
	h.effective += effective
}

func (h *heapState) freed(used, effective RawSize) {
	h.used -= used
	h.effective -= effective
}

func (h *heapState) utilization() MemoryUtilization {
	return MemoryUtilization{Used: h.used, Effective: h.effective}
}

// memoryType holds the up-to-three allocator instances available for one
// device-reported memory type, plus its own used/effective counters.
type memoryType struct {
	heapIndex  uint32
	properties Properties

	dedicated *DedicatedAllocator
	linear    *LinearAllocator
	general   *GeneralAllocator

	used      RawSize
	effective RawSize
}

// selectKind implements spec.md §4.4 item 3 / the original memory_type.rs
// dispatch: prefer General over Linear when both exist and General scores
// higher and the request fits it; otherwise fall through to whichever
// pooled allocator both fits and has positive fitness; otherwise Dedicated.
func (mt *memoryType) selectKind(usage MemoryUsage, size RawSize, fitness FitnessFunc) allocatorKind {
	switch {
	case mt.general != nil && mt.linear != nil:
		fg, fl := fitness(usage, kindOfGeneral), fitness(usage, kindOfLinear)
		if size <= mt.general.MaxAllocation() && fg > fl {
			return kindOfGeneral
		}
		if size <= mt.linear.MaxAllocation() && fl > 0 {
			return kindOfLinear
		}
		return kindOfDedicated
	case mt.general != nil:
		if size <= mt.general.MaxAllocation() && fitness(usage, kindOfGeneral) > 0 {
			return kindOfGeneral
		}
		return kindOfDedicated
	case mt.linear != nil:
		if size <= mt.linear.MaxAllocation() && fitness(usage, kindOfLinear) > 0 {
			return kindOfLinear
		}
		return kindOfDedicated
	default:
		return kindOfDedicated
	}
}

// alloc picks one allocator kind per selectKind and delegates to it,
// updating this type's own used/effective counters on success.
func (mt *memoryType) alloc(device Device, usage MemoryUsage, size, align RawSize, fitness FitnessFunc) (BlockFlavor, RawSize, error) {
	var (
		flavor BlockFlavor
		bytes  RawSize
		err    error
	)

	switch mt.selectKind(usage, size, fitness) {
	case kindOfGeneral:
		var blk *GeneralBlock
		blk, bytes, err = mt.general.Alloc(device, size, align)
		if err == nil {
			flavor = generalFlavor(blk)
		}
	case kindOfLinear:
		var blk *LinearBlock
		blk, bytes, err = mt.linear.Alloc(device, size, align)
		if err == nil {
			flavor = linearFlavor(blk)
		}
	default:
		var blk *DedicatedBlock
		blk, bytes, err = mt.dedicated.Alloc(device, size, align)
		if err == nil {
			flavor = dedicatedFlavor(blk)
		}
	}
	if err != nil {
		return BlockFlavor{}, 0, err
	}

	mt.used += bytes
	mt.effective += flavor.size()
	return flavor, bytes, nil
}

func (mt *memoryType) free(device Device, flavor BlockFlavor) RawSize {
	effective := flavor.size()
	var bytes RawSize
	switch flavor.kind {
	case kindDedicated:
		bytes = mt.dedicated.Free(device, flavor.dedicated)
	case kindLinear:
		bytes = mt.linear.Free(device, flavor.linear)
	case kindGeneral:
		bytes = mt.general.Free(device, flavor.general)
	}
	mt.used -= bytes
	mt.effective -= effective
	return bytes
}

func (mt *memoryType) clear(device Device) {
	if mt.linear != nil {
		mt.linear.Clear(device)
	}
	if mt.general != nil {
		mt.general.Clear(device)
	}
}

func (mt *memoryType) utilization() MemoryUtilization {
	return MemoryUtilization{Used: mt.used, Effective: mt.effective}
}

// MemoryTypeConfig selects which pooled allocators are enabled for one
// memory type. A nil field means that strategy is disabled for this type;
// Dedicated is always available as the fallback.
type MemoryTypeConfig struct {
	Linear  *LinearConfig
	General *GeneralConfig
}

// HeapsConfig configures a Heaps instance: one MemoryTypeConfig per
// device-reported memory type (by index), plus an optional override of
// the fitness scoring policy.
type HeapsConfig struct {
	Types   []MemoryTypeConfig
	Fitness FitnessFunc
}

// Heaps is the dispatch layer: it owns per-memory-type allocator instances
// and routes requests to them by eligibility mask and usage intent,
// tracking per-heap and per-type used/effective byte counters (spec.md
// §4.4).
type Heaps struct {
	id                  uuid.UUID
	types               []*memoryType
	heaps               []*heapState
	nonCoherentAtomSize RawSize
	fitness             FitnessFunc
	log                 *zap.Logger
}

// NewHeaps builds a Heaps instance from the device's reported memory
// topology. log may be nil.
func NewHeaps(config HeapsConfig, props MemoryHeapsProperties, log *zap.Logger) *Heaps {
	if log == nil {
		log = zap.NewNop()
	}
	fitness := config.Fitness
	if fitness == nil {
		fitness = defaultFitness
	}

	heapStates := make([]*heapState, len(props.Heaps))
	for i, h := range props.Heaps {
		heapStates[i] = &heapState{size: h.Size, log: log}
	}

	types := make([]*memoryType, len(props.Types))
	for i, t := range props.Types {
		mt := &memoryType{heapIndex: t.HeapIndex, properties: t.Properties}
		mt.dedicated = NewDedicatedAllocator(uint32(i), t.Properties, props.NonCoherentAtomSize, log)

		var tc MemoryTypeConfig
		if i < len(config.Types) {
			tc = config.Types[i]
		}
		if tc.Linear != nil {
			mt.linear = NewLinearAllocator(uint32(i), t.Properties, *tc.Linear, props.NonCoherentAtomSize, log)
		}
		if tc.General != nil {
			mt.general = NewGeneralAllocator(uint32(i), t.Properties, *tc.General, heapStates[t.HeapIndex].size, props.NonCoherentAtomSize, log)
		}
		types[i] = mt
	}

	return &Heaps{
		id:                  uuid.New(),
		types:               types,
		heaps:               heapStates,
		nonCoherentAtomSize: props.NonCoherentAtomSize,
		fitness:             fitness,
		log:                 log,
	}
}

// ID identifies this Heaps instance, for tagging log lines and metrics
// when an application owns more than one (e.g. one per logical device).
func (h *Heaps) ID() uuid.UUID { return h.id }

// Allocate tries the memory types set in mask (bit i ⇔ memory type i is
// eligible) in index order, skipping any whose heap lacks capacity, and
// returns the first that succeeds. Memory types are not ranked by usage;
// usage only selects the allocator within each memory type.
func (h *Heaps) Allocate(device Device, mask uint64, usage MemoryUsage, size, align RawSize) (BlockFlavor, error) {
	var lastErr error
	anyCandidate := false

	for i, mt := range h.types {
		if mask&(uint64(1)<<uint(i)) == 0 {
			continue
		}
		heap := h.heaps[mt.heapIndex]
		if heap.available() < size {
			continue
		}
		anyCandidate = true

		flavor, bytes, err := mt.alloc(device, usage, size, align, h.fitness)
		if err != nil {
			lastErr = err
			continue
		}

		heap.allocated(bytes, flavor.size())
		return flavor.withType(uint32(i)), nil
	}

	if !anyCandidate {
		return BlockFlavor{}, &HeapsError{NoSuitableMemoryType: true}
	}
	return BlockFlavor{}, &HeapsError{NoSuitableMemoryType: false, LastErr: lastErr}
}

// Free returns a block to the memory type and allocator that produced it,
// updating heap and type counters symmetrically with Allocate.
func (h *Heaps) Free(device Device, flavor BlockFlavor) {
	mt := h.types[flavor.typeIndex]
	heap := h.heaps[mt.heapIndex]
	effective := flavor.size()
	bytes := mt.free(device, flavor)
	heap.freed(bytes, effective)
}

// Clear tears down every pooled allocator across every memory type.
func (h *Heaps) Clear(device Device) {
	for _, mt := range h.types {
		mt.clear(device)
	}
}

// Utilization snapshots used/effective byte counts per memory type and
// per heap.
func (h *Heaps) Utilization() Utilization {
	u := Utilization{
		Types: make([]MemoryTypeUtilization, len(h.types)),
		Heaps: make([]MemoryHeapUtilization, len(h.heaps)),
	}
	for i, mt := range h.types {
		u.Types[i] = MemoryTypeUtilization{MemoryTypeIndex: uint32(i), MemoryUtilization: mt.utilization()}
	}
	for i, hs := range h.heaps {
		u.Heaps[i] = MemoryHeapUtilization{HeapIndex: uint32(i), Size: hs.size, MemoryUtilization: hs.utilization()}
	}
	return u
}
