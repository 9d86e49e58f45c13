package gpumem

// MemoryUtilization reports a used/effective byte pair: used is what the
// device actually committed, effective is what was handed to callers
// (effective ≤ used always, since pooled allocators retain some slack).
type MemoryUtilization struct {
	Used      RawSize
	Effective RawSize
}

// MemoryTypeUtilization reports one memory type's counters.
type MemoryTypeUtilization struct {
	MemoryTypeIndex uint32
	MemoryUtilization
}

// MemoryHeapUtilization reports one memory heap's counters plus its total
// capacity.
type MemoryHeapUtilization struct {
	HeapIndex uint32
	Size      RawSize
	MemoryUtilization
}

// Utilization is the aggregate snapshot returned by Heaps.Utilization.
type Utilization struct {
	Types []MemoryTypeUtilization
	Heaps []MemoryHeapUtilization
}
