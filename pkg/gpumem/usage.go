package gpumem

// MemoryUsage classifies the intent behind an allocation request, letting
// Heaps pick the allocator kind best suited to that intent rather than
// leaving the choice to the caller (spec.md §4.5).
type MemoryUsage int

const (
	// UsageGPUOnly is for long-lived, device-only resources: textures,
	// static buffers, render targets. Scores General highest.
	UsageGPUOnly MemoryUsage = iota
	// UsageUpload is for host-to-device staging: per-frame uniform
	// updates, streamed vertex data. Scores Linear highest.
	UsageUpload
	// UsageReadback is for device-to-host results: query results, screen
	// captures. Scores General highest, Linear second.
	UsageReadback
	// UsageTransient is for very short-lived, per-frame scratch
	// allocations. Scores Linear highest by a wide margin.
	UsageTransient
	// UsageDedicated is for single large resources not worth pooling
	// (e.g. a full-screen render target). Scores Dedicated highest.
	UsageDedicated
)

// allocatorKind identifies one of the three allocator strategies, used
// only as the domain of FitnessFunc and the dispatch table below.
type allocatorKind int

const (
	kindOfDedicated allocatorKind = iota
	kindOfLinear
	kindOfGeneral
)

// FitnessFunc scores how well an allocator kind serves a usage intent;
// higher is preferred. NewHeaps uses defaultFitness when
// HeapsConfig.Fitness is nil.
type FitnessFunc func(usage MemoryUsage, kind allocatorKind) int

// defaultFitness is the built-in policy table. Exact scores are a policy
// parameter per spec.md §4.5 ("Exact scores are a policy parameter"); the
// dispatch in memoryType.selectKind uses only their ordering within a usage
// row and whether each is above zero.
func defaultFitness(usage MemoryUsage, kind allocatorKind) int {
	table := map[MemoryUsage][3]int{
		// [Dedicated, Linear, General]
		UsageGPUOnly:    {1, 0, 3},
		UsageUpload:     {1, 3, 2},
		UsageReadback:   {1, 2, 3},
		UsageTransient:  {0, 3, 1},
		UsageDedicated:  {3, 0, 0},
	}
	row, ok := table[usage]
	if !ok {
		row = table[UsageGPUOnly]
	}
	return row[kind]
}
