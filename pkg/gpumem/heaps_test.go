package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeapsProperties() MemoryHeapsProperties {
	return MemoryHeapsProperties{
		Heaps: []MemoryHeapInfo{
			{Size: 1 << 20, Flags: HeapDeviceLocal},
		},
		Types: []MemoryTypeInfo{
			{Properties: PropertyDeviceLocal, HeapIndex: 0},
		},
		NonCoherentAtomSize: 0,
	}
}

// S4: Dispatch fallback — only general enabled, a request above its max
// allocation falls through to Dedicated, with the exact requested size.
func TestHeapsDispatchFallsBackToDedicated(t *testing.T) {
	device := newTestDevice()
	cfg := HeapsConfig{
		Types: []MemoryTypeConfig{
			{General: &GeneralConfig{BlockSizeGranularity: 64, MinDeviceAllocation: 4096, MaxChunkSizeFraction: 64}},
		},
	}
	heaps := NewHeaps(cfg, testHeapsProperties(), nil)

	big := heaps.types[0].general.MaxAllocation() * 2
	flavor, err := heaps.Allocate(device, 1, UsageGPUOnly, big, 8)
	require.NoError(t, err)
	assert.Equal(t, kindDedicated, flavor.kind)

	_, size := flavor.Block().Segment()
	assert.Equal(t, big, size)

	heaps.Free(device, flavor)
}

func TestHeapsAllocateFreeUpdatesUtilization(t *testing.T) {
	device := newTestDevice()
	cfg := HeapsConfig{Types: []MemoryTypeConfig{{}}}
	heaps := NewHeaps(cfg, testHeapsProperties(), nil)

	flavor, err := heaps.Allocate(device, 1, UsageDedicated, 4096, 16)
	require.NoError(t, err)

	u := heaps.Utilization()
	assert.Equal(t, RawSize(4096), u.Heaps[0].Used)
	assert.Equal(t, RawSize(4096), u.Types[0].Effective)

	heaps.Free(device, flavor)
	u = heaps.Utilization()
	assert.Equal(t, RawSize(0), u.Heaps[0].Used)
}

func TestHeapsAllocateSkipsExhaustedHeap(t *testing.T) {
	device := newTestDevice()
	props := testHeapsProperties()
	props.Heaps[0].Size = 1024
	cfg := HeapsConfig{Types: []MemoryTypeConfig{{}}}
	heaps := NewHeaps(cfg, props, nil)

	_, err := heaps.Allocate(device, 1, UsageDedicated, 2048, 16)
	require.Error(t, err)

	var herr *HeapsError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.NoSuitableMemoryType)
}
