package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1: Linear happy path from spec.md §8.
func TestLinearAllocatorHappyPath(t *testing.T) {
	device := newTestDevice()
	alloc := NewLinearAllocator(0, PropertyDeviceLocal, LinearConfig{LineSize: 1024}, 0, nil)

	assert.Equal(t, RawSize(512), alloc.MaxAllocation())

	b1, bytes, err := alloc.Alloc(device, 256, 8)
	require.NoError(t, err)
	assert.Equal(t, RawSize(1024), bytes, "first block opens a new line")
	off, sz := b1.Segment()
	assert.Equal(t, RawSize(0), off)
	assert.Equal(t, RawSize(256), sz)

	b2, bytes, err := alloc.Alloc(device, 256, 256)
	require.NoError(t, err)
	assert.Equal(t, RawSize(0), bytes, "second block reuses the tail line")
	off, _ = b2.Segment()
	assert.Equal(t, RawSize(256), off)

	b3, bytes, err := alloc.Alloc(device, 600, 1)
	require.NoError(t, err)
	assert.Equal(t, RawSize(1024), bytes, "600 does not fit the remainder of line 0, opens line 1")
	assert.Equal(t, 2, device.liveAllocations())

	alloc.Free(device, b1)
	alloc.Free(device, b2)
	// Line 0 is now fully freed and is not the tail, so it reclaims.
	assert.Equal(t, 1, device.liveAllocations())

	alloc.Free(device, b3)
}

func TestLinearAllocatorRejectsOversizedRequest(t *testing.T) {
	device := newTestDevice()
	alloc := NewLinearAllocator(0, PropertyDeviceLocal, LinearConfig{LineSize: 1024}, 0, nil)

	_, _, err := alloc.Alloc(device, 1024, 1)
	require.Error(t, err)
	assert.True(t, IsAllocErrorKind(err, TooManyObjects))
}

func TestLinearAllocatorClearWarnsAndKeepsLineWithLiveBlock(t *testing.T) {
	device := newTestDevice()
	alloc := NewLinearAllocator(0, PropertyDeviceLocal, LinearConfig{LineSize: 256}, 0, nil)

	_, _, err := alloc.Alloc(device, 128, 1)
	require.NoError(t, err)

	// The block is never freed, so its Line is leaked rather than freed
	// under a live block.
	alloc.Clear(device)
	assert.Equal(t, 1, device.liveAllocations())
}
