package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMemoryRetainReleaseRefcounting(t *testing.T) {
	device := newTestDevice()
	m, err := allocateMemoryHelper(device, 0, 256, PropertyDeviceLocal, 0)
	assert.NoError(t, err)
	assert.Equal(t, 1, device.liveAllocations())

	m.retain()
	assert.Equal(t, RawSize(0), m.release(device, zap.NewNop()), "still one reference outstanding")
	assert.Equal(t, 1, device.liveAllocations())

	assert.Equal(t, RawSize(256), m.release(device, zap.NewNop()))
	assert.Equal(t, 0, device.liveAllocations())
}

func TestMemoryLeakIfSharedDetectsOutstandingRefs(t *testing.T) {
	device := newTestDevice()
	m, err := allocateMemoryHelper(device, 0, 64, PropertyDeviceLocal, 0)
	assert.NoError(t, err)

	m.retain()
	assert.True(t, m.leakIfShared(zap.NewNop()))

	m.release(device, zap.NewNop())
	assert.False(t, m.leakIfShared(zap.NewNop()))
}
