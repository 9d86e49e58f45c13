package gpumem

import "unsafe"

// testDevice is a minimal in-memory Device used by this package's own
// tests, kept separate from internal/fakedevice to avoid that package's
// import of gpumem creating an import cycle with gpumem's internal tests.
type testDevice struct {
	next   Handle
	allocs map[Handle][]byte

	flushCalls      int
	invalidateCalls int
}

func newTestDevice() *testDevice {
	return &testDevice{allocs: make(map[Handle][]byte)}
}

func (d *testDevice) AllocateMemory(typeIndex uint32, size RawSize) (Handle, error) {
	d.next++
	d.allocs[d.next] = make([]byte, size)
	return d.next, nil
}

func (d *testDevice) FreeMemory(handle Handle) { delete(d.allocs, handle) }

func (d *testDevice) MapMemory(handle Handle, offset, size RawSize) (unsafe.Pointer, error) {
	buf := d.allocs[handle]
	if len(buf) == 0 {
		return nil, nil
	}
	return unsafe.Pointer(&buf[offset]), nil
}

func (d *testDevice) UnmapMemory(handle Handle) {}

func (d *testDevice) FlushMappedRanges(ranges []MappedMemoryRange) error {
	d.flushCalls++
	return nil
}

func (d *testDevice) InvalidateMappedRanges(ranges []MappedMemoryRange) error {
	d.invalidateCalls++
	return nil
}

func (d *testDevice) liveAllocations() int { return len(d.allocs) }
