package gpumem

import "unsafe"

// MappedRange is a scoped view into a (sub-)range of a host-visible
// mapping. For non-coherent memory it is widened to the reporting device's
// non-coherent atom on both ends, and is invalidated on construction so
// reads observe the device's latest writes.
type MappedRange struct {
	device Device
	memory *Memory
	// ptr points at mappingRange.Start within the backing allocation.
	ptr unsafe.Pointer
	// mappingRange is the atom-widened range, absolute within memory.
	mappingRange byteRange
	// requestedRange is the caller's actual range, absolute within memory,
	// always a sub-range of mappingRange.
	requestedRange byteRange
}

// newMappedRange builds a MappedRange over requestedRange (absolute within
// memory), widening it to the non-coherent atom if applicable and
// invalidating the resulting range so the host observes the device's most
// recent writes before any read.
func newMappedRange(device Device, memory *Memory, basePtr unsafe.Pointer, blockRangeStart RawSize, requestedRange byteRange) (*MappedRange, error) {
	mappingRange := requestedRange
	if atom, ok := memory.hasNonCoherentAtom(); ok {
		mappingRange = alignRange(requestedRange, atom)
	}

	offset := mappingRange.Start - blockRangeStart
	ptr := unsafe.Add(basePtr, offset)

	if _, ok := memory.hasNonCoherentAtom(); ok {
		if err := device.InvalidateMappedRanges([]MappedMemoryRange{
			{Handle: memory.handle, Offset: mappingRange.Start, Size: mappingRange.size()},
		}); err != nil {
			return nil, NewMapError(MappingFailed, "newMappedRange: invalidate", err)
		}
	}

	return &MappedRange{
		device:         device,
		memory:         memory,
		ptr:            ptr,
		mappingRange:   mappingRange,
		requestedRange: requestedRange,
	}, nil
}

// relPtr returns a pointer to rel (a range relative to the start of the
// requested range) within the mapping, after checking it stays inside the
// requested range.
func (r *MappedRange) relPtr(rel byteRange) (unsafe.Pointer, error) {
	abs := byteRange{Start: r.requestedRange.Start + rel.Start, End: r.requestedRange.Start + rel.End}
	if !abs.isSubRangeOf(r.requestedRange) {
		return nil, NewMapError(OutOfBounds, "MappedRange", nil)
	}
	offset := abs.Start - r.mappingRange.Start
	return unsafe.Add(r.ptr, offset), nil
}

// ReadBytes returns a byte slice viewing rel, a range relative to the start
// of the mapped range. The slice aliases device-mapped memory; the caller
// must not retain it past the MappedRange's scope.
func (r *MappedRange) ReadBytes(rel byteRange) ([]byte, error) {
	p, err := r.relPtr(rel)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), int(rel.size())), nil
}

// WriteBytes returns a Writer over rel, a range relative to the start of
// the mapped range. The Writer must be closed (typically via defer) to
// flush the write to the device on non-coherent memory.
func (r *MappedRange) WriteBytes(rel byteRange) (*Writer, error) {
	p, err := r.relPtr(rel)
	if err != nil {
		return nil, err
	}
	return &Writer{mapped: r, ptr: p, size: rel.size(), relStart: rel.Start}, nil
}

// Writer is a scoped handle to a writable sub-range of a MappedRange. It
// must be closed once writing is finished; Close flushes the write to the
// device for non-coherent memory and is a no-op otherwise.
type Writer struct {
	mapped   *MappedRange
	ptr      unsafe.Pointer
	size     RawSize
	relStart RawSize
	closed   bool
}

// Bytes returns the writable byte slice. It aliases device-mapped memory.
func (w *Writer) Bytes() []byte {
	return unsafe.Slice((*byte)(w.ptr), int(w.size))
}

// Close flushes the written range to the device if the backing memory is
// non-coherent. Safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if _, ok := w.mapped.memory.hasNonCoherentAtom(); !ok {
		return nil
	}
	abs := byteRange{
		Start: w.mapped.requestedRange.Start + w.relStart,
		End:   w.mapped.requestedRange.Start + w.relStart + w.size,
	}
	flushRange := alignRange(abs, w.mapped.memory.nonCoherentAtomSize)
	return w.mapped.device.FlushMappedRanges([]MappedMemoryRange{
		{Handle: w.mapped.memory.handle, Offset: flushRange.Start, Size: flushRange.size()},
	})
}
