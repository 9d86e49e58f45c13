package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignSize(t *testing.T) {
	cases := []struct{ size, align, want RawSize }{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{255, 256, 256},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, alignSize(c.size, c.align))
	}
}

func TestAlignOffsetZeroSpecialCase(t *testing.T) {
	assert.Equal(t, RawSize(0), alignOffset(0, 256))
	assert.Equal(t, RawSize(256), alignOffset(1, 256))
}

func TestRoundMask(t *testing.T) {
	assert.Equal(t, RawSize(0), roundMask(0, 3), "round_mask(0, sb) must be 0 for all sb")
	// round_mask(v, 0) == v's msb mask: the mask of every bit below the
	// highest set bit.
	assert.Equal(t, RawSize(0b0111), roundMask(0b1000, 0))
	assert.Equal(t, RawSize(0), roundMask(0xFF, 8), "significant bits >= bit length collapses to 0")
}

func TestAlignRangeWidensToAtom(t *testing.T) {
	widened := alignRange(byteRange{Start: 10, End: 20}, 16)
	assert.Equal(t, byteRange{Start: 0, End: 32}, widened)
}

func TestSegmentToSubRange(t *testing.T) {
	whole := byteRange{Start: 100, End: 200}

	size := RawSize(50)
	got, err := segmentToSubRange(0, &size, whole)
	assert.NoError(t, err)
	assert.Equal(t, byteRange{Start: 100, End: 150}, got)

	tooBig := RawSize(1000)
	_, err = segmentToSubRange(0, &tooBig, whole)
	assert.Error(t, err)

	got, err = segmentToSubRange(50, nil, whole)
	assert.NoError(t, err)
	assert.Equal(t, byteRange{Start: 150, End: 200}, got)
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := []struct{ v, want RawSize }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {63, 64}, {64, 64}, {65, 128},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, nextPowerOfTwo(c.v))
	}
}
