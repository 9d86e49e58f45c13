package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// spec.md §8 invariant 7: iterating returns exactly the added indices, in
// ascending order, with no duplicates.
func TestBitSetAddIterateAscendingNoDuplicates(t *testing.T) {
	var b BitSet
	for _, i := range []uint32{40, 3, 17, 0, 63, 8} {
		b.Add(i)
	}
	assert.Equal(t, []uint32{0, 3, 8, 17, 40, 63}, b.Bits())
}

func TestBitSetRemoveClearsGroupSummary(t *testing.T) {
	var b BitSet
	b.Add(5)
	assert.NotZero(t, b.groups)

	b.Remove(5)
	assert.Zero(t, b.groups)
	assert.Empty(t, b.Bits())
}

func TestBitSetGroupSkipping(t *testing.T) {
	var b BitSet
	b.Add(2)
	b.Add(61)
	assert.Equal(t, []uint32{2, 61}, b.Bits())

	b.Remove(2)
	assert.Equal(t, []uint32{61}, b.Bits())
}
