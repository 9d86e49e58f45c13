package gpumem

import "github.com/google/btree"

// sizeSet is an ordered set of distinct block sizes the General allocator
// has recorded as chunk sizes in use, backed by an in-order B-tree so its
// cross-size reuse searches start at the range bound in O(log n) instead
// of scanning every size ever seen.
type sizeSet struct {
	tree *btree.BTreeG[RawSize]
}

func newSizeSet() *sizeSet {
	return &sizeSet{tree: btree.NewG(32, func(a, b RawSize) bool { return a < b })}
}

func (s *sizeSet) insert(size RawSize) { s.tree.ReplaceOrInsert(size) }

func (s *sizeSet) remove(size RawSize) { s.tree.Delete(size) }

func (s *sizeSet) len() int { return s.tree.Len() }

// findFirstAtLeast returns the smallest size >= min, if any. GeneralAllocator
// does not call it; its searches use the divisible-range queries below.
func (s *sizeSet) findFirstAtLeast(min RawSize) (RawSize, bool) {
	var found RawSize
	ok := false
	s.tree.AscendGreaterOrEqual(min, func(item RawSize) bool {
		found, ok = item, true
		return false
	})
	return found, ok
}

// findLastAtMost returns the largest size <= max, if any. GeneralAllocator
// does not call it; its searches use the divisible-range queries below.
func (s *sizeSet) findLastAtMost(max RawSize) (RawSize, bool) {
	var found RawSize
	ok := false
	s.tree.DescendLessOrEqual(max, func(item RawSize) bool {
		found, ok = item, true
		return false
	})
	return found, ok
}

// findFirstDivisibleInRange returns the smallest size in [min, limitExclusive)
// that is a multiple of divisor, ascending (spec.md §4.3.2's forward search
// for a coarser chunk size to amortize a rare large block into).
func (s *sizeSet) findFirstDivisibleInRange(min, limitExclusive, divisor RawSize) (RawSize, bool) {
	if limitExclusive <= min {
		return 0, false
	}
	var found RawSize
	ok := false
	s.tree.AscendRange(min, limitExclusive, func(item RawSize) bool {
		if item%divisor == 0 {
			found, ok = item, true
			return false
		}
		return true
	})
	return found, ok
}

// findLastDivisibleInRange returns the largest size in [min, maxInclusive]
// that is a multiple of divisor, descending (spec.md §4.3.3's largest-first
// search for an existing size to back a new chunk with).
func (s *sizeSet) findLastDivisibleInRange(min, maxInclusive, divisor RawSize) (RawSize, bool) {
	if maxInclusive < min {
		return 0, false
	}
	var found RawSize
	ok := false
	s.tree.DescendRange(maxInclusive, min-1, func(item RawSize) bool {
		if item%divisor == 0 {
			found, ok = item, true
			return false
		}
		return true
	})
	return found, ok
}
