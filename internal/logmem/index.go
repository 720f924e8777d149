package logmem

// location is the index's mapping for one key: which segment and at
// what offset within it the entry currently lives.
type location struct {
	segID  uint32
	offset uint32
}

// index is a hash map from key to location. It is authoritative: an
// entry not referenced by the index is dead even if its bytes are
// still physically present in a Closed segment.
type index struct {
	m map[string]location
}

func newIndex(sizeHint int) *index {
	return &index{m: make(map[string]location, sizeHint)}
}

func (ix *index) get(key []byte) (location, bool) {
	loc, ok := ix.m[string(key)]
	return loc, ok
}

func (ix *index) set(key []byte, loc location) {
	ix.m[string(key)] = loc
}

func (ix *index) delete(key []byte) {
	delete(ix.m, string(key))
}

func (ix *index) len() int {
	return len(ix.m)
}

// deleteSegment removes every index entry pointing into segID. Used
// by eviction, which drops a whole segment's surviving entries at
// once. O(len(index)); eviction is rare enough that this beats
// maintaining a reverse per-segment key list for every insert.
func (ix *index) deleteSegment(segID uint32) int {
	removed := 0
	for k, loc := range ix.m {
		if loc.segID == segID {
			delete(ix.m, k)
			removed++
		}
	}
	return removed
}
