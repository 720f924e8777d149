package logmem

// State is one of the three lifecycle states a Segment can be in.
type State int32

const (
	// Free segments sit on the shard's free list, available to become
	// the next OPEN segment.
	Free State = iota
	// Open is the allocator's current append target. At most one
	// segment per shard is Open at any time.
	Open
	// Closed segments are immutable and full (or force-closed because
	// the next entry didn't fit); they are eligible for reclamation.
	Closed
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Segment is a contiguous, fixed-size region holding a densely packed
// sequence of entries, written only by append (never in place).
type Segment struct {
	id        uint32
	data      []byte
	cursor    uint32 // append offset; also == usedBytes
	liveBytes uint32 // bytes still referenced by the index
	createdAt int64  // unix seconds when the segment was opened
	state     State
}

func newSegment(id uint32, size uint32) *Segment {
	return &Segment{id: id, data: make([]byte, size), state: Free}
}

// remaining is the number of bytes still available to append into
// this (necessarily Open) segment.
func (s *Segment) remaining() int {
	return len(s.data) - int(s.cursor)
}

// append writes a fully-encoded entry and returns the offset it was
// written at. Callers must have already checked s.remaining() is
// sufficient.
func (s *Segment) append(key, value []byte, flags, expiry uint32) (offset uint32, n int) {
	n = entrySize(len(key), len(value))
	offset = s.cursor
	putEntry(s.data[offset:offset+uint32(n)], key, value, flags, expiry)
	s.cursor += uint32(n)
	s.liveBytes += uint32(n)
	return
}

// header decodes the entry header at offset without copying key/value
// bytes.
func (s *Segment) header(offset uint32) entryHeader {
	return peekHeader(s.data[offset : offset+headerSize])
}

// entryBytes returns views (not copies) of the key and value stored
// at offset. The returned slices alias the segment's backing array
// and must not be retained past the next mutation of this shard.
func (s *Segment) entryBytes(offset uint32, h entryHeader) (key, value []byte) {
	keyStart := offset + headerSize
	valStart := keyStart + uint32(h.keyLen)
	key = s.data[keyStart : keyStart+uint32(h.keyLen)]
	value = s.data[valStart : valStart+h.valLen]
	return
}

// reset returns the segment to its pristine Free state for reuse.
// The bytes are not zeroed; nothing reads past the next writer's
// cursor.
func (s *Segment) reset() {
	s.cursor = 0
	s.liveBytes = 0
	s.createdAt = 0
	s.state = Free
}
