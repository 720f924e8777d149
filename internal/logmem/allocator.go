// Package logmem is the log-structured memory allocator that backs
// one worker's shard of the keyspace: cache entries are appended into
// fixed-size segments, never mutated in place, and reclaimed a whole
// segment at a time. A Shard is owned by exactly one worker and has no
// internal locking — it must never be touched by another goroutine.
package logmem

import "github.com/zyh329/sphinxd/log"

// Config describes the fixed resources a Shard is built with.
type Config struct {
	Segments   int    // M: pool size
	SegmentLen uint32 // S: bytes per segment
}

// Shard owns one worker's (index, segment pool) pair.
type Shard struct {
	log log.Logger
	cfg Config

	segments []*Segment // by id, len == cfg.Segments
	free     []uint32   // free list of segment ids, FIFO order
	openID   int32      // id of the current OPEN segment, -1 if none

	idx      *index
	casToken map[string]uint64

	stats Stats

	// Clock overrides the allocator's notion of "now" for segment
	// creation timestamps; nil means use the real wall clock. Tests
	// set this to make eviction ordering deterministic.
	Clock func() int64
}

// New builds a Shard with cfg.Segments segments of cfg.SegmentLen
// bytes each, all initially Free.
func New(l log.Logger, cfg Config) *Shard {
	if cfg.Segments <= 0 || cfg.SegmentLen == 0 {
		panic("logmem: invalid config")
	}
	s := &Shard{
		log:      l,
		cfg:      cfg,
		segments: make([]*Segment, cfg.Segments),
		free:     make([]uint32, 0, cfg.Segments),
		openID:   -1,
		idx:      newIndex(1024),
		casToken: make(map[string]uint64),
	}
	for i := 0; i < cfg.Segments; i++ {
		s.segments[i] = newSegment(uint32(i), cfg.SegmentLen)
		s.free = append(s.free, uint32(i))
	}
	return s
}

// maxEntryLen is the largest entry (including header, after padding)
// that could ever fit a fresh segment.
func (s *Shard) maxEntryLen() int {
	return int(s.cfg.SegmentLen)
}

// Insert stores key->value with the given opaque flags and absolute
// expiry (0 meaning never). Any prior mapping for key is replaced and
// its old segment's live-byte counter is decremented.
func (s *Shard) Insert(key, value []byte, flags, expiry uint32) error {
	defer s.checkInvariants()
	needed := entrySize(len(key), len(value))
	if needed > s.maxEntryLen() {
		return ErrTooLarge
	}

	seg, err := s.segmentFor(needed)
	if err != nil {
		return err
	}

	if old, ok := s.idx.get(key); ok {
		s.releaseOld(old)
	}

	offset, _ := seg.append(key, value, flags, expiry)
	s.idx.set(key, location{segID: seg.id, offset: offset})
	s.casToken[string(key)]++

	s.stats.Sets++
	s.stats.Keys = uint64(s.idx.len())
	s.recomputeByteStats()
	return nil
}

// segmentFor returns a segment with at least `needed` bytes free,
// opening a new one (running eviction if the free list is empty) when
// the current Open segment can't fit the entry.
func (s *Shard) segmentFor(needed int) (*Segment, error) {
	if seg := s.openSegment(); seg != nil && seg.remaining() >= needed {
		return seg, nil
	}
	if seg := s.openSegment(); seg != nil {
		s.closeSegment(seg)
	}
	seg := s.takeFreeSegment()
	if seg == nil {
		seg = s.evictOldestClosed()
		if seg == nil {
			return nil, ErrNoSpace
		}
	}
	s.openID = int32(seg.id)
	seg.state = Open
	seg.createdAt = s.now()
	return seg, nil
}

func (s *Shard) openSegment() *Segment {
	if s.openID < 0 {
		return nil
	}
	return s.segments[s.openID]
}

func (s *Shard) closeSegment(seg *Segment) {
	seg.state = Closed
	s.openID = -1
}

// takeFreeSegment pops the free list front, so segments open in id
// order from a fresh shard. That keeps the eviction tie-break (lowest
// id wins at equal creation time) agreeing with open order even when
// the clock's one-second resolution stamps several segments alike.
func (s *Shard) takeFreeSegment() *Segment {
	if len(s.free) == 0 {
		return nil
	}
	id := s.free[0]
	s.free = s.free[1:]
	seg := s.segments[id]
	seg.reset()
	return seg
}

// evictOldestClosed implements the FIFO segment eviction policy:
// pick the Closed segment with the oldest createdAt, ties broken by
// lowest id, drop its surviving index entries, and hand it back reset
// and ready to become the next Open segment.
func (s *Shard) evictOldestClosed() *Segment {
	var victim *Segment
	for _, seg := range s.segments {
		if seg.state != Closed {
			continue
		}
		if victim == nil ||
			seg.createdAt < victim.createdAt ||
			(seg.createdAt == victim.createdAt && seg.id < victim.id) {
			victim = seg
		}
	}
	if victim == nil {
		return nil
	}
	removed := s.idx.deleteSegment(victim.id)
	s.stats.Evictions++
	s.log.Debugf("logmem: evicting segment %d, dropping %d live keys", victim.id, removed)
	victim.reset()
	return victim
}

// releaseOld decrements the live-byte counter of the segment that
// used to hold an overwritten/deleted entry.
func (s *Shard) releaseOld(old location) {
	seg := s.segments[old.segID]
	h := seg.header(old.offset)
	n := uint32(h.sizeOf())
	if seg.liveBytes >= n {
		seg.liveBytes -= n
	} else {
		seg.liveBytes = 0
	}
}

// Lookup returns the value, flags and expiry stored for key. It
// performs the header integrity check (stored key matches) and lazy
// expiry: an entry whose expiry has passed is treated as a miss and
// removed from the index.
func (s *Shard) Lookup(key []byte, now uint32) (value []byte, flags, expiry uint32, ok bool) {
	defer s.checkInvariants()
	s.stats.Gets++
	loc, found := s.idx.get(key)
	if !found {
		s.stats.Misses++
		return nil, 0, 0, false
	}
	seg := s.segments[loc.segID]
	h := seg.header(loc.offset)
	k, v := seg.entryBytes(loc.offset, h)
	if string(k) != string(key) {
		// Integrity check failed: the index points somewhere that no
		// longer (or never did) hold this key. Treat as a miss.
		s.stats.Misses++
		return nil, 0, 0, false
	}
	if h.expiry != neverExpire && h.expiry <= now {
		s.releaseOld(loc)
		s.idx.delete(key)
		s.stats.Expired++
		s.stats.Misses++
		s.stats.Keys = uint64(s.idx.len())
		return nil, 0, 0, false
	}
	s.stats.Hits++
	return v, h.flags, h.expiry, true
}

// Erase removes key from the index, if present.
func (s *Shard) Erase(key []byte) bool {
	defer s.checkInvariants()
	loc, ok := s.idx.get(key)
	if !ok {
		return false
	}
	s.releaseOld(loc)
	s.idx.delete(key)
	s.stats.Deletes++
	s.stats.Keys = uint64(s.idx.len())
	return true
}

// Has reports whether key currently has a live (non-expired) mapping,
// without touching hit/miss stats — used by add/replace semantics.
func (s *Shard) Has(key []byte, now uint32) bool {
	loc, ok := s.idx.get(key)
	if !ok {
		return false
	}
	seg := s.segments[loc.segID]
	h := seg.header(loc.offset)
	return h.expiry == neverExpire || h.expiry > now
}

// CASToken returns the shard-local monotonically increasing token for
// key, 0 if the key has never been set in this shard. Tokens are per
// shard, not globally unique: cas does not attempt strict uniqueness
// guarantees across workers.
func (s *Shard) CASToken(key []byte) uint64 {
	return s.casToken[string(key)]
}

// now returns the current time as the allocator would without an
// injected clock; tests override Shard.Clock to make segment age
// deterministic. Expiry checks use the now passed to Lookup and Has.
func (s *Shard) now() int64 {
	if s.Clock != nil {
		return s.Clock()
	}
	return wallClockSeconds()
}

func (s *Shard) recomputeByteStats() {
	var used, live uint64
	for _, seg := range s.segments {
		used += uint64(seg.cursor)
		live += uint64(seg.liveBytes)
	}
	s.stats.BytesUsed = used
	s.stats.BytesLive = live
}

// Stats returns a snapshot of the shard's counters.
func (s *Shard) Stats() Stats {
	s.recomputeByteStats()
	return s.stats
}

// FlushAll drops every entry in the shard immediately. Scheduling the
// optional delay is the worker's responsibility (a timer entry on its
// loop, not a blocking call here).
func (s *Shard) FlushAll() {
	s.idx = newIndex(1024)
	for _, seg := range s.segments {
		seg.reset()
	}
	s.free = s.free[:0]
	for _, seg := range s.segments {
		s.free = append(s.free, seg.id)
	}
	s.openID = -1
	s.stats.Keys = 0
}
