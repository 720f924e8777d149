package logmem

import (
	"fmt"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zyh329/sphinxd/log"
)

func newTestShard(segments int, segLen uint32) *Shard {
	return New(log.NewLogger(log.ErrorLevel, os.Stderr), Config{Segments: segments, SegmentLen: segLen})
}

var _ = Describe("Shard", func() {
	var s *Shard

	BeforeEach(func() {
		s = newTestShard(4, 256)
	})

	It("round-trips set then get", func() {
		Expect(s.Insert([]byte("foo"), []byte("hello"), 0, neverExpire)).To(Succeed())
		v, flags, _, ok := s.Lookup([]byte("foo"), 0)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("hello")))
		Expect(flags).To(BeEquivalentTo(0))
	})

	It("misses a key that was never set", func() {
		_, _, _, ok := s.Lookup([]byte("nope"), 0)
		Expect(ok).To(BeFalse())
	})

	It("last write wins within a shard", func() {
		Expect(s.Insert([]byte("k"), []byte("v1"), 0, neverExpire)).To(Succeed())
		Expect(s.Insert([]byte("k"), []byte("v2"), 0, neverExpire)).To(Succeed())
		v, _, _, ok := s.Lookup([]byte("k"), 0)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("v2")))
	})

	It("misses after delete", func() {
		Expect(s.Insert([]byte("k"), []byte("v"), 0, neverExpire)).To(Succeed())
		Expect(s.Erase([]byte("k"))).To(BeTrue())
		_, _, _, ok := s.Lookup([]byte("k"), 0)
		Expect(ok).To(BeFalse())
	})

	It("delete of an absent key returns false", func() {
		Expect(s.Erase([]byte("nope"))).To(BeFalse())
	})

	It("rejects an entry too large for any segment", func() {
		big := make([]byte, 1000)
		err := s.Insert([]byte("k"), big, 0, neverExpire)
		Expect(err).To(Equal(ErrTooLarge))
	})

	It("applies lazy expiry at read time", func() {
		Expect(s.Insert([]byte("t"), []byte("x"), 0, 100)).To(Succeed())
		_, _, _, ok := s.Lookup([]byte("t"), 50)
		Expect(ok).To(BeTrue())
		_, _, _, ok = s.Lookup([]byte("t"), 101)
		Expect(ok).To(BeFalse())
	})

	It("bumps a monotonically increasing per-key cas token on every set", func() {
		Expect(s.CASToken([]byte("k"))).To(BeEquivalentTo(0))
		Expect(s.Insert([]byte("k"), []byte("v1"), 0, neverExpire)).To(Succeed())
		t1 := s.CASToken([]byte("k"))
		Expect(s.Insert([]byte("k"), []byte("v2"), 0, neverExpire)).To(Succeed())
		t2 := s.CASToken([]byte("k"))
		Expect(t2).To(BeNumerically(">", t1))
	})

	Context("eviction", func() {
		BeforeEach(func() {
			s = newTestShard(2, 96)
			s.Clock = func() int64 { return int64(clockTick) }
		})

		It("evicts the oldest closed segment once the pool is exhausted", func() {
			// Each fill writes more entries than both 96-byte segments
			// hold together, so the pool is exhausted and eviction
			// already runs inside the fills.
			firstKey := fmt.Sprintf("fill-%d-0", clockTick)
			fillSegment(s)
			clockTick++
			fillSegment(s)
			// Inserts keep succeeding because eviction reclaims closed
			// segments instead of failing with ErrNoSpace.
			clockTick++
			Expect(s.Insert([]byte("k3"), []byte("v"), 0, neverExpire)).To(Succeed())

			_, _, _, ok := s.Lookup([]byte("k3"), 0)
			Expect(ok).To(BeTrue())
			// The very first entry lived in the oldest segment and was
			// dropped with it.
			_, _, _, ok = s.Lookup([]byte(firstKey), 0)
			Expect(ok).To(BeFalse())
		})
	})

	It("FlushAll drops every key", func() {
		for i := 0; i < 3; i++ {
			Expect(s.Insert([]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0, neverExpire)).To(Succeed())
		}
		s.FlushAll()
		for i := 0; i < 3; i++ {
			_, _, _, ok := s.Lookup([]byte(fmt.Sprintf("k%d", i)), 0)
			Expect(ok).To(BeFalse())
		}
	})
})

var clockTick int64

// fillSegment writes eight small entries; with the eviction tests'
// 96-byte segments that is enough to force open segments closed for
// lack of room more than once.
func fillSegment(s *Shard) {
	for i := 0; i < 8; i++ {
		key := []byte(fmt.Sprintf("fill-%d-%d", clockTick, i))
		_ = s.Insert(key, []byte("0123456789"), 0, neverExpire)
	}
}
