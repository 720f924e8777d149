//go:build debug

// Gomega should not be a dependency in non-debug builds.

package logmem

import (
	"log"

	"github.com/facebookgo/stackerr"
	. "github.com/onsi/gomega"
)

var _ = func() (_ struct{}) {
	RegisterFailHandler(GomegaFailHandler)
	return
}()

func GomegaFailHandler(message string, callerSkip ...int) {
	skip := callerSkip[0] + 1
	log.Fatal("FATAL: logmem invariants are broken: ", stackerr.WrapSkip(stackerrError(message), skip))
}

func stackerrError(msg string) error { return &simpleError{msg} }

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }

// checkInvariants recomputes and asserts the shard's structural
// invariants: every index entry's header matches its key, and
// sum(live) <= sum(used) <= nsegments*segment size.
func (s *Shard) checkInvariants() {
	var used, live uint64
	for _, seg := range s.segments {
		Expect(int(seg.cursor)).To(BeNumerically("<=", len(seg.data)))
		used += uint64(seg.cursor)
		live += uint64(seg.liveBytes)
	}
	Expect(used).To(BeNumerically("<=", uint64(len(s.segments))*uint64(s.cfg.SegmentLen)))
	Expect(live).To(BeNumerically("<=", used))

	for key, loc := range s.idx.m {
		seg := s.segments[loc.segID]
		h := seg.header(loc.offset)
		k, _ := seg.entryBytes(loc.offset, h)
		Expect(string(k)).To(Equal(key), "index entry key mismatch")
		Expect(int(loc.offset) + h.sizeOf()).To(BeNumerically("<=", len(seg.data)))
	}
}
