package sphinxd

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("UDP framing", func() {
	It("round-trips the 8-byte header", func() {
		var b [udpHeaderSize]byte
		putUDPHeader(b[:], udpHeader{requestID: 0x0102, seq: 3, total: 7})
		h, ok := parseUDPHeader(b[:])
		Expect(ok).To(BeTrue())
		Expect(h.requestID).To(BeEquivalentTo(0x0102))
		Expect(h.seq).To(BeEquivalentTo(3))
		Expect(h.total).To(BeEquivalentTo(7))
		// Reserved word stays zero on the wire.
		Expect(b[6]).To(BeZero())
		Expect(b[7]).To(BeZero())
	})

	It("is big endian on the wire", func() {
		var b [udpHeaderSize]byte
		putUDPHeader(b[:], udpHeader{requestID: 1, seq: 0, total: 1})
		Expect(b[:6]).To(Equal([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01}))
	})

	It("rejects a runt datagram", func() {
		_, ok := parseUDPHeader([]byte{0, 1, 2})
		Expect(ok).To(BeFalse())
	})

	It("drops an all-noreply session without sending", func() {
		w, _ := newTestWorker()
		s := &udpSession{id: 1, w: w, requestID: 9}
		w.sessions[1] = s
		slot := s.pushSlot()
		s.sealed = true
		slot.fillNone()
		Expect(w.sessions).To(BeEmpty())
	})

	It("waits for every slot before replying", func() {
		w, _ := newTestWorker()
		s := &udpSession{id: 1, w: w, requestID: 9}
		w.sessions[1] = s
		first := s.pushSlot()
		second := s.pushSlot()
		s.sealed = true
		second.fillNone()
		// First slot still pending: the session must stay alive.
		Expect(w.sessions).To(HaveKey(uint64(1)))
		first.fillNone()
		Expect(w.sessions).To(BeEmpty())
	})
})
