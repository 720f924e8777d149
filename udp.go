package sphinxd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/zyh329/sphinxd/internal/reactor"
)

// The standard memcached UDP frame: every datagram starts with
// (request_id, seq, total, reserved), big endian, and replies echo
// the request_id with ascending seq over however many datagrams the
// response needs.
const (
	udpHeaderSize = 8
	// maxUDPPayload keeps each reply datagram under a conservative
	// ethernet MTU.
	maxUDPPayload = 1400 - udpHeaderSize
)

type udpHeader struct {
	requestID uint16
	seq       uint16
	total     uint16
}

func parseUDPHeader(b []byte) (h udpHeader, ok bool) {
	if len(b) < udpHeaderSize {
		return
	}
	h.requestID = binary.BigEndian.Uint16(b[0:2])
	h.seq = binary.BigEndian.Uint16(b[2:4])
	h.total = binary.BigEndian.Uint16(b[4:6])
	ok = true
	return
}

func putUDPHeader(b []byte, h udpHeader) {
	binary.BigEndian.PutUint16(b[0:2], h.requestID)
	binary.BigEndian.PutUint16(b[2:4], h.seq)
	binary.BigEndian.PutUint16(b[4:6], h.total)
	binary.BigEndian.PutUint16(b[6:8], 0)
}

// udpSession is the ephemeral state for one inbound datagram: where
// to answer, under which request id, and the reply slots of every
// command the datagram carried. Unlike a TCP conn it sends nothing
// until every slot is ready, then ships one framed, possibly
// fragmented reply and dies.
type udpSession struct {
	id        uint64
	w         *worker
	sock      *reactor.UDPSocket
	src       unix.Sockaddr
	requestID uint16

	slots  []*replySlot
	sealed bool
}

func (s *udpSession) pushSlot() *replySlot {
	slot := &replySlot{sink: s, pool: s.w.pool}
	s.slots = append(s.slots, slot)
	return slot
}

func (s *udpSession) onSlotReady() {
	s.maybeSend()
}

func (s *udpSession) maybeSend() {
	if !s.sealed {
		return
	}
	for _, slot := range s.slots {
		if !slot.ready {
			return
		}
	}
	defer func() {
		for _, slot := range s.slots {
			slot.release()
		}
		delete(s.w.sessions, s.id)
	}()

	total := 0
	for _, slot := range s.slots {
		total += len(slot.data)
	}
	if total == 0 {
		return // All noreply; no datagram owed.
	}
	body := make([]byte, 0, total)
	for _, slot := range s.slots {
		body = append(body, slot.data...)
	}
	s.sendFramed(body)
}

// sendFramed fragments body into datagrams of at most maxUDPPayload
// bytes, each prefixed with the session's request id and an ascending
// sequence number.
func (s *udpSession) sendFramed(body []byte) {
	nDatagrams := (len(body) + maxUDPPayload - 1) / maxUDPPayload
	if nDatagrams > int(^uint16(0)) {
		s.w.log.Warnf("UDP reply needs %d datagrams, dropping.", nDatagrams)
		return
	}
	var frame [udpHeaderSize + maxUDPPayload]byte
	for seq := 0; seq < nDatagrams; seq++ {
		chunk := body[seq*maxUDPPayload:]
		if len(chunk) > maxUDPPayload {
			chunk = chunk[:maxUDPPayload]
		}
		putUDPHeader(frame[:], udpHeader{
			requestID: s.requestID,
			seq:       uint16(seq),
			total:     uint16(nDatagrams),
		})
		n := copy(frame[udpHeaderSize:], chunk)
		s.sock.SendTo(frame[:udpHeaderSize+n], s.src)
	}
}

// onDatagram handles one inbound UDP request. Datagrams are not a
// stream: a command truncated at the end of the body is dropped, not
// buffered.
func (w *worker) onDatagram(sock *reactor.UDPSocket, data []byte, src unix.Sockaddr) {
	h, ok := parseUDPHeader(data)
	if !ok {
		return // Runt datagram.
	}
	if h.seq != 0 || h.total > 1 {
		// Multi-datagram requests are not supported, matching the
		// classic server.
		return
	}
	id := w.nextConnID
	w.nextConnID++
	s := &udpSession{
		id:        id,
		w:         w,
		sock:      sock,
		src:       src,
		requestID: h.requestID,
	}
	w.sessions[id] = s

	p := parser{maxItemSize: w.srv.maxItemSize()}
	buf := data[udpHeaderSize:]
	for len(buf) > 0 {
		cmd, n, ok, clientErr, fatal := p.parseNext(buf)
		if clientErr != nil {
			s.pushSlot().fillCopy(clientErrorLine(clientErr))
			if fatal {
				break
			}
		}
		if n == 0 {
			break
		}
		buf = buf[n:]
		if ok {
			w.dispatch(s, cmd)
		}
	}
	s.sealed = true
	s.maybeSend()
}
