package sphinxd

import (
	"github.com/zyh329/sphinxd/internal/reactor"
	"github.com/zyh329/sphinxd/log"
	"github.com/zyh329/sphinxd/recycle"
)

// replySink receives reply slots in request order. Both transports
// implement it: a TCP conn streams filled slots as soon as the head
// of the queue is ready, a UDP session waits for every slot and sends
// one framed reply.
type replySink interface {
	pushSlot() *replySlot
	onSlotReady()
}

// replySlot is one reserved position in a sink's reply sequence.
// Responses may complete out of order when commands hop workers; the
// slot queue restores request order before bytes reach the client.
type replySlot struct {
	sink  replySink
	pool  *recycle.Pool
	ready bool
	data  []byte
	buf   *recycle.Buf // owned pooled backing of data, if any
}

// fillCopy completes the slot with a copy of data (which may point at
// a worker's scratch buffer and is not retained).
func (s *replySlot) fillCopy(data []byte) {
	s.ready = true
	if len(data) > 0 {
		s.buf = s.pool.Copy(data)
		s.data = s.buf.Bytes()
	}
	s.sink.onSlotReady()
}

// fillOwned completes the slot taking ownership of b; it is freed
// after the bytes are handed to the transport.
func (s *replySlot) fillOwned(b *recycle.Buf) {
	s.ready = true
	s.buf = b
	s.data = b.Bytes()
	s.sink.onSlotReady()
}

// fillStatic completes the slot with bytes that outlive it (response
// literals such as "END\r\n").
func (s *replySlot) fillStatic(data []byte) {
	s.ready = true
	s.data = data
	s.sink.onSlotReady()
}

// fillNone completes the slot with no bytes (noreply commands still
// occupy a slot so later replies keep their order).
func (s *replySlot) fillNone() {
	s.ready = true
	s.sink.onSlotReady()
}

func (s *replySlot) release() {
	if s.buf != nil {
		s.buf.Free()
		s.buf = nil
	}
	s.data = nil
}

// conn is one TCP connection: the reactor handle, the unparsed tail
// of the inbound byte stream, and the ordered queue of reply slots.
type conn struct {
	id  uint64
	w   *worker
	rc  *reactor.Conn
	log log.Logger

	recvBuf []byte
	p       parser

	replies         []*replySlot
	closeAfterFlush bool
	closed          bool
}

func (c *conn) pushSlot() *replySlot {
	s := &replySlot{sink: c, pool: c.w.pool}
	c.replies = append(c.replies, s)
	return s
}

// onSlotReady flushes the longest ready prefix of the reply queue, so
// responses always leave in request order no matter which worker
// produced them first.
func (c *conn) onSlotReady() {
	if c.closed {
		c.releaseReplies()
		return
	}
	for len(c.replies) > 0 && c.replies[0].ready {
		s := c.replies[0]
		c.replies = c.replies[1:]
		if len(s.data) > 0 {
			c.rc.Send(s.data)
		}
		s.release()
	}
	if len(c.replies) == 0 && c.closeAfterFlush {
		c.w.closeConn(c)
	}
}

func (c *conn) releaseReplies() {
	for _, s := range c.replies {
		if s.ready {
			s.release()
		}
	}
	// Slots still in flight keep their place so a late remote reply
	// can release its buffer through fill + onSlotReady.
}

// feed ingests one chunk from the reactor, consuming every complete
// command in the buffer and keeping the unparsed tail. It enforces
// the per-connection receive buffer cap.
func (c *conn) feed(data []byte) {
	if len(c.recvBuf)+len(data) > c.w.srv.ConnBufferSize {
		c.log.Error("Receive buffer overflow, dropping connection.")
		c.rc.Send(clientErrorLine(ErrTooLargeCommand))
		c.w.closeConn(c)
		return
	}
	c.recvBuf = append(c.recvBuf, data...)

	buf := c.recvBuf
	for len(buf) > 0 && !c.closed && !c.closeAfterFlush {
		cmd, n, ok, clientErr, fatal := c.p.parseNext(buf)
		if clientErr != nil {
			c.log.Error("Client error: ", clientErr)
			c.pushSlot().fillCopy(clientErrorLine(clientErr))
			if fatal {
				c.closeAfterFlush = true
				c.onSlotReady()
				break
			}
		}
		if n == 0 {
			break // Need more input.
		}
		buf = buf[n:]
		if ok {
			c.w.dispatch(c, cmd)
		}
	}
	if c.closed {
		return
	}
	// Compact: move the unparsed tail to the front so slice offsets
	// stay small and released capacity is reused.
	c.recvBuf = append(c.recvBuf[:0], buf...)
}
