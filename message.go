package sphinxd

import (
	"time"

	"github.com/zyh329/sphinxd/recycle"
)

// msgKind discriminates the messages workers exchange over the mesh.
type msgKind int

const (
	// msgRequest carries a command from the worker that accepted it to
	// the worker that owns its key.
	msgRequest msgKind = iota
	// msgResponse carries the formatted reply bytes back to the
	// origin worker.
	msgResponse
	// msgStatsRequest asks a peer for its shard's counters;
	// msgStatsResponse returns them.
	msgStatsRequest
	msgStatsResponse
	// msgFlush tells a peer to flush its shard, optionally after a
	// delay. It has no response.
	msgFlush
)

// message is the unit of cross-worker transfer. Ownership passes with
// the send: after a successful SendMsg the sender must not touch the
// message again, and the receiver must free it exactly once.
type message struct {
	kind  msgKind
	from  int    // sender worker id
	reqID uint64 // request/response correlation, scoped to the origin worker

	cmd     command      // msgRequest
	payload *recycle.Buf // backs cmd.key and cmd.data

	reply *recycle.Buf // msgResponse

	stats StatsSnapshot // msgStatsResponse

	delay time.Duration // msgFlush
}

// newRequest builds a request message, copying the command's key and
// data out of the origin connection's buffer into pooled storage that
// survives the hop.
func newRequest(pool *recycle.Pool, from int, reqID uint64, cmd command) *message {
	m := &message{kind: msgRequest, from: from, reqID: reqID, cmd: cmd}
	m.payload = pool.Alloc(len(cmd.key) + len(cmd.data))
	b := m.payload.Bytes()
	copy(b, cmd.key)
	copy(b[len(cmd.key):], cmd.data)
	m.cmd.key = b[:len(cmd.key)]
	m.cmd.data = b[len(cmd.key):]
	m.cmd.keys = nil
	return m
}

// free releases any pooled buffers still owned by the message. A
// receiver that has taken ownership of a buffer (e.g. moved reply
// into a reply slot) nils the field first.
func (m *message) free() {
	if m.payload != nil {
		m.payload.Free()
		m.payload = nil
	}
	if m.reply != nil {
		m.reply.Free()
		m.reply = nil
	}
}
