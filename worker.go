package sphinxd

import (
	"math"
	"time"

	"github.com/zyh329/sphinxd/internal/hash"
	"github.com/zyh329/sphinxd/internal/logmem"
	"github.com/zyh329/sphinxd/internal/reactor"
	"github.com/zyh329/sphinxd/internal/tag"
	"github.com/zyh329/sphinxd/log"
	"github.com/zyh329/sphinxd/recycle"
	"golang.org/x/sys/unix"
)

// maxSendRetries bounds how many times a cross-worker send is retried
// (one event-loop yield apart) before the client gets SERVER_ERROR
// busy.
const maxSendRetries = 16

// worker owns one shard of the keyspace: a reactor, a logmem shard,
// the connections it accepted, and the bookkeeping for requests it
// has in flight on other workers. Everything here runs on the
// worker's own goroutine; only the mesh crosses threads.
type worker struct {
	id   int
	n    int
	srv  *Server
	log  log.Logger
	r    *reactor.Reactor[*message]
	pool *recycle.Pool

	shard *logmem.Shard

	conns      map[uint64]*conn
	sessions   map[uint64]*udpSession
	udpSock    *reactor.UDPSocket
	nextConnID uint64

	nextReqID    uint64
	pendingReqs  map[uint64]*replySlot
	pendingStats map[uint64]*statsAgg

	scratch []byte

	connsTotal uint64
}

func newWorker(s *Server, id int) (*worker, error) {
	w := &worker{
		id:           id,
		n:            s.Threads,
		srv:          s,
		log:          s.Log.WithFields(log.Fields{"worker": id}),
		pool:         s.Pool,
		conns:        make(map[uint64]*conn),
		sessions:     make(map[uint64]*udpSession),
		pendingReqs:  make(map[uint64]*replySlot),
		pendingStats: make(map[uint64]*statsAgg),
	}
	r, err := reactor.New[*message](id, w.log, s.mesh, w.onMessage)
	if err != nil {
		return nil, err
	}
	w.r = r
	w.shard = logmem.New(w.log, logmem.Config{
		Segments:   s.segmentsPerShard(),
		SegmentLen: uint32(s.SegmentSize),
	})
	return w, nil
}

// run pins the worker's OS thread (locked by Server.Serve) best effort
// to one CPU and spins its reactor until shutdown.
func (w *worker) run() error {
	pinThread(w.id)
	return w.r.Run()
}

// pinThread asks the scheduler to keep the calling OS thread on one
// CPU; locking the goroutine to that thread is left to the caller.
// Affinity failure is not fatal; the service degrades to unpinned
// threads.
func pinThread(id int) {
	var set unix.CPUSet
	set.Set(id % cpuCount())
	unix.SchedSetaffinity(0, &set)
}

func (w *worker) onAccept(fd int) {
	id := w.nextConnID
	w.nextConnID++
	c := &conn{
		id:  id,
		w:   w,
		log: w.log.WithFields(log.Fields{"conn": id}),
		p:   parser{maxItemSize: w.srv.maxItemSize()},
	}
	c.rc = w.r.RegisterTCPConnection(fd, func(_ *reactor.Conn, data []byte) {
		if len(data) == 0 {
			w.closeConn(c) // Peer close or reset: clean end of stream.
			return
		}
		c.feed(data)
	})
	w.conns[id] = c
	w.connsTotal++
	c.log.Debug("Serve connection.")
}

func (w *worker) closeConn(c *conn) {
	if c.closed {
		return
	}
	c.closed = true
	c.releaseReplies()
	c.rc.Close()
	delete(w.conns, c.id)
	c.log.Debug("Connection closed.")
}

// dispatch routes one parsed command: executed locally when this
// worker owns the key, shipped over the mesh otherwise. Multi-key
// gets fan out per key and are reassembled in order by the sink's
// slot queue.
func (w *worker) dispatch(sink replySink, cmd command) {
	if tag.Debug { // Formatting the command is not free; keep it off the release hot path.
		w.log.Debugf("Command: %s", cmd.appendWire(nil))
	}
	switch cmd.op {
	case opUnknown:
		sink.pushSlot().fillStatic(errorLineBytes)
	case opQuit:
		w.handleQuit(sink)
	case opVersion:
		sink.pushSlot().fillStatic(versionLine)
	case opFlushAll:
		w.handleFlushAll(sink, cmd)
	case opStats:
		w.handleStats(sink)
	case opGet, opGets:
		for _, key := range cmd.keys {
			w.route(sink, command{op: cmd.op, key: key})
		}
		sink.pushSlot().fillStatic(endBytes)
	default:
		w.route(sink, cmd)
	}
}

func (w *worker) handleQuit(sink replySink) {
	c, ok := sink.(*conn)
	if !ok {
		return // quit is meaningless over UDP; drop it.
	}
	c.closeAfterFlush = true
	c.pushSlot().fillNone()
}

// route sends one single-key command to its owner.
func (w *worker) route(sink replySink, cmd command) {
	slot := sink.pushSlot()
	owner := hash.Owner(cmd.key, w.n)
	if owner == w.id {
		out := w.execute(&cmd)
		if cmd.noreply {
			slot.fillNone()
			return
		}
		slot.fillCopy(out)
		return
	}

	reqID := w.nextReqID
	w.nextReqID++
	msg := newRequest(w.pool, w.id, reqID, cmd)
	if cmd.noreply {
		// The owner executes but never responds; complete the slot now
		// so it doesn't dam the reply queue.
		slot.fillNone()
		slot = nil
	}
	if slot != nil {
		w.pendingReqs[reqID] = slot
	}
	w.trySend(owner, msg, 0)
}

// trySend enqueues msg for worker "to", retrying with an event-loop
// yield between attempts. When the peer's inbox stays full past the
// retry bound the message is failed: requests answer SERVER_ERROR
// busy, responses are dropped with a log line.
func (w *worker) trySend(to int, msg *message, attempt int) {
	if w.r.SendMsg(to, msg) {
		return
	}
	if attempt < maxSendRetries {
		w.r.Defer(func() { w.trySend(to, msg, attempt+1) })
		return
	}
	w.log.Warnf("Worker %d inbox full after %d retries, dropping %v message.", to, attempt, msg.kind)
	switch msg.kind {
	case msgRequest:
		if slot, ok := w.pendingReqs[msg.reqID]; ok {
			delete(w.pendingReqs, msg.reqID)
			slot.fillStatic([]byte(busyLine))
		}
	case msgStatsRequest:
		if agg, ok := w.pendingStats[msg.reqID]; ok {
			agg.completeOne(w)
		}
	}
	msg.free()
}

// onMessage handles one mesh message addressed to this worker. It
// runs on the worker goroutine, between I/O dispatches.
func (w *worker) onMessage(msg *message) {
	switch msg.kind {
	case msgRequest:
		out := w.execute(&msg.cmd)
		origin, reqID, noreply := msg.from, msg.reqID, msg.cmd.noreply
		msg.free()
		if noreply {
			return
		}
		resp := &message{kind: msgResponse, from: w.id, reqID: reqID, reply: w.pool.Copy(out)}
		w.trySend(origin, resp, 0)
	case msgResponse:
		slot, ok := w.pendingReqs[msg.reqID]
		if !ok {
			msg.free() // Origin connection died; drop the reply.
			return
		}
		delete(w.pendingReqs, msg.reqID)
		reply := msg.reply
		msg.reply = nil
		msg.free()
		if len(reply.Bytes()) == 0 {
			reply.Free()
			slot.fillNone()
			return
		}
		slot.fillOwned(reply)
	case msgStatsRequest:
		origin, reqID := msg.from, msg.reqID
		msg.free()
		resp := &message{kind: msgStatsResponse, from: w.id, reqID: reqID, stats: w.localStats()}
		w.trySend(origin, resp, 0)
	case msgStatsResponse:
		agg, ok := w.pendingStats[msg.reqID]
		if ok {
			agg.acc = agg.acc.merge(msg.stats)
			agg.completeOne(w)
		}
		msg.free()
	case msgFlush:
		delay := msg.delay
		msg.free()
		w.scheduleFlush(delay)
	}
}

func (w *worker) scheduleFlush(delay time.Duration) {
	if delay <= 0 {
		w.shard.FlushAll()
		return
	}
	w.r.DeferFor(delay, w.shard.FlushAll)
}

func (w *worker) handleFlushAll(sink replySink, cmd command) {
	delay := time.Duration(cmd.exptime) * time.Second
	for peer := 0; peer < w.n; peer++ {
		if peer == w.id {
			continue
		}
		w.trySend(peer, &message{kind: msgFlush, from: w.id, delay: delay}, 0)
	}
	w.scheduleFlush(delay)
	slot := sink.pushSlot()
	if cmd.noreply {
		slot.fillNone()
		return
	}
	slot.fillStatic(okLine)
}

// execute runs one single-key command (or a stats-free local verb)
// against the local shard and returns the formatted reply. The
// returned slice aliases the worker's scratch buffer and is only
// valid until the next execute call.
func (w *worker) execute(c *command) []byte {
	now := uint32(time.Now().Unix())
	out := w.scratch[:0]

	switch c.op {
	case opGet, opGets:
		value, flags, _, ok := w.shard.Lookup(c.key, now)
		if ok {
			out = appendValueResponse(out, c.key, flags, value, c.op == opGets, w.shard.CASToken(c.key))
		}
	case opSet:
		out = w.store(out, c, now)
	case opAdd:
		if w.shard.Has(c.key, now) {
			out = appendResponseLine(out, NotStoredResponse)
		} else {
			out = w.store(out, c, now)
		}
	case opReplace:
		if !w.shard.Has(c.key, now) {
			out = appendResponseLine(out, NotStoredResponse)
		} else {
			out = w.store(out, c, now)
		}
	case opCas:
		switch {
		case !w.shard.Has(c.key, now):
			out = appendResponseLine(out, NotFoundResponse)
		case w.shard.CASToken(c.key) != c.cas:
			out = appendResponseLine(out, ExistsResponse)
		default:
			out = w.store(out, c, now)
		}
	case opAppend, opPrepend:
		out = w.concat(out, c, now)
	case opDelete:
		if w.shard.Erase(c.key) {
			out = appendResponseLine(out, DeletedResponse)
		} else {
			out = appendResponseLine(out, NotFoundResponse)
		}
	case opIncr, opDecr:
		out = w.arith(out, c, now)
	default:
		out = append(out, errorLine...)
	}

	w.scratch = out
	return out
}

// store inserts the command's value and formats the outcome.
func (w *worker) store(out []byte, c *command, now uint32) []byte {
	err := w.shard.Insert(c.key, c.data, c.flags, normalizeExptime(c.exptime, now))
	switch err {
	case nil:
		return appendResponseLine(out, StoredResponse)
	case logmem.ErrTooLarge:
		return append(out, tooLargeLine...)
	default:
		w.log.Error("Store failed: ", err)
		return append(out, outOfMemLine...)
	}
}

// concat implements append/prepend: the stored flags and expiry stay
// untouched, only the payload grows.
func (w *worker) concat(out []byte, c *command, now uint32) []byte {
	old, flags, expiry, ok := w.shard.Lookup(c.key, now)
	if !ok {
		return appendResponseLine(out, NotStoredResponse)
	}
	combined := make([]byte, 0, len(old)+len(c.data))
	if c.op == opAppend {
		combined = append(append(combined, old...), c.data...)
	} else {
		combined = append(append(combined, c.data...), old...)
	}
	err := w.shard.Insert(c.key, combined, flags, expiry)
	switch err {
	case nil:
		return appendResponseLine(out, StoredResponse)
	case logmem.ErrTooLarge:
		return append(out, tooLargeLine...)
	default:
		w.log.Error("Concat store failed: ", err)
		return append(out, outOfMemLine...)
	}
}

// arith implements incr/decr with the saturating semantics: incr caps
// at 2^64-1, decr floors at 0.
func (w *worker) arith(out []byte, c *command, now uint32) []byte {
	value, flags, expiry, ok := w.shard.Lookup(c.key, now)
	if !ok {
		return appendResponseLine(out, NotFoundResponse)
	}
	n, numeric := parseUint(value)
	if !numeric {
		return append(out, nonNumericLine...)
	}
	if c.op == opIncr {
		if c.delta > math.MaxUint64-n {
			n = math.MaxUint64
		} else {
			n += c.delta
		}
	} else {
		if c.delta > n {
			n = 0
		} else {
			n -= c.delta
		}
	}
	var digits [20]byte
	newValue := appendUint(digits[:0], n)
	if err := w.shard.Insert(c.key, newValue, flags, expiry); err != nil {
		w.log.Error("Arith store failed: ", err)
		return append(out, outOfMemLine...)
	}
	out = append(out, newValue...)
	return append(out, Separator...)
}

// normalizeExptime turns the wire exptime into the absolute seconds
// logmem stores: 0 stays "never", small values are relative to now,
// larger ones are already absolute, and negative means immediately
// expired.
func normalizeExptime(raw int64, now uint32) uint32 {
	switch {
	case raw == 0:
		return 0
	case raw < 0:
		return 1 // Any past timestamp; the entry is born expired.
	case raw <= MaxRelativeExptime:
		return now + uint32(raw)
	default:
		return uint32(raw)
	}
}

var (
	versionLine    = []byte(VersionResponse + " sphinxd " + Version + Separator)
	okLine         = []byte(OkResponse + Separator)
	errorLineBytes = []byte(errorLine)
)
