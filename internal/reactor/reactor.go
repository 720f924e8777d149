// Package reactor implements the per-worker event loop that
// multiplexes network I/O and cross-core messaging on a single
// thread without ever blocking inside a handler. The concrete
// multiplexer is Linux epoll via golang.org/x/sys/unix, the only
// backend this repo implements; any level-triggered multiplexer with
// non-blocking sockets and a user-space wakeup could back the same
// interface, and the CLI's --backend flag exists only to name this
// choice explicitly.
package reactor

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zyh329/sphinxd/internal/mesh"
	"github.com/zyh329/sphinxd/log"
)

// pollTimeout is the bounded wait used when step (1) of the run loop
// handled no message, so the loop still gets a chance to run
// deferred/expiry work promptly; after message work it polls at
// timeout 0 instead.
const pollTimeout = 1 * time.Millisecond

// OnMessage handles one cross-worker message addressed to this
// worker. It must not block.
type OnMessage[T any] func(T)

// Reactor is one worker's event loop: a socket multiplexer, the local
// end of the message mesh, and a wakeup mechanism.
// A Reactor is single-threaded; Run must be called from exactly one
// goroutine and every registered callback runs on that goroutine.
type Reactor[T any] struct {
	id   int
	log  log.Logger
	mesh *mesh.Mesh[T]
	on   OnMessage[T]

	epfd   int
	wakeFD int // eventfd registered with epoll; written to by Wake()

	handles map[int32]*handle

	deferred []func()
	timers   []timer

	shuttingDown atomic.Bool
}

type handle struct {
	fd   int32
	kind kind

	onAccept  func(fd int)
	onRecv    func(c *Conn, data []byte)
	onUDPRecv func(s *UDPSocket, data []byte, src unix.Sockaddr)

	conn *Conn
	udp  *UDPSocket
}

type kind int

const (
	kindListener kind = iota
	kindConn
	kindUDP
)

// New creates a Reactor for worker id, wired into mesh for cross-core
// messaging. on is invoked once per message addressed to this worker
// during PollMessages.
func New[T any](id int, l log.Logger, m *mesh.Mesh[T], on OnMessage[T]) (*Reactor[T], error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor[T]{
		id:      id,
		log:     l,
		mesh:    m,
		on:      on,
		epfd:    epfd,
		wakeFD:  wakeFD,
		handles: make(map[int32]*handle),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}
	m.RegisterWaker(id, r)
	return r, nil
}

// Wake implements mesh.Waker: it is called from another worker's
// goroutine, so it only ever touches the eventfd syscall — nothing
// else about a Reactor is safe to call cross-thread.
func (r *Reactor[T]) Wake() {
	var b [8]byte
	putUint64(b[:], 1)
	unix.Write(r.wakeFD, b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Shutdown sets the cooperative flag the run loop observes at the top
// of every iteration. It does not forcibly interrupt an in-flight
// handler.
func (r *Reactor[T]) Shutdown() {
	r.shuttingDown.Store(true)
	r.Wake()
}

// Defer schedules f to run once during the "deferred work" step of
// the next run loop iteration, and is how a handler yields work it
// must not block on.
func (r *Reactor[T]) Defer(f func()) {
	r.deferred = append(r.deferred, f)
}

// Run is the single-threaded cooperative loop: poll messages, poll
// the multiplexer, dispatch ready fds, run deferred work, and park
// when all of it was idle. It returns only after Shutdown is called
// and the loop has drained one more iteration, or on a fatal
// multiplexer error.
func (r *Reactor[T]) Run() error {
	for !r.shuttingDown.Load() {
		didMessageWork := r.mesh.PollMessages(r.id, r.on)

		timeout := pollTimeout
		if didMessageWork {
			timeout = 0
		}

		events, err := r.wait(timeout)
		if err != nil {
			return err
		}

		didIOWork := len(events) > 0
		for _, ev := range events {
			r.dispatch(ev)
		}

		didDeferredWork := len(r.deferred) > 0
		r.runDeferred()
		if r.runTimers(time.Now()) {
			didDeferredWork = true
		}

		if didMessageWork || didIOWork || didDeferredWork {
			continue
		}

		// Nothing to do: park until a socket becomes ready or a peer
		// worker wakes us. BeginSleep is the sleeper side of the
		// seq_cst park/wake handshake; if a message snuck in between
		// our last poll and here, it returns false and we loop around
		// instead of blocking indefinitely.
		if !r.mesh.BeginSleep(r.id) {
			continue
		}
		events, err = r.wait(r.nextTimerTimeout(time.Now()))
		r.mesh.CancelSleep(r.id)
		if err != nil {
			return err
		}
		for _, ev := range events {
			r.dispatch(ev)
		}
	}
	r.closeAll()
	return nil
}

// wait polls epoll for at most timeout (timeout < 0 means block
// indefinitely) and returns the ready events. A wakeup shows up as an
// event on the eventfd; dispatch drains and discards it.
func (r *Reactor[T]) wait(timeout time.Duration) ([]unix.EpollEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	buf := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(r.epfd, buf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

func (r *Reactor[T]) dispatch(ev unix.EpollEvent) {
	if int(ev.Fd) == r.wakeFD {
		var b [8]byte
		unix.Read(r.wakeFD, b[:])
		return
	}
	h, ok := r.handles[ev.Fd]
	if !ok {
		return
	}
	switch h.kind {
	case kindListener:
		r.handleAccept(h)
	case kindConn:
		r.handleConnReady(h, ev)
	case kindUDP:
		r.handleUDPReady(h)
	}
}

func (r *Reactor[T]) runDeferred() {
	work := r.deferred
	r.deferred = nil
	for _, f := range work {
		func() {
			defer r.recoverHandler("deferred")
			f()
		}()
	}
}

// recoverHandler is the handler boundary: no panic may escape the
// run loop and take the whole worker down with it.
func (r *Reactor[T]) recoverHandler(what string) {
	if rec := recover(); rec != nil {
		r.log.Errorf("reactor: panic in %s handler: %v", what, rec)
	}
}

func (r *Reactor[T]) closeAll() {
	for _, h := range r.handles {
		if h.conn != nil {
			h.conn.Close()
		} else {
			unix.Close(int(h.fd))
		}
	}
	unix.Close(r.wakeFD)
	unix.Close(r.epfd)
}

// SendMsg is the reactor-level wrapper around mesh.Send, exposed so
// worker code need not import the mesh package directly.
func (r *Reactor[T]) SendMsg(to int, msg T) bool {
	return r.mesh.Send(r.id, to, msg)
}
