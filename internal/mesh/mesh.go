// Package mesh implements the N×N matrix of SPSC queues that connects
// every pair of sphinxd workers, plus the sleep/wake handshake that
// lets a worker block in its reactor's multiplexer without losing a
// message that arrives while it is parked.
//
// A Mesh is process-global state: every worker must be able to name
// every other worker, so it is constructed once before any worker
// starts and never placed in thread-local storage.
package mesh

import (
	"sync/atomic"

	"github.com/zyh329/sphinxd/internal/ring"
)

// Waker is the one-shot wakeup handle a worker registers with the
// mesh. Implementations must be safe to call from any other worker's
// goroutine; a reactor typically backs this with an eventfd/pipe it
// has registered with its multiplexer.
type Waker interface {
	Wake()
}

// Mesh is the directed queue matrix: Send(from, to, ...) enqueues into
// the Ring at queues[to][from]. Constructing a Mesh allocates every
// (N*N - N) ring once; there is no further allocation on the hot path.
type Mesh[T any] struct {
	n        int
	queueCap int
	queues   [][]*ring.Ring[T] // queues[to][from]
	sleeping []atomic.Bool
	wakers   []Waker
}

// New builds a Mesh for n workers, each directed queue with the given
// capacity (rounded up to a power of two by the underlying ring).
func New[T any](n, queueCap int) *Mesh[T] {
	if n <= 0 {
		panic("mesh: non-positive worker count")
	}
	m := &Mesh[T]{
		n:        n,
		queueCap: queueCap,
		queues:   make([][]*ring.Ring[T], n),
		sleeping: make([]atomic.Bool, n),
		wakers:   make([]Waker, n),
	}
	for to := 0; to < n; to++ {
		m.queues[to] = make([]*ring.Ring[T], n)
		for from := 0; from < n; from++ {
			if from == to {
				continue
			}
			m.queues[to][from] = ring.New[T](queueCap)
		}
	}
	return m
}

// N returns the worker count the mesh was built for.
func (m *Mesh[T]) N() int { return m.n }

// RegisterWaker installs the wakeup handle for worker id. Must be
// called during mesh setup, before any worker starts its run loop;
// the mesh does not synchronize writes to the waker table.
func (m *Mesh[T]) RegisterWaker(id int, w Waker) {
	m.wakers[id] = w
}

// Send enqueues msg into the inbox that "to" reads and "from" writes.
// from == to is a programmer error: the mesh never routes a worker's
// own messages back to it, so callers abort rather than silently
// misroute.
func (m *Mesh[T]) Send(from, to int, msg T) bool {
	if from == to {
		panic("mesh: send_msg to self")
	}
	if !m.queues[to][from].TryEmplace(msg) {
		return false
	}
	// Sequentially consistent load, paired with the seq_cst store in
	// BeginSleep: whichever of {enqueue, park} happens first, the
	// other side observes it and no wakeup is lost.
	if m.sleeping[to].Load() {
		if m.sleeping[to].CompareAndSwap(true, false) {
			if w := m.wakers[to]; w != nil {
				w.Wake()
			}
		}
	}
	return true
}

// PollMessages drains every inbox addressed to self, invoking handle
// with each message in the FIFO order it arrived per sender (there is
// no ordering guarantee between distinct senders). It returns whether
// any message was processed.
func (m *Mesh[T]) PollMessages(self int, handle func(T)) bool {
	didWork := false
	for from := 0; from < m.n; from++ {
		if from == self {
			continue
		}
		q := m.queues[self][from]
		for {
			v, ok := q.Front()
			if !ok {
				break
			}
			q.Pop()
			handle(v)
			didWork = true
		}
	}
	return didWork
}

// hasMessages is a single O(N) scan that returns as soon as it finds
// one non-empty inbox.
func (m *Mesh[T]) hasMessages(self int) bool {
	for from := 0; from < m.n; from++ {
		if from == self {
			continue
		}
		if _, ok := m.queues[self][from].Front(); ok {
			return true
		}
	}
	return false
}

// BeginSleep runs the sleeper side of the park/wake handshake: it
// publishes is_sleeping[self]=true, then rescans every inbox. If a
// message snuck in before the flag was visible, it clears the flag
// and returns false so the caller skips parking and goes around the
// loop again instead. Returns true when it is safe for the caller to
// block in its multiplexer.
func (m *Mesh[T]) BeginSleep(self int) bool {
	m.sleeping[self].Store(true)
	if m.hasMessages(self) {
		m.sleeping[self].Store(false)
		return false
	}
	return true
}

// CancelSleep clears the sleeping flag without checking for messages;
// used when the reactor wakes for a reason unrelated to the mesh (a
// socket became ready) so a late Send doesn't find a stale true flag
// and double-wake an already-running worker.
func (m *Mesh[T]) CancelSleep(self int) {
	m.sleeping[self].Store(false)
}

// Depth reports the approximate number of messages from "from" still
// queued for "to" — for stats/backpressure decisions only.
func (m *Mesh[T]) Depth(to, from int) int {
	if to == from {
		return 0
	}
	return m.queues[to][from].Len()
}
