package reactor

import (
	"golang.org/x/sys/unix"
)

// RegisterTCPListener binds and listens a non-blocking TCP socket
// with SO_REUSEADDR|SO_REUSEPORT so that every worker can listen on
// the same port and the kernel load-balances accepts across them.
// onAccept is invoked once per inbound connection
// with the new, already non-blocking, file descriptor. The bound
// port is returned so a caller asking for port 0 can hand the
// kernel-chosen port to the remaining workers.
func (r *Reactor[T]) RegisterTCPListener(iface string, port int, backlog int, onAccept func(fd int)) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	addr, err := resolveIPv4(iface, port)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	boundPort, err := localPort(fd)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}

	h := &handle{fd: int32(fd), kind: kindListener, onAccept: onAccept}
	r.handles[int32(fd)] = h
	return boundPort, r.addReadable(fd)
}

func (r *Reactor[T]) handleAccept(h *handle) {
	defer r.recoverHandler("accept")
	for {
		connFd, _, err := unix.Accept(int(h.fd))
		if err != nil {
			return // EAGAIN or transient accept error: nothing more pending right now.
		}
		unix.SetNonblock(connFd, true)
		h.onAccept(connFd)
	}
}

// Conn is a handle onto one TCP connection: an fd plus the unsent
// tail of a previous partial send, which is buffered and flushed on
// write readiness rather than treated as fatal.
type Conn struct {
	r       anyReactor
	fd      int32
	pending []byte // unsent tail, re-armed for write readiness
	closed  bool
}

// anyReactor is the subset of Reactor[T] a Conn needs, independent of
// the mesh message type T.
type anyReactor interface {
	rawSend(fd int32, b []byte) (wouldBlockTail []byte, err error)
	armWrite(fd int32, arm bool) error
	closeFd(fd int32)
}

// RegisterTCPConnection marks fd readable and installs onRecv, called
// with each chunk of bytes as it arrives. An empty chunk signals a
// clean peer close or reset; callers must not treat that as an
// error.
func (r *Reactor[T]) RegisterTCPConnection(fd int, onRecv func(c *Conn, data []byte)) *Conn {
	c := &Conn{r: r, fd: int32(fd)}
	h := &handle{fd: int32(fd), kind: kindConn, onRecv: onRecv, conn: c}
	r.handles[int32(fd)] = h
	r.addReadable(fd)
	return c
}

func (r *Reactor[T]) handleConnReady(h *handle, ev unix.EpollEvent) {
	defer r.recoverHandler("conn")
	if ev.Events&unix.EPOLLOUT != 0 {
		r.flushPending(h.conn)
	}
	if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.readConn(h)
	}
}

func (r *Reactor[T]) readConn(h *handle) {
	var buf [64 * 1024]byte
	for {
		n, err := unix.Read(int(h.fd), buf[:])
		if n > 0 {
			h.onRecv(h.conn, buf[:n])
		}
		if n == 0 {
			h.onRecv(h.conn, nil) // clean EOF
			return
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			h.onRecv(h.conn, nil) // ECONNRESET and friends: surfaced as clean EOF
			return
		}
		if n < len(buf) {
			return
		}
	}
}

func (r *Reactor[T]) flushPending(c *Conn) {
	if c == nil || len(c.pending) == 0 {
		return
	}
	tail, err := r.rawSend(c.fd, c.pending)
	if err != nil {
		c.Close()
		return
	}
	c.pending = tail
	if len(c.pending) == 0 {
		r.armWrite(c.fd, false)
	}
}

// Send is best effort and never blocks: ECONNRESET/EPIPE drop the
// connection silently; a partial send buffers the unsent tail and
// re-arms write readiness rather than failing the connection.
func (c *Conn) Send(b []byte) {
	if c.closed {
		return
	}
	if len(c.pending) > 0 {
		c.pending = append(c.pending, b...)
		return
	}
	tail, err := c.r.rawSend(c.fd, b)
	if err != nil {
		c.Close()
		return
	}
	if len(tail) > 0 {
		c.pending = append([]byte(nil), tail...)
		c.r.armWrite(c.fd, true)
	}
}

func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.r.closeFd(c.fd)
}

func (r *Reactor[T]) rawSend(fd int32, b []byte) ([]byte, error) {
	for len(b) > 0 {
		n, err := unix.Write(int(fd), b)
		if err != nil {
			if err == unix.EAGAIN {
				return b, nil
			}
			if err == unix.EPIPE || err == unix.ECONNRESET {
				return nil, err
			}
			return nil, err
		}
		b = b[n:]
	}
	return nil, nil
}

func (r *Reactor[T]) armWrite(fd int32, arm bool) error {
	events := uint32(unix.EPOLLIN)
	if arm {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &unix.EpollEvent{Events: events, Fd: fd})
}

func (r *Reactor[T]) closeFd(fd int32) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	unix.Close(int(fd))
	delete(r.handles, fd)
}

func (r *Reactor[T]) addReadable(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}
