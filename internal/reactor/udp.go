package reactor

import (
	"golang.org/x/sys/unix"
)

// maxDatagram is the receive buffer per recvfrom call; 64 KiB is the
// largest payload a UDP datagram can carry.
const maxDatagram = 64 * 1024

// UDPSocket is a handle onto one bound UDP socket. Unlike a TCP Conn
// it carries no stream state; replies are addressed per datagram.
type UDPSocket struct {
	fd int32
}

// RegisterUDP binds a non-blocking UDP socket with
// SO_REUSEADDR|SO_REUSEPORT, so every worker binds the same port and
// the kernel spreads datagrams across them, mirroring the TCP
// listener setup. onRecv is invoked once per datagram with the source
// address preserved for the reply.
func (r *Reactor[T]) RegisterUDP(iface string, port int, onRecv func(s *UDPSocket, data []byte, src unix.Sockaddr)) (*UDPSocket, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	addr, err := resolveIPv4(iface, port)
	if err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	boundPort, err := localPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, 0, err
	}

	s := &UDPSocket{fd: int32(fd)}
	h := &handle{fd: int32(fd), kind: kindUDP, onUDPRecv: onRecv, udp: s}
	r.handles[int32(fd)] = h
	if err := r.addReadable(fd); err != nil {
		unix.Close(fd)
		delete(r.handles, int32(fd))
		return nil, 0, err
	}
	return s, boundPort, nil
}

func (r *Reactor[T]) handleUDPReady(h *handle) {
	defer r.recoverHandler("udp")
	var buf [maxDatagram]byte
	for {
		n, src, err := unix.Recvfrom(int(h.fd), buf[:], 0)
		if err != nil {
			return // EAGAIN: drained.
		}
		h.onUDPRecv(h.udp, buf[:n], src)
	}
}

// SendTo is the datagram counterpart of Conn.Send: best effort, never
// blocking. A datagram that would block or errors is dropped; UDP
// clients own retry.
func (s *UDPSocket) SendTo(b []byte, dst unix.Sockaddr) {
	unix.Sendto(int(s.fd), b, unix.MSG_DONTWAIT, dst)
}
