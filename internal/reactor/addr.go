package reactor

import (
	"net"

	"golang.org/x/sys/unix"
)

// resolveIPv4 turns "iface:port" style input (iface may be empty for
// all interfaces) into a unix.Sockaddr suitable for Bind.
func resolveIPv4(iface string, port int) (unix.Sockaddr, error) {
	ip := net.IPv4zero
	if iface != "" {
		resolved, err := net.ResolveIPAddr("ip4", iface)
		if err != nil {
			return nil, err
		}
		ip = resolved.IP
	}
	var addr [4]byte
	copy(addr[:], ip.To4())
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// localPort reports the port fd is bound to; needed when the caller
// bound port 0 and the kernel picked one.
func localPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, unix.EAFNOSUPPORT
}
