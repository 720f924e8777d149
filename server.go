// Package sphinxd is an in-memory key/value cache server speaking the
// memcached ASCII protocol over TCP and UDP, built shared-nothing:
// every worker owns one shard of the keyspace, runs its own event
// loop, and talks to its peers only through the SPSC queue mesh.
package sphinxd

import (
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/facebookgo/stackerr"

	"github.com/zyh329/sphinxd/internal/mesh"
	"github.com/zyh329/sphinxd/log"
	"github.com/zyh329/sphinxd/recycle"
)

const Version = "0.1.0"

// Server assembles the worker fleet. Fields are set before
// ListenAndServe and not touched after.
type Server struct {
	Config
	Log  log.Logger
	Pool *recycle.Pool

	mesh    *mesh.Mesh[*message]
	workers []*worker

	tcpPort int
	udpPort int
	tcpHost string
	udpHost string

	shutdownOnce sync.Once
}

// ListenAndServe binds every worker's sockets, starts one pinned
// goroutine per worker, and blocks until all of them return. Bind
// and setup failures are returned before any worker starts; after
// startup the only way out is Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Setup(); err != nil {
		return err
	}
	return s.Serve()
}

// Setup validates the config, builds the mesh and workers, and binds
// every listener. After it returns nil the bound addresses are final.
func (s *Server) Setup() error {
	s.Config.withDefaults()
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.Pool == nil {
		s.Pool = recycle.NewPool()
	}
	if s.Backend != EpollBackend {
		return stackerr.Newf("unsupported backend %q", s.Backend)
	}
	if int64(s.MaxItemSize) > s.SegmentSize {
		return stackerr.Newf("max item size %d exceeds segment size %d", s.MaxItemSize, s.SegmentSize)
	}

	var err error
	s.tcpHost, s.tcpPort, err = splitAddr(s.TCPAddr)
	if err != nil {
		return stackerr.Newf("bad TCP address %q: %v", s.TCPAddr, err)
	}
	if s.UDPAddr != "" {
		s.udpHost, s.udpPort, err = splitAddr(s.UDPAddr)
		if err != nil {
			return stackerr.Newf("bad UDP address %q: %v", s.UDPAddr, err)
		}
	}

	// The mesh is process-global: every worker must name every other,
	// so it exists in full before the first worker starts.
	s.mesh = mesh.New[*message](s.Threads, s.QueueDepth)

	s.workers = make([]*worker, s.Threads)
	for id := 0; id < s.Threads; id++ {
		w, err := newWorker(s, id)
		if err != nil {
			return stackerr.Wrap(err)
		}
		s.workers[id] = w
	}

	// Bind listeners up front so startup errors surface before any
	// worker goroutine exists. Worker 0 resolves port 0 to a real
	// port; the rest bind the same one via SO_REUSEPORT.
	for _, w := range s.workers {
		port, err := w.r.RegisterTCPListener(s.tcpHost, s.tcpPort, s.Backlog, w.onAccept)
		if err != nil {
			return stackerr.Newf("TCP bind %s:%d failed: %v", s.tcpHost, s.tcpPort, err)
		}
		s.tcpPort = port
	}
	if s.UDPAddr != "" {
		for _, w := range s.workers {
			sock, port, err := w.r.RegisterUDP(s.udpHost, s.udpPort, w.onDatagram)
			if err != nil {
				return stackerr.Newf("UDP bind %s:%d failed: %v", s.udpHost, s.udpPort, err)
			}
			w.udpSock = sock
			s.udpPort = port
		}
	}
	return nil
}

// Serve runs the workers and blocks until they all stop. A worker
// failing takes the rest down with it; the first error wins.
func (s *Server) Serve() error {
	s.Log.Infof("Serving on %s with %d workers.", s.Addr(), s.Threads)
	errs := make(chan error, len(s.workers))
	for _, w := range s.workers {
		w := w
		go func() {
			runtime.LockOSThread()
			errs <- w.run()
		}()
	}
	var firstErr error
	for range s.workers {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = stackerr.Wrap(err)
			s.Shutdown()
		}
	}
	return firstErr
}

// Shutdown asks every worker to stop. It is cooperative: in-flight
// handlers finish, open connections are closed on loop exit, and
// ListenAndServe returns.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		for _, w := range s.workers {
			w.r.Shutdown()
		}
	})
}

// Addr is the bound TCP address, useful when the configured port was
// 0. Valid after setup.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.tcpHost, strconv.Itoa(s.tcpPort))
}

// UDPBoundAddr is the bound UDP address, empty when UDP is disabled.
func (s *Server) UDPBoundAddr() string {
	if s.UDPAddr == "" {
		return ""
	}
	return net.JoinHostPort(s.udpHost, strconv.Itoa(s.udpPort))
}

func splitAddr(addr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	return host, port, err
}
