package sphinxd

import "runtime"

const (
	DefaultTCPAddr     = ":11211"
	DefaultMemoryLimit = 64 << 20
	DefaultSegmentSize = 1 << 20
	DefaultMaxItemSize = 1 << 20
	DefaultQueueDepth  = 512
	DefaultConnBuffer  = 256 << 10
	DefaultBacklog     = 1024

	EpollBackend = "epoll"
)

// Config describes one Server. The zero value is usable: every field
// falls back to its default.
type Config struct {
	// TCPAddr and UDPAddr are "iface:port" listen addresses. TCPAddr
	// defaults to ":11211"; an empty UDPAddr disables UDP.
	TCPAddr string
	UDPAddr string
	// Threads is the worker count N; one shard and one event loop
	// each. Defaults to the hardware thread count.
	Threads int
	// MemoryLimit is the total cache budget in bytes, split evenly
	// into per-shard segment pools of SegmentSize bytes each.
	MemoryLimit int64
	SegmentSize int64
	// MaxItemSize rejects oversized storage commands at parse time.
	MaxItemSize int
	// Backend names the readiness-notification backend. Only "epoll"
	// is implemented; anything else is a fatal startup error.
	Backend string
	// QueueDepth is the capacity of each cross-worker SPSC queue.
	QueueDepth int
	// ConnBufferSize caps the per-connection receive buffer.
	ConnBufferSize int
	Backlog        int
}

func (c *Config) withDefaults() {
	if c.TCPAddr == "" {
		c.TCPAddr = DefaultTCPAddr
	}
	if c.Threads == 0 {
		c.Threads = cpuCount()
	}
	if c.MemoryLimit == 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.MaxItemSize == 0 {
		c.MaxItemSize = DefaultMaxItemSize
	}
	if c.Backend == "" {
		c.Backend = EpollBackend
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.ConnBufferSize == 0 {
		c.ConnBufferSize = DefaultConnBuffer
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
}

func (c *Config) maxItemSize() int {
	return c.MaxItemSize
}

func (c *Config) segmentsPerShard() int {
	m := int(c.MemoryLimit / int64(c.Threads) / c.SegmentSize)
	if m < 1 {
		m = 1
	}
	return m
}

func cpuCount() int {
	return runtime.NumCPU()
}
