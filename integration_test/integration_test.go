package integration

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zyh329/sphinxd"
)

var _ = Describe("Integration", func() {
	var (
		srv    *testServer
		mutate func(*sphinxd.Config)
	)

	BeforeEach(func() {
		ResetTestKeys()
		mutate = nil
	})
	JustBeforeEach(func() {
		srv = StartServer(mutate)
	})
	AfterEach(func() {
		srv.Stop()
	})

	Context("simple requests", func() {
		var c *memcache.Client
		JustBeforeEach(func() {
			c = memcache.New(srv.Addr())
		})

		It("get what set", func() {
			set := RandSizeItem()
			Expect(c.Set(set)).To(Succeed())
			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, set)
		})

		It("overwrite", func() {
			set := RandSizeItem()
			overwrite := RandSizeItem()
			overwrite.Key = set.Key
			Expect(c.Set(set)).To(Succeed())
			Expect(c.Set(overwrite)).To(Succeed())

			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, overwrite)
		})

		It("delete", func() {
			set := RandSizeItem()
			Expect(c.Set(set)).To(Succeed())

			Expect(c.Delete(set.Key)).To(Succeed())
			_, err := c.Get(set.Key)
			Expect(err).To(Equal(memcache.ErrCacheMiss))
		})

		It("multi get", func() {
			// Enough keys that both workers certainly own some, so the
			// reply reassembles blocks that crossed the mesh.
			var keys []string
			items := map[string]*memcache.Item{}
			for i := 0; i < 20; i++ {
				it := RandSizeItem()
				keys = append(keys, it.Key)
				items[it.Key] = it
				Expect(c.Set(it)).To(Succeed())
			}
			gotItems, err := c.GetMulti(keys)
			Expect(err).To(BeNil())
			Expect(len(gotItems)).To(Equal(len(items)))
			for k, v := range gotItems {
				ExpectItemsEqual(v, items[k])
			}
		})

		It("add and cas", func() {
			it := RandSizeItem()
			Expect(c.Add(it)).To(Succeed())
			Expect(c.Add(it)).To(Equal(memcache.ErrNotStored))

			got, err := c.Get(it.Key)
			Expect(err).To(BeNil())
			got.Value = []byte("swapped")
			Expect(c.CompareAndSwap(got)).To(Succeed())
		})

		It("increment and decrement", func() {
			Expect(c.Set(&memcache.Item{Key: "counter", Value: []byte("10")})).To(Succeed())
			n, err := c.Increment("counter", 5)
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(15))
			n, err = c.Decrement("counter", 6)
			Expect(err).To(BeNil())
			Expect(n).To(BeEquivalentTo(9))
		})

		It("flush_all empties every shard", func() {
			var its []*memcache.Item
			for i := 0; i < 10; i++ {
				it := RandSizeItem()
				its = append(its, it)
				Expect(c.Set(it)).To(Succeed())
			}
			Expect(c.FlushAll()).To(Succeed())
			for _, it := range its {
				Eventually(func() error {
					_, err := c.Get(it.Key)
					return err
				}, time.Second).Should(Equal(memcache.ErrCacheMiss))
			}
		})
	})

	Context("raw protocol", func() {
		var rc *rawConn
		JustBeforeEach(func() {
			rc = dialRaw(srv.Addr())
		})
		AfterEach(func() {
			rc.Close()
		})

		It("answers the canonical set/get exchange", func() {
			rc.roundTrip("set foo 0 0 5\r\nhello\r\n", "STORED\r\n")
			rc.roundTrip("get foo\r\n", "VALUE foo 0 5\r\nhello\r\nEND\r\n")
		})

		It("keeps pipelined responses in request order", func() {
			// All on one write: replies must come back in exactly this
			// order even though the keys hash to different workers.
			rc.send("set a 0 0 1\r\nA\r\nset b 0 0 1\r\nB\r\nget a\r\nget b\r\nversion\r\n")
			rc.expect("STORED\r\nSTORED\r\nVALUE a 0 1\r\nA\r\nEND\r\nVALUE b 0 1\r\nB\r\nEND\r\n")
			rc.expect("VERSION ")
		})

		It("keeps the connection open after a client error", func() {
			rc.send("set broken\r\n")
			rc.expect("CLIENT_ERROR ")
			// Drain the rest of the error line.
			readLine(rc)
			rc.roundTrip("version\r\n", "VERSION ")
		})

		It("answers ERROR for an unknown command", func() {
			rc.roundTrip("bogus nonsense\r\n", "ERROR\r\n")
		})

		It("closes the connection on quit", func() {
			rc.send("quit\r\n")
			rc.SetReadDeadline(time.Now().Add(3 * time.Second))
			buf := make([]byte, 1)
			_, err := rc.Read(buf)
			Expect(err).To(Equal(io.EOF))
		})

		It("reports stats including the worker count", func() {
			rc.send("stats\r\n")
			Expect(readUntil(rc, "END\r\n")).To(ContainSubstring("STAT threads 2\r\n"))
		})

		It("stores and expires an item with a TTL", func() {
			rc.roundTrip("set t 0 1 1\r\nx\r\n", "STORED\r\n")
			rc.roundTrip("get t\r\n", "VALUE t 0 1\r\nx\r\nEND\r\n")
			time.Sleep(2100 * time.Millisecond)
			rc.roundTrip("get t\r\n", "END\r\n")
		})
	})

	Context("eviction", func() {
		BeforeEach(func() {
			mutate = func(c *sphinxd.Config) {
				// One worker, two tiny segments: the third value that
				// doesn't fit must evict the oldest segment.
				c.Threads = 1
				c.SegmentSize = 512
				c.MemoryLimit = 1024
				c.MaxItemSize = 400
			}
		})

		It("drops the oldest segment's keys", func() {
			rc := dialRaw(srv.Addr())
			defer rc.Close()
			payload := make([]byte, 300)
			for i := range payload {
				payload[i] = 'v'
			}
			rc.roundTrip("set k1 0 0 300\r\n"+string(payload)+"\r\n", "STORED\r\n")
			rc.roundTrip("set k2 0 0 300\r\n"+string(payload)+"\r\n", "STORED\r\n")
			rc.roundTrip("set k3 0 0 300\r\n"+string(payload)+"\r\n", "STORED\r\n")

			rc.roundTrip("get k1\r\n", "END\r\n") // Evicted with its segment.
			rc.send("get k3\r\n")
			rc.expect("VALUE k3 0 300\r\n")
			readUntil(rc, "END\r\n")
		})
	})

	Context("UDP", func() {
		It("echoes the request id and answers END for a miss", func() {
			conn, err := net.Dial("udp", srv.UDPBoundAddr())
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			req := append([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}, "get no_such_key\r\n"...)
			_, err = conn.Write(req)
			Expect(err).NotTo(HaveOccurred())

			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			buf := make([]byte, 2048)
			n, err := conn.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeNumerically(">=", 8))
			Expect(binary.BigEndian.Uint16(buf[0:2])).To(BeEquivalentTo(1)) // request_id
			Expect(binary.BigEndian.Uint16(buf[2:4])).To(BeEquivalentTo(0)) // seq
			Expect(binary.BigEndian.Uint16(buf[4:6])).To(BeEquivalentTo(1)) // total
			Expect(string(buf[8:n])).To(Equal("END\r\n"))
		})

		It("serves a set over TCP and a get over UDP", func() {
			c := memcache.New(srv.Addr())
			Expect(c.Set(&memcache.Item{Key: "u", Value: []byte("datagram")})).To(Succeed())

			conn, err := net.Dial("udp", srv.UDPBoundAddr())
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			req := append([]byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}, "get u\r\n"...)
			_, err = conn.Write(req)
			Expect(err).NotTo(HaveOccurred())

			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			buf := make([]byte, 2048)
			n, err := conn.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(binary.BigEndian.Uint16(buf[0:2])).To(BeEquivalentTo(7))
			Expect(string(buf[8:n])).To(Equal("VALUE u 0 8\r\ndatagram\r\nEND\r\n"))
		})
	})

	It("shuts down cleanly", func() {
		// Stop in AfterEach asserts the nil Serve error; getting here
		// with a live connection makes sure shutdown also closes it.
		rc := dialRaw(srv.Addr())
		defer rc.Close()
		rc.roundTrip("version\r\n", "VERSION ")
	})
})

// readLine reads through the next LF.
func readLine(rc *rawConn) string {
	rc.SetReadDeadline(time.Now().Add(3 * time.Second))
	var line []byte
	buf := make([]byte, 1)
	for {
		_, err := io.ReadFull(rc, buf)
		Expect(err).NotTo(HaveOccurred())
		line = append(line, buf[0])
		if buf[0] == '\n' {
			return string(line)
		}
	}
}

// readUntil reads until the stream ends with marker and returns all
// bytes read.
func readUntil(rc *rawConn, marker string) string {
	rc.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []byte
	buf := make([]byte, 1)
	for {
		_, err := io.ReadFull(rc, buf)
		Expect(err).NotTo(HaveOccurred())
		got = append(got, buf[0])
		if len(got) >= len(marker) && string(got[len(got)-len(marker):]) == marker {
			return string(got)
		}
	}
}
