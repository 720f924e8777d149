// Package recycle contains utilities for recyclable memory usage: a
// pool of byte chunks in power-of-two size classes, used to carry
// cross-worker message payloads without allocating on every send.
package recycle

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

const minDefChunkSize = 1 << 7
const maxDefChunkSize = 1 << 20

var DefaultChunkSizes = func() (sz []int) {
	for chSz := minDefChunkSize; chSz <= maxDefChunkSize; chSz *= 2 {
		sz = append(sz, chSz)
	}
	return
}()

type Pool struct {
	leakCallback LeakCallback
	chunkSizes   []int
	chunkPools   []sync.Pool
}

func NewPool() *Pool {
	return NewPoolSizes(DefaultChunkSizes)
}

// NewPoolSizes creates new pool, which produces chunks with sizes
// described in chunkSizes. chunkSizes should be sorted.
func NewPoolSizes(chunkSizes []int) *Pool {
	if chunkSizes == nil {
		chunkSizes = DefaultChunkSizes[:]
	}
	for i := 0; i < len(chunkSizes); i++ {
		size := chunkSizes[i]
		if size <= 0 {
			panic("non positive size")
		}
		if i != 0 && chunkSizes[i-1] >= size {
			panic("sizes unsorted or have duplicates")
		}
	}
	chunkPools := make([]sync.Pool, len(chunkSizes))
	for i := range chunkSizes {
		size := chunkSizes[i] // Move into range declaration cause using same size.
		chunkPools[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return &Pool{
		chunkSizes: chunkSizes,
		chunkPools: chunkPools,
	}
}

// Alloc returns a Buf with exactly size writable bytes, backed by a
// pooled chunk when size fits a class. The producing worker fills it,
// hands it off by message send, and the receiving worker must Free it
// exactly once.
func (p *Pool) Alloc(size int) *Buf {
	b := &Buf{pool: p, chunk: p.chunk(size)}
	b.b = b.chunk[:size]
	if p.leakCallback != nil {
		runtime.SetFinalizer(b, checkLeakFinalizer(p.leakCallback))
	}
	return b
}

// Copy is Alloc plus a copy of data into the new Buf.
func (p *Pool) Copy(data []byte) *Buf {
	b := p.Alloc(len(data))
	copy(b.b, data)
	return b
}

type LeakCallback func(*Buf)

// SetLeakCallback sets callback, which is called before GC of a not
// freed Buf. Note: this is for test and debug purpose only.
func (p *Pool) SetLeakCallback(cb LeakCallback) {
	p.leakCallback = cb
}

func NotifyOnLeak(leak chan<- *Buf) LeakCallback {
	return func(b *Buf) {
		select {
		case leak <- b:
		case <-time.After(5 * time.Second):
			panic("Nobody is listening for leak notification")
		}
	}
}

var PanicOnLeak LeakCallback = func(b *Buf) {
	panic(fmt.Sprintf("recycle.Buf leaked: %#v.", b))
}
var WarnOnLeak LeakCallback = func(b *Buf) {
	println("WARN: recycle.Buf leaked.")
}

// chunk returns backing storage of at least size bytes. Sizes outside
// the class range in either direction are left to the GC: tiny chunks
// are cheaper to allocate than to pool, and oversized ones would pin
// too much memory in the pool.
func (p *Pool) chunk(size int) []byte {
	if p.isGCChunkSize(size) || size > p.MaxChunkSize() {
		return make([]byte, size)
	}
	// O(n) but len(chunkSizes) should be <= 30 normally.
	for i := range p.chunkSizes {
		if size <= p.chunkSizes[i] {
			return p.chunkPools[i].Get().([]byte)
		}
	}
	panic("unreachable")
}

func (p *Pool) recycleChunk(chunk []byte) {
	size := cap(chunk)
	if p.isGCChunkSize(size) || size > p.MaxChunkSize() {
		// Garbage, that should be collected by GC.
		return
	}
	// O(n) but len(chunkSizes) should be <= 30 normally.
	for i := range p.chunkSizes {
		if size == p.chunkSizes[i] {
			p.chunkPools[i].Put(chunk[:size])
			return
		}
	}
	panic(fmt.Errorf("unexpected chunk size: %v", size))
}

func (p *Pool) MinChunkSize() int {
	return p.chunkSizes[0]
}

func (p *Pool) MaxChunkSize() int {
	return p.chunkSizes[len(p.chunkSizes)-1]
}

func (p *Pool) isGCChunkSize(size int) bool {
	return size <= p.MinChunkSize()/2
}

func checkLeakFinalizer(cb LeakCallback) func(*Buf) {
	return func(b *Buf) {
		if !b.isFreed() {
			cb(b)
		}
	}
}
