// Package pool provides typed object pooling for featuresink.
// Request bodies and JSON encode buffers are recycled through it so that
// steady-state ingestion does not allocate a fresh buffer per batch.
//
// Example usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//
//	myPool := pool.New(
//	    func() *MyType { return &MyType{} },
//	    func(obj *MyType) { obj.Reset() },
//	)
//	obj := myPool.Get()
//	defer myPool.Put(obj)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// maxPooledBufferSize keeps oversized request bodies from pinning memory.
const maxPooledBufferSize = 4 << 20

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and an optional reset
// function. The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
		misses    int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// The reset function, if not nil, runs before an object re-enters the pool.
func New[T any](new func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		new:   new,
		reset: reset,
	}
}

// Get retrieves an object from the pool, allocating when the pool is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	if obj, ok := p.pool.Get().(T); ok {
		atomic.AddInt64(&p.stats.hits, 1)
		return obj
	}
	atomic.AddInt64(&p.stats.misses, 1)
	atomic.AddInt64(&p.stats.allocated, 1)
	return p.new()
}

// Put returns an object to the pool for reuse.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns allocation count, objects in use, hits and misses.
func (p *Pool[T]) Stats() (allocated, inUse, hits, misses int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits),
		atomic.LoadInt64(&p.stats.misses)
}

var bufferPool = New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 4096)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer gets an empty pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get()
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > maxPooledBufferSize {
		atomic.AddInt64(&bufferPool.stats.inUse, -1)
		return
	}
	bufferPool.Put(buf)
}

// BufferStats reports statistics for the shared buffer pool
func BufferStats() (allocated, inUse, hits, misses int64) {
	return bufferPool.Stats()
}
