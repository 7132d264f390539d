// Package bufpool recycles the frame buffers the file server reads into.
package bufpool

import (
	"sync"
)

// Pool hands out buffers with capacity for one frame.
type Pool struct {
	pool      sync.Pool
	frameSize int
}

// New creates a pool of frameSize-byte buffers.
func New(frameSize int) *Pool {
	if frameSize <= 0 {
		panic("bufpool: frameSize must be positive")
	}
	p := &Pool{frameSize: frameSize}
	p.pool.New = func() any {
		b := make([]byte, frameSize)
		return &b
	}
	return p
}

// Get returns a buffer of length n. Requests above the frame size are
// served from a fresh allocation and never pooled.
func (p *Pool) Get(n int) []byte {
	if n > p.frameSize {
		return make([]byte, n)
	}
	b := p.pool.Get().(*[]byte)
	return (*b)[:n]
}

// Put returns a buffer obtained from Get. Foreign or oversized buffers are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.frameSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// FrameSize returns the capacity of pooled buffers.
func (p *Pool) FrameSize() int {
	return p.frameSize
}
