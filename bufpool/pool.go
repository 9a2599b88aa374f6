// Package bufpool provides the size-classed buffer pool and the MsgBuffer
// message representation with embedded packet headers.
package bufpool

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrOutOfMemory is returned when an allocation request exceeds the largest
// size class.
var ErrOutOfMemory = errors.New("bufpool: allocation exceeds largest size class")

const (
	minClassShift = 6  // 64 B
	maxClassShift = 23 // 8 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// MaxAllocSize is the largest single allocation the pool can serve.
const MaxAllocSize = 1 << maxClassShift

// Buffer is one pool-backed allocation. ClassSize is the pool's internal
// power-of-two class, always >= the requested size.
type Buffer struct {
	B         []byte
	ClassSize int
}

// Pool is a power-of-two size-classed allocator. Each class is backed by a
// sync.Pool, which keeps the fast path per-P and contention-free. A Pool is
// safe for concurrent use by multiple runtimes.
type Pool struct {
	classes     [numClasses]sync.Pool
	outstanding atomic.Int64
}

// NewPool creates a Pool with all size classes initialized.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := 1 << (minClassShift + i)
		p.classes[i].New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// classIndex returns the smallest class index whose size fits n.
func classIndex(n int) int {
	idx := 0
	for (1 << (minClassShift + idx)) < n {
		idx++
	}
	return idx
}

// Alloc returns a buffer of at least size bytes. The returned slice is not
// zeroed; callers must not depend on its prior contents.
func (p *Pool) Alloc(size int) (Buffer, error) {
	if size <= 0 || size > MaxAllocSize {
		return Buffer{}, ErrOutOfMemory
	}
	idx := classIndex(size)
	b := p.classes[idx].Get().(*[]byte)
	p.outstanding.Add(1)
	return Buffer{B: *b, ClassSize: 1 << (minClassShift + idx)}, nil
}

// Free returns a buffer to its size class. Freeing a zero Buffer is a no-op.
func (p *Pool) Free(b Buffer) {
	if b.B == nil {
		return
	}
	buf := b.B[:cap(b.B)]
	idx := classIndex(b.ClassSize)
	p.classes[idx].Put(&buf)
	p.outstanding.Add(-1)
}

// Outstanding returns the number of live allocations. With no active
// sessions this equals the count held by the application.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
