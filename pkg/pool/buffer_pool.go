package pool

import (
	"sync"
)

// BufferPool reuses byte buffers of one nominal size. Frame capture and
// encoding churn through large pixel buffers at display refresh rates;
// pooling keeps that off the allocator.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a pool handing out buffers of length size.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a buffer of the pool's nominal length.
func (p *BufferPool) Get() []byte {
	return p.pool.Get().([]byte)[:p.size]
}

// Put returns a buffer to the pool. Oversized or undersized buffers are
// dropped so the pool stays uniform.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.size || cap(b) > p.size*2 {
		return
	}
	p.pool.Put(b[:p.size]) //nolint:staticcheck
}
