package bytepool

import (
	"sync"
)

// Pool hands out fixed-size byte buffers backed by a sync.Pool.
type Pool struct {
	p    *sync.Pool
	size int
}

func New(bufSize int) *Pool {
	return &Pool{
		p: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufSize)
				return &buf
			},
		},
		size: bufSize,
	}
}

// Get returns a buffer of exactly Size bytes. Contents are not zeroed.
func (bp *Pool) Get() *[]byte {
	b := bp.p.Get().(*[]byte)
	*b = (*b)[:bp.size]
	return b
}

// Put returns buf to the pool. Buffers of another capacity are dropped.
// A buffer must not be used after Put, and must not be Put twice.
func (bp *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != bp.size {
		return
	}
	bp.p.Put(buf)
}

func (bp *Pool) Size() int {
	return bp.size
}
