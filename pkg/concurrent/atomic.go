package concurrent

import (
	"sync/atomic"
)

// AtomicLimiter caps the number of concurrently held slots. A limit of zero
// or less disables it; Acquire then always succeeds but still counts.
type AtomicLimiter struct {
	max    atomic.Int64
	count  atomic.Int64
	enable atomic.Bool
}

func NewAtomicLimiter(maxConcurrent int64) *AtomicLimiter {
	l := &AtomicLimiter{}
	l.Reset(maxConcurrent)
	return l
}

// Acquire takes a slot. It returns false, and takes nothing, when the
// limiter is full. The second value is the count seen before the attempt.
func (b *AtomicLimiter) Acquire() (bool, int64) {
	for {
		nowN := b.count.Load()
		if b.enable.Load() && nowN >= b.max.Load() {
			return false, nowN
		}
		if b.count.CompareAndSwap(nowN, nowN+1) {
			return true, nowN
		}
	}
}

func (b *AtomicLimiter) Reset(limit int64) {
	if limit <= 0 {
		b.enable.Store(false)
		b.max.Store(0)
		return
	}
	b.max.Store(limit)
	b.enable.Store(true)
}

func (b *AtomicLimiter) Release() {
	b.count.Add(-1)
}

func (b *AtomicLimiter) Disable() {
	b.enable.Store(false)
}

func (b *AtomicLimiter) Count() int64 {
	return b.count.Load()
}
