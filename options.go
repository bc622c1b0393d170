package evhttpd

import (
	"time"

	"github.com/vincentwuo/evhttpd/pkg/concurrent"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDrainOnStop makes shutdown run every queued task before closing
// connections. Without it queued connections are closed unprocessed.
func WithDrainOnStop(drain bool) Option {
	return func(e *Engine) {
		e.drainOnStop = drain
	}
}

// WithClock replaces the clock driving idle timers.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithGlobalConcurrentLimiter shares one connection cap across engines.
// It takes precedence over max_conns.
func WithGlobalConcurrentLimiter(limiter *concurrent.AtomicLimiter) Option {
	return func(e *Engine) {
		e.limiter = limiter
	}
}

// WithGlobalAcceptLimiter shares one accept rate across engines. It takes
// precedence over accept_rate.
func WithGlobalAcceptLimiter(limiter *rate.Limiter) Option {
	return func(e *Engine) {
		e.acceptRate = limiter
	}
}
