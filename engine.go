package evhttpd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vincentwuo/evhttpd/internal/engine"
	"github.com/vincentwuo/evhttpd/pkg/bytepool"
	"github.com/vincentwuo/evhttpd/pkg/concurrent"
	"github.com/vincentwuo/evhttpd/pkg/config"
	"github.com/vincentwuo/evhttpd/pkg/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Engine owns one listening socket, the poller, the timer queue and the
// connection table. All of them are touched only by the goroutine in Run;
// workers hand connections back through the completion queue.
type Engine struct {
	cfg    *config.Config
	proc   Processor
	logger *zap.Logger
	clock  func() time.Time

	poller *engine.Poller
	timers *engine.TimerQueue
	pool   *engine.Pool
	conns  *connTable
	bufs   *bytepool.Pool
	events []engine.Event

	lfile *os.File // keeps the listening descriptor alive
	lfd   int
	addr  net.Addr

	limiter    *concurrent.AtomicLimiter
	acceptRate *rate.Limiter
	metrics    *Metrics

	mu          sync.Mutex
	completions []completion
	spare       []completion

	opened    atomic.Int64
	closed    atomic.Int64
	submitted atomic.Int64

	drainOnStop  bool
	stopping     bool
	stop         atomic.Bool
	running      atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

type completion struct {
	c       *Conn
	outcome Outcome
	err     error
}

// Stats is a point-in-time view safe to take from any goroutine.
type Stats struct {
	Opened    int64 `json:"opened"`
	Closed    int64 `json:"closed"`
	Submitted int64 `json:"submitted"`
	Live      int   `json:"live"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Workers   int   `json:"workers"`
}

// New binds the listening socket and starts the worker pool. cfg is
// normally the result of config.Load; a zero port binds an ephemeral one.
func New(cfg *config.Config, proc Processor, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfig)
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: nil processor", ErrConfig)
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("%w: idle_timeout must be positive", ErrConfig)
	}

	e := &Engine{
		cfg:    cfg,
		proc:   proc,
		logger: util.Logger(),
		lfd:    -1,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.limiter == nil {
		e.limiter = concurrent.NewAtomicLimiter(cfg.MaxConns)
	}
	if e.acceptRate == nil && cfg.AcceptRate > 0 {
		burst := int(cfg.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		e.acceptRate = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}

	readBuffer := cfg.ReadBuffer
	if readBuffer <= 0 {
		readBuffer = config.Default().ReadBuffer
	}
	e.bufs = bytepool.New(readBuffer)
	e.timers = engine.NewTimerQueue(e.clock)
	e.conns = newConnTable()

	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = config.Default().MaxEvents
	}
	var err error
	e.poller, err = engine.OpenPoll(maxEvents)
	if err != nil {
		return nil, err
	}
	e.events = make([]engine.Event, maxEvents)

	e.lfile, e.lfd, e.addr, err = listenFD(cfg.Host, cfg.Port)
	if err != nil {
		return nil, multierr.Append(err, e.poller.Close())
	}

	e.pool, err = engine.NewPool(cfg.Workers, cfg.QueueSize, engine.WithPanicHandler(func(r any) {
		e.logger.Error("worker task panicked", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, multierr.Combine(err, e.lfile.Close(), e.poller.Close())
	}
	e.metrics = newMetrics(func() float64 { return float64(e.pool.Len()) })

	if err := e.poller.Register(e.lfd, engine.Readable|engine.EdgeTriggered, engine.ListenerToken); err != nil {
		e.pool.Shutdown(false)
		return nil, multierr.Combine(err, e.lfile.Close(), e.poller.Close())
	}
	return e, nil
}

// Run is the event loop. It returns once ctx is cancelled or Stop is called
// and every connection has been released.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(e.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-quit:
		}
	}()

	e.logger.Info("engine started",
		zap.String("addr", e.addr.String()),
		zap.Int("workers", e.pool.Workers()),
		zap.Duration("idle_timeout", e.cfg.IdleTimeout))

	var loopErr error
	for !e.stop.Load() {
		timeout := time.Duration(-1)
		if d, ok := e.timers.NextDeadline(); ok {
			timeout = d
		}
		n, err := e.poller.Wait(e.events, timeout)
		if err != nil {
			loopErr = err
			e.logger.Error("poller wait failed", zap.Error(err))
			break
		}

		// expiry first: a connection closed here has a stale handle below
		e.timers.ProcessExpired(e.timers.Now())

		for i := 0; i < n; i++ {
			ev := e.events[i]
			if ev.Token == engine.ListenerToken {
				e.acceptDrain()
				continue
			}
			e.dispatch(ev)
		}
		e.applyCompletions()
	}

	return multierr.Append(loopErr, e.shutdown())
}

// Stop asks Run to return. Safe from any goroutine, any number of times.
func (e *Engine) Stop() {
	if e.stop.CompareAndSwap(false, true) {
		_ = e.poller.Wakeup()
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) Addr() net.Addr {
	return e.addr
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) Stats() Stats {
	return Stats{
		Opened:    e.opened.Load(),
		Closed:    e.closed.Load(),
		Submitted: e.submitted.Load(),
		Live:      e.conns.count(),
		Queued:    e.pool.Len(),
		Running:   e.pool.Running(),
		Workers:   e.pool.Workers(),
	}
}

// Conns lists the descriptors of the live connections, ascending.
func (e *Engine) Conns() []int {
	fds := make([]int, 0, e.conns.count())
	e.conns.byFd.Range(func(fd int, _ Handle) bool {
		fds = append(fds, fd)
		return false
	})
	sort.Ints(fds)
	return fds
}

func (e *Engine) dispatch(ev engine.Event) {
	c := e.conns.lookup(Handle(ev.Token))
	if c == nil || c.state != StateIdle {
		return
	}
	if ev.Failed() {
		e.closeConn(c, reasonHangup)
		return
	}
	if !ev.Readable() && !(ev.Writable() && c.Pending() > 0) {
		e.closeConn(c, reasonError)
		return
	}

	e.timers.Cancel(c.timer)
	c.timer = nil
	c.state = StateQueued
	c.moved = false
	if err := e.pool.Submit(connTask{e: e, c: c}); err != nil {
		e.logger.Debug("submit failed", zap.Int("fd", c.Fd), zap.Error(err))
		e.closeConn(c, reasonShutdown)
		return
	}
	e.submitted.Add(1)
	e.metrics.submitted.Inc()
}

// complete is called by workers.
func (e *Engine) complete(c *Conn, outcome Outcome, err error) {
	e.mu.Lock()
	e.completions = append(e.completions, completion{c: c, outcome: outcome, err: err})
	e.mu.Unlock()
	_ = e.poller.Wakeup()
}

func (e *Engine) applyCompletions() {
	e.mu.Lock()
	batch := e.completions
	e.completions = e.spare[:0]
	e.mu.Unlock()

	for i := range batch {
		cp := &batch[i]
		c := cp.c
		if c.state != StateQueued {
			continue
		}
		c.state = StateIdle

		switch {
		case cp.err != nil:
			e.logger.Debug("processing failed", zap.Int("fd", c.Fd), zap.String("remote", c.RemoteAddr), zap.Error(cp.err))
			e.closeConn(c, reasonError)
		case cp.outcome == Close:
			e.closeConn(c, reasonDone)
		case e.stopping:
			e.closeConn(c, reasonShutdown)
		default:
			if err := e.poller.Modify(c.Fd, c.interest(), uint64(c.handle)); err != nil {
				e.logger.Warn("re-arm failed", zap.Int("fd", c.Fd), zap.Error(err))
				e.closeConn(c, reasonError)
				continue
			}
			e.armIdle(c, cp.outcome == KeepAlive || c.moved)
		}
		cp.c = nil
	}
	e.spare = batch[:0]
}

// armIdle starts the idle timer. Unless restart is set the old deadline
// stands, so rounds that move no bytes never keep a connection alive.
func (e *Engine) armIdle(c *Conn, restart bool) {
	now := e.timers.Now()
	if restart || c.deadline.IsZero() {
		c.deadline = now.Add(e.cfg.IdleTimeout)
	}
	d := c.deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	c.timer = e.timers.Schedule(c, d, e.expire)
}

func (e *Engine) expire(owner any) {
	c := owner.(*Conn)
	c.timer = nil
	if c.state != StateIdle {
		return
	}
	e.metrics.expired.Inc()
	e.closeConn(c, reasonIdle)
}

// closeConn releases everything c holds. Only the event loop calls it and
// a second call is a no-op.
func (e *Engine) closeConn(c *Conn, reason string) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	e.timers.Cancel(c.timer)
	c.timer = nil

	if err := e.poller.Unregister(c.Fd); err != nil {
		e.logger.Debug("unregister failed", zap.Int("fd", c.Fd), zap.Error(err))
	}
	// drop the handle before the descriptor number can be handed out again
	e.conns.remove(c)
	if err := unix.Close(c.Fd); err != nil {
		e.logger.Debug("close failed", zap.Int("fd", c.Fd), zap.Error(err))
	}
	e.bufs.Put(c.in)
	c.in = nil
	c.out = nil
	if cl, ok := c.Session.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			e.logger.Debug("session close failed", zap.Int("fd", c.Fd), zap.Error(err))
		}
	}
	c.Session = nil
	e.limiter.Release()

	e.closed.Add(1)
	e.metrics.closed.WithLabelValues(reason).Inc()
	e.metrics.active.Dec()
	e.logger.Debug("connection closed",
		zap.Int("fd", c.Fd),
		zap.String("remote", c.RemoteAddr),
		zap.String("reason", reason))
}

func (e *Engine) shutdown() error {
	e.shutdownOnce.Do(func() {
		e.stopping = true
		var err error
		if e.lfile != nil {
			_ = e.poller.Unregister(e.lfd)
			err = multierr.Append(err, e.lfile.Close())
			e.lfile = nil
		}

		dropped := e.pool.Shutdown(e.drainOnStop)
		e.applyCompletions()
		// whatever is left was queued and dropped, or idle
		conns := e.conns.snapshot()
		for _, c := range conns {
			e.closeConn(c, reasonShutdown)
		}
		err = multierr.Append(err, e.poller.Close())

		e.logger.Info("engine stopped",
			zap.Int64("opened", e.opened.Load()),
			zap.Int64("closed", e.closed.Load()),
			zap.Int("dropped_tasks", dropped))
		e.shutdownErr = err
	})
	return e.shutdownErr
}
