package evhttpd

import (
	"net"
	"testing"
	"time"

	"github.com/vincentwuo/evhttpd/internal/engine"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// requeue walks c through one dispatch and completion round without a worker.
func requeue(e *Engine, c *Conn, outcome Outcome, moved bool) {
	e.timers.Cancel(c.timer)
	c.timer = nil
	c.state = StateQueued
	c.moved = moved
	e.complete(c, outcome, nil)
	e.applyCompletions()
}

func connFor(t *testing.T, e *Engine, client net.Conn) *Conn {
	t.Helper()
	for _, c := range e.conns.snapshot() {
		if c.RemoteAddr == client.LocalAddr().String() {
			return c
		}
	}
	t.Fatalf("no connection for %s", client.LocalAddr())
	return nil
}

func TestEngineRegistrationFailureDropsConn(t *testing.T) {
	e := newEngine(t, testConfig(t), ProcessorFunc(echo))

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	// already in the interest list, so Register fails with EEXIST
	require.NoError(t, e.poller.Register(fds[0], engine.Readable, 12345))
	ok, _ := e.limiter.Acquire()
	require.True(t, ok)

	e.openConn(fds[0], nil)

	assert.Equal(t, int64(0), e.limiter.Count(), "slot released")
	assert.Equal(t, int64(0), e.opened.Load())
	assert.Equal(t, int64(0), e.closed.Load())
	assert.Equal(t, 0, e.conns.count())
	assert.Equal(t, 0, e.timers.Len())

	// our end was closed, so the peer sees EOF
	n, err := unix.Read(fds[1], make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	startEngine(t, e)
	roundTrip(t, dial(t, e), "after drop")
	assert.Equal(t, int64(1), e.opened.Load())
}

func TestEngineAcceptFatalKeepsServing(t *testing.T) {
	e := newEngine(t, testConfig(t), ProcessorFunc(echo))

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	lfd := e.lfd
	e.lfd = p[0]
	e.acceptDrain() // ENOTSOCK
	e.lfd = lfd
	unix.Close(p[0])
	unix.Close(p[1])

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.acceptErrors))
	assert.Equal(t, int64(0), e.opened.Load())
	assert.Equal(t, int64(0), e.limiter.Count())

	startEngine(t, e)
	roundTrip(t, dial(t, e), "still accepting")
}

func TestEngineRearmFailureClosesOnlyThatConn(t *testing.T) {
	e := newEngine(t, testConfig(t), ProcessorFunc(echo))

	a := dial(t, e)
	b := dial(t, e)
	acceptN(t, e, 2)
	require.Equal(t, int64(2), e.limiter.Count())

	c := connFor(t, e, a)
	// no longer in the interest list, so Modify fails with ENOENT
	require.NoError(t, e.poller.Unregister(c.Fd))
	requeue(e, c, KeepAlive, true)

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.closed.WithLabelValues(reasonError)))
	assert.Equal(t, int64(1), e.limiter.Count())
	assert.Equal(t, int64(1), e.opened.Load()-e.closed.Load())
	assert.Equal(t, 1, e.conns.count())

	startEngine(t, e)
	expectClosed(t, a)
	roundTrip(t, b, "unaffected")
}

func TestEngineExpireCountsOnlyEvictions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig(t)
	cfg.IdleTimeout = time.Second
	e := newEngine(t, cfg, ProcessorFunc(echo), WithClock(func() time.Time { return now }))
	defer e.shutdown()

	dial(t, e)
	acceptN(t, e, 1)
	c := e.conns.snapshot()[0]

	// a timer that slipped past the cancel while the worker held the conn
	c.state = StateQueued
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, e.timers.ProcessExpired(now))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.expired))
	assert.Equal(t, 1, e.conns.count())
	c.state = StateIdle
}

func TestEngineIdleDeadlineNeedsProgress(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	cfg := testConfig(t)
	cfg.IdleTimeout = time.Second
	e := newEngine(t, cfg, ProcessorFunc(echo), WithClock(func() time.Time { return now }))
	defer e.shutdown()

	dial(t, e)
	acceptN(t, e, 1)
	c := e.conns.snapshot()[0]
	require.Equal(t, start.Add(time.Second), c.timer.Deadline())

	c.out = []byte("unsent")
	assert.Zero(t, c.interest()&engine.Readable, "pending output arms for writability only")
	assert.NotZero(t, c.interest()&engine.Writable)

	now = start.Add(600 * time.Millisecond)
	requeue(e, c, WouldBlock, false)
	assert.Equal(t, start.Add(time.Second), c.timer.Deadline(), "no bytes moved")

	requeue(e, c, WouldBlock, true)
	assert.Equal(t, now.Add(time.Second), c.timer.Deadline(), "bytes moved")

	now = start.Add(1800 * time.Millisecond)
	requeue(e, c, WouldBlock, false)
	assert.Equal(t, now, c.timer.Deadline(), "overdue deadline fires on the next pass")

	assert.Equal(t, 1, e.timers.ProcessExpired(now))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.closed.WithLabelValues(reasonIdle)))

	c.out = nil
	assert.Equal(t, engine.Readable|engine.EdgeTriggered|engine.OneShot, c.interest())
}
