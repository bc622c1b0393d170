package evhttpd

import (
	"errors"
	"io"
	"time"

	"github.com/vincentwuo/evhttpd/internal/engine"
	"github.com/vincentwuo/evhttpd/pkg/config"

	"golang.org/x/sys/unix"
)

// ConnState is where a connection sits in its lifecycle.
type ConnState uint8

const (
	// StateIdle: held by the event loop, armed for readiness, idle timer running.
	StateIdle ConnState = iota
	// StateQueued: handed to the worker pool; only the worker may touch it.
	StateQueued
	// StateClosed: descriptor released. Terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrBufferFull is returned by Fill when the inbound buffer has no room left.
var ErrBufferFull = errors.New("inbound buffer full")

// Conn is one accepted client. Whoever holds it (the event loop, or the
// worker that dequeued it) has exclusive use of its buffers; nothing here
// is locked.
type Conn struct {
	Fd         int
	RemoteAddr string

	handle  Handle
	cfg     *config.Config
	state   ConnState
	timer   *engine.Timer
	created time.Time

	// deadline is when the idle timer fires unless bytes move first.
	deadline time.Time
	moved    bool

	in    *[]byte // from the engine's byte pool
	inLen int
	out   []byte // bytes accepted by Write but not yet sent

	closeAfterFlush bool
	eof             bool

	// Session is free for the Processor to keep per-connection state in.
	Session any
}

func (c *Conn) Handle() Handle          { return c.handle }
func (c *Conn) Config() *config.Config  { return c.cfg }
func (c *Conn) State() ConnState        { return c.state }
func (c *Conn) Created() time.Time      { return c.created }
func (c *Conn) EOF() bool               { return c.eof }
func (c *Conn) Pending() int            { return len(c.out) }
func (c *Conn) ClosingAfterFlush() bool { return c.closeAfterFlush }
func (c *Conn) CloseAfterFlush()        { c.closeAfterFlush = true }
func (c *Conn) Buffered() []byte        { return (*c.in)[:c.inLen] }
func (c *Conn) Available() int          { return len(*c.in) - c.inLen }

// Fill reads from the socket until it would block, the peer closes, or the
// buffer is full. The socket is edge-triggered, so a caller that stops
// before EAGAIN must expect no further notification for data already queued
// unless the connection is re-armed. io.EOF reports an orderly close by the peer.
func (c *Conn) Fill() (int, error) {
	buf := *c.in
	total := 0
	for {
		if c.inLen == len(buf) {
			return total, ErrBufferFull
		}
		n, err := engine.RawRead(c.Fd, buf[c.inLen:])
		switch {
		case err == unix.EAGAIN:
			return total, nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return total, err
		case n == 0:
			c.eof = true
			return total, io.EOF
		}
		c.inLen += n
		total += n
		c.moved = true
	}
}

// Consume drops the first n buffered bytes.
func (c *Conn) Consume(n int) {
	if n >= c.inLen {
		c.inLen = 0
		return
	}
	buf := *c.in
	copy(buf, buf[n:c.inLen])
	c.inLen -= n
}

// Write queues p and sends as much as the socket takes right now.
func (c *Conn) Write(p []byte) error {
	c.out = append(c.out, p...)
	return c.Flush()
}

// Flush sends pending output until done or the socket would block. Bytes
// left behind stay pending; the engine then re-arms for writability.
func (c *Conn) Flush() error {
	for len(c.out) > 0 {
		n, err := engine.RawSend(c.Fd, c.out)
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return err
		}
		if n > 0 {
			c.moved = true
		}
		c.out = c.out[n:]
	}
	c.out = nil
	return nil
}

// interest drops Readable while output is pending. A peer that stops reading
// but keeps input or a FIN queued would otherwise report readable on every
// re-arm.
func (c *Conn) interest() engine.Interest {
	if len(c.out) > 0 {
		return engine.Writable | engine.EdgeTriggered | engine.OneShot
	}
	return engine.Readable | engine.EdgeTriggered | engine.OneShot
}
