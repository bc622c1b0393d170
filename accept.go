package evhttpd

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/vincentwuo/evhttpd/pkg/util"

	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenFD opens a SO_REUSEPORT listener and detaches its descriptor from
// the net package so the poller can own it.
func listenFD(host string, port int) (*os.File, int, net.Addr, error) {
	laddr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := reuseport.Listen("tcp", laddr)
	if err != nil {
		return nil, -1, nil, fmt.Errorf("%w: listen %s: %v", ErrBind, laddr, err)
	}
	defer ln.Close()

	tcpln, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, -1, nil, fmt.Errorf("%w: %s is not a tcp listener", ErrBind, laddr)
	}
	// without the os.File the duplicated descriptor may be collected
	f, err := tcpln.File()
	if err != nil {
		return nil, -1, nil, fmt.Errorf("%w: dup listener: %v", ErrBind, err)
	}
	fd := int(f.Fd())
	// Fd() leaves the descriptor blocking
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, -1, nil, fmt.Errorf("%w: set nonblock: %v", ErrBind, err)
	}
	return f, fd, ln.Addr(), nil
}

// acceptDrain accepts until the backlog is empty. The listener is
// edge-triggered, so stopping early loses the notification for whatever is
// left until the next connection arrives.
func (e *Engine) acceptDrain() {
	for {
		fd, sa, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED, unix.EPROTO:
				continue
			}
			e.metrics.acceptErrors.Inc()
			e.logger.Error("accept", zap.Error(fmt.Errorf("%w: %v", ErrAcceptFatal, err)))
			return
		}

		if !e.admit() {
			unix.Close(fd)
			e.metrics.refused.Inc()
			e.logger.Debug("connection refused by limiter", zap.String("remote", util.AddrString(sa)))
			continue
		}
		e.openConn(fd, sa)
	}
}

// admit takes a concurrency slot, which the caller must release once the
// connection is gone.
func (e *Engine) admit() bool {
	if e.acceptRate != nil && !e.acceptRate.Allow() {
		return false
	}
	ok, _ := e.limiter.Acquire()
	return ok
}

func (e *Engine) openConn(fd int, sa unix.Sockaddr) {
	c := &Conn{
		Fd:         fd,
		RemoteAddr: util.AddrString(sa),
		cfg:        e.cfg,
		state:      StateIdle,
		created:    e.timers.Now(),
		in:         e.bufs.Get(),
	}

	abort := func(err error) {
		e.logger.Warn("cannot track connection", zap.Int("fd", fd), zap.String("remote", c.RemoteAddr), zap.Error(err))
		e.bufs.Put(c.in)
		c.in = nil
		unix.Close(fd)
		e.limiter.Release()
	}

	if _, err := e.conns.insert(c); err != nil {
		abort(err)
		return
	}
	if err := e.poller.Register(fd, c.interest(), uint64(c.handle)); err != nil {
		e.conns.remove(c)
		abort(err)
		return
	}
	e.armIdle(c, true)

	e.opened.Add(1)
	e.metrics.accepted.Inc()
	e.metrics.active.Inc()
	e.logger.Debug("connection opened", zap.Int("fd", fd), zap.String("remote", c.RemoteAddr))
}
