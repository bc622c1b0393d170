//go:build linux

// started from https://github.com/xtaci/gaio/blob/master/aio_generic.go
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ErrEvents represents exceptional events that are not read/write, like socket being closed,
	// reading/writing from/to a closed socket, etc.
	ErrEvents = unix.EPOLLERR | unix.EPOLLHUP
	// InEvents combines EPOLLIN/EPOLLPRI events and some exceptional events.
	InEvents = ErrEvents | unix.EPOLLIN | unix.EPOLLPRI
	// OutEvents combines EPOLLOUT event and some exceptional events.
	OutEvents = ErrEvents | unix.EPOLLOUT

	InEventRaw  = unix.EPOLLIN | unix.EPOLLPRI
	OutEventRaw = unix.EPOLLOUT
)

// _EPOLLET value is incorrect in syscall
const _EPOLLET = 0x80000000

// Interest is the readiness mask a descriptor is registered with.
type Interest uint32

const (
	Readable      Interest = InEventRaw
	Writable      Interest = OutEventRaw
	EdgeTriggered Interest = _EPOLLET
	OneShot       Interest = unix.EPOLLONESHOT
)

// Reserved tokens. Connection handles never reach these values.
const (
	WakeToken     uint64 = math.MaxUint64
	ListenerToken uint64 = math.MaxUint64 - 1
)

var (
	// ErrRegistration means epoll_ctl refused an add or modify
	ErrRegistration = errors.New("registration failed")
	// ErrPollerClosed suggest that poller has closed
	ErrPollerClosed = errors.New("poller closed")
)

// Poller wraps one epoll instance and an eventfd used to interrupt Wait.
// Register, Modify, Unregister and Wait belong to a single goroutine;
// Wakeup may be called from anywhere.
type Poller struct {
	mu     sync.Mutex // guards efd against Close racing Wakeup
	pfd    int        // epoll fd
	efd    int        // eventfd
	efdbuf []byte

	maxEvents int
	raw       []unix.EpollEvent
}

func OpenPoll(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := newEpollEvent(WakeToken, uint32(Readable|EdgeTriggered))
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(fd)
		unix.Close(efd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}

	return &Poller{
		pfd:       fd,
		efd:       efd,
		efdbuf:    make([]byte, 8),
		maxEvents: maxEvents,
		raw:       make([]unix.EpollEvent, maxEvents),
	}, nil
}

// the token rides in the user data union: Fd holds the low half, Pad the high half
func newEpollEvent(token uint64, mask uint32) unix.EpollEvent {
	var ev unix.EpollEvent
	ev.Events = mask
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
	return ev
}

func eventToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

func (p *Poller) Register(fd int, interest Interest, token uint64) error {
	if fd < 0 {
		return fmt.Errorf("%w: fd %d: %v", ErrRegistration, fd, unix.EBADF)
	}
	ev := newEpollEvent(token, uint32(interest))
	if err := unix.EpollCtl(p.pfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("%w: epoll_ctl add fd %d: %v", ErrRegistration, fd, err)
	}
	return nil
}

// Modify replaces the interest of a registered descriptor. For a one-shot
// registration this is the re-arm; readiness already pending is reported
// on the next Wait.
func (p *Poller) Modify(fd int, interest Interest, token uint64) error {
	ev := newEpollEvent(token, uint32(interest))
	if err := unix.EpollCtl(p.pfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("%w: epoll_ctl mod fd %d: %v", ErrRegistration, fd, err)
	}
	return nil
}

func (p *Poller) Unregister(fd int) error {
	return unix.EpollCtl(p.pfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until events are ready or timeout elapses. A negative timeout
// blocks indefinitely and zero polls. Positive timeouts are rounded up to the
// millisecond so a deadline shorter than 1ms does not turn into a spin.
// Wakeups are consumed here and never returned as events.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}

	n, err := unix.EpollWait(p.pfd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	count := 0
	for i := 0; i < n; i++ {
		ev := &raw[i]
		token := eventToken(ev)
		if token == WakeToken {
			p.drain()
			continue
		}
		events[count] = Event{Token: token, Mask: ev.Events}
		count++
	}
	return count, nil
}

// Wakeup interrupts a blocked Wait.
func (p *Poller) Wakeup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.efd == -1 {
		return ErrPollerClosed
	}
	var x uint64 = 1
	// eventfd has set with EFD_NONBLOCK; EAGAIN means a wakeup is already pending
	_, err := unix.Write(p.efd, (*(*[8]byte)(unsafe.Pointer(&x)))[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *Poller) drain() {
	p.mu.Lock()
	if p.efd != -1 {
		unix.Read(p.efd, p.efdbuf) // simply consume
	}
	p.mu.Unlock()
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pfd == -1 {
		return ErrPollerClosed
	}
	err1 := unix.Close(p.efd)
	err2 := unix.Close(p.pfd)
	p.pfd = -1
	p.efd = -1
	if err1 != nil {
		return err1
	}
	return err2
}

// Errno values.
var (
	errEAGAIN error = syscall.EAGAIN
	errEINVAL error = syscall.EINVAL
	errENOENT error = syscall.ENOENT
)

// errnoErr returns common boxed Errno values, to prevent
// allocations at runtime.
func errnoErr(e syscall.Errno) error {
	switch e {
	case 0:
		return nil
	case syscall.EAGAIN:
		return errEAGAIN
	case syscall.EINVAL:
		return errEINVAL
	case syscall.ENOENT:
		return errENOENT
	}
	return e
}

var _zero uintptr

// raw read for nonblocking op to avert context switch
func RawRead(fd int, p []byte) (n int, err error) {
	var _p0 unsafe.Pointer
	if len(p) > 0 {
		_p0 = unsafe.Pointer(&p[0])
	} else {
		_p0 = unsafe.Pointer(&_zero)
	}
	r0, _, e1 := syscall.RawSyscall(syscall.SYS_READ, uintptr(fd), uintptr(_p0), uintptr(len(p)))
	n = int(r0)
	if e1 != 0 {
		err = errnoErr(e1)
	}
	return
}

// RawSend writes to a socket with MSG_NOSIGNAL, so a peer that has gone away
// yields EPIPE instead of SIGPIPE.
func RawSend(fd int, p []byte) (n int, err error) {
	var _p0 unsafe.Pointer
	if len(p) > 0 {
		_p0 = unsafe.Pointer(&p[0])
	} else {
		_p0 = unsafe.Pointer(&_zero)
	}
	r0, _, e1 := syscall.RawSyscall6(syscall.SYS_SENDTO, uintptr(fd), uintptr(_p0), uintptr(len(p)), uintptr(unix.MSG_NOSIGNAL), 0, 0)
	n = int(r0)
	if e1 != 0 {
		err = errnoErr(e1)
	}
	return
}
