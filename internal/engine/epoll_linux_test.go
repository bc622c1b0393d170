//go:build linux

package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func openPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := OpenPoll(16)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPollerOneShotSuppressesUntilModify(t *testing.T) {
	p := openPoller(t)
	local, peer := socketPair(t)

	const token uint64 = 7<<32 | 3
	require.NoError(t, p.Register(local, Readable|EdgeTriggered|OneShot, token))

	_, err := unix.Write(peer, []byte("first"))
	require.NoError(t, err)

	events := make([]Event, 16)
	n, err := p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, token, events[0].Token)
	assert.True(t, events[0].Readable())
	assert.False(t, events[0].Failed())

	// more data while disarmed: no event
	_, err = unix.Write(peer, []byte("second"))
	require.NoError(t, err)
	n, err = p.Wait(events, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	// re-arming reports the data that is already there
	require.NoError(t, p.Modify(local, Readable|EdgeTriggered|OneShot, token))
	n, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, token, events[0].Token)
}

func TestPollerEdgeTriggeredReportsOncePerTransition(t *testing.T) {
	p := openPoller(t)
	local, peer := socketPair(t)
	require.NoError(t, p.Register(local, Readable|EdgeTriggered, 1))

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)

	events := make([]Event, 16)
	n, err := p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// still readable, but no new transition
	n, err = p.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollerRegisterErrors(t *testing.T) {
	p := openPoller(t)
	local, _ := socketPair(t)

	err := p.Register(-1, Readable, 1)
	assert.True(t, errors.Is(err, ErrRegistration))

	require.NoError(t, p.Register(local, Readable, 1))
	err = p.Register(local, Readable, 2)
	assert.True(t, errors.Is(err, ErrRegistration), "duplicate registration: %v", err)

	require.NoError(t, p.Unregister(local))
	err = p.Modify(local, Readable, 1)
	assert.True(t, errors.Is(err, ErrRegistration))
}

func TestPollerWakeupInterruptsWait(t *testing.T) {
	p := openPoller(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wakeup()
	}()

	events := make([]Event, 4)
	start := time.Now()
	n, err := p.Wait(events, -1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPollerWaitConsumesWakeup(t *testing.T) {
	p := openPoller(t)
	require.NoError(t, p.Wakeup())
	require.NoError(t, p.Wakeup())

	events := make([]Event, 4)
	n, err := p.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "the wakeup token is never handed to the caller")

	// both writes were read back inside Wait, so nothing is left to report
	n, err = p.Wait(events, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	buf := make([]byte, 8)
	_, err = unix.Read(p.efd, buf)
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestPollerWaitHonoursTimeout(t *testing.T) {
	p := openPoller(t)
	events := make([]Event, 4)

	start := time.Now()
	n, err := p.Wait(events, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// sub-millisecond timeouts round up instead of polling
	start = time.Now()
	_, err = p.Wait(events, 100*time.Microsecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Microsecond)
}

func TestPollerReportsHangup(t *testing.T) {
	p := openPoller(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, p.Register(fds[0], Readable|EdgeTriggered|OneShot, 9))
	unix.Close(fds[1])

	events := make([]Event, 4)
	n, err := p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Failed())
}

func TestPollerClose(t *testing.T) {
	p, err := OpenPoll(4)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Close(), ErrPollerClosed)
	assert.ErrorIs(t, p.Wakeup(), ErrPollerClosed)
}

func TestRawSendToClosedPeer(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	unix.Close(fds[1])

	_, err = RawSend(fds[0], []byte("hello"))
	assert.ErrorIs(t, err, unix.EPIPE)
}
