package evhttpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePacking(t *testing.T) {
	h := makeHandle(7, 3)
	assert.Equal(t, uint32(7), h.Index())
	assert.Equal(t, uint32(3), h.Gen())
}

func TestConnTableGeneration(t *testing.T) {
	tbl := newConnTable()

	a := &Conn{Fd: 10}
	ha, err := tbl.insert(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ha.Gen())
	assert.Same(t, a, tbl.lookup(ha))
	assert.Equal(t, 1, tbl.count())

	require.True(t, tbl.remove(a))
	assert.Nil(t, tbl.lookup(ha))
	assert.False(t, tbl.remove(a), "second remove")
	assert.Equal(t, 0, tbl.count())

	// the kernel hands out the same fd again; the slot is reused with a new generation
	b := &Conn{Fd: 10}
	hb, err := tbl.insert(b)
	require.NoError(t, err)
	assert.Equal(t, ha.Index(), hb.Index())
	assert.NotEqual(t, ha, hb)
	assert.Nil(t, tbl.lookup(ha), "stale handle must not resolve to the new conn")
	assert.Same(t, b, tbl.lookup(hb))
}

func TestConnTableDuplicateFd(t *testing.T) {
	tbl := newConnTable()
	_, err := tbl.insert(&Conn{Fd: 4})
	require.NoError(t, err)
	_, err = tbl.insert(&Conn{Fd: 4})
	assert.ErrorIs(t, err, ErrRegistration)
	assert.Equal(t, 1, tbl.live)
}

func TestConnTableSnapshot(t *testing.T) {
	tbl := newConnTable()
	conns := make([]*Conn, 5)
	for i := range conns {
		conns[i] = &Conn{Fd: 100 + i}
		_, err := tbl.insert(conns[i])
		require.NoError(t, err)
	}
	tbl.remove(conns[2])

	snap := tbl.snapshot()
	assert.Len(t, snap, 4)
	assert.NotContains(t, snap, conns[2])
	assert.Nil(t, tbl.lookup(Handle(1<<40)), "out of range")
}
