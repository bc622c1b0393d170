package evhttpd

import (
	"fmt"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
)

// Handle identifies a connection by table slot and generation. Descriptors
// get reused by the kernel as soon as they are closed; a Handle does not,
// because removing a connection bumps its slot's generation.
type Handle uint64

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) Index() uint32 { return uint32(h) }
func (h Handle) Gen() uint32   { return uint32(h >> 32) }

type slot struct {
	gen  uint32
	conn *Conn
}

// connTable is an arena of live connections. Only the event loop mutates it;
// byFd may be read from any goroutine.
type connTable struct {
	slots []slot
	free  []uint32
	live  int
	byFd  *csmap.CsMap[int, Handle]
}

func newConnTable() *connTable {
	return &connTable{
		byFd: csmap.Create[int, Handle](),
	}
}

func (t *connTable) insert(c *Conn) (Handle, error) {
	if h, ok := t.byFd.Load(c.Fd); ok {
		return 0, fmt.Errorf("%w: fd %d already tracked as %#x", ErrRegistration, c.Fd, uint64(h))
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		// generation 0 is never handed out
		t.slots = append(t.slots, slot{gen: 1})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.conn = c
	h := makeHandle(idx, s.gen)
	c.handle = h

	t.byFd.Store(c.Fd, h)
	t.live++
	return h, nil
}

// lookup resolves h, returning nil when the slot was freed or reused since.
func (t *connTable) lookup(h Handle) *Conn {
	idx := h.Index()
	if int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if s.gen != h.Gen() || s.conn == nil {
		return nil
	}
	return s.conn
}

func (t *connTable) remove(c *Conn) bool {
	if t.lookup(c.handle) != c {
		return false
	}
	idx := c.handle.Index()
	s := &t.slots[idx]
	s.conn = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t.free = append(t.free, idx)
	t.live--

	if h, ok := t.byFd.Load(c.Fd); ok && h == c.handle {
		t.byFd.Delete(c.Fd)
	}
	return true
}

func (t *connTable) snapshot() []*Conn {
	conns := make([]*Conn, 0, t.live)
	for i := range t.slots {
		if c := t.slots[i].conn; c != nil {
			conns = append(conns, c)
		}
	}
	return conns
}

// count may be called from any goroutine.
func (t *connTable) count() int {
	return t.byFd.Count()
}
