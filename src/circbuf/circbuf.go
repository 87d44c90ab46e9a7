// Package circbuf implements the page-backed circular byte buffer behind
// the kernel's pipes. A Circbuf_t is single-owner: it takes no lock of its
// own, and Pipe_t layers the serialization an fd shared across a fork
// needs.
package circbuf

import (
	"defs"
	"fdops"
	"mem"
)

// Circbuf_t is a circular buffer over at most one physical page. head and
// tail advance monotonically; their difference is the byte count in
// flight and each is reduced mod bufsz only at access time.
type Circbuf_t struct {
	mem   mem.Page_i
	Buf   []uint8
	bufsz int
	head  int
	tail  int
	p_pg  mem.Pa_t
}

// Bufsz returns the buffer's capacity in bytes.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

// Cb_init records the buffer size and allocator but defers allocating the
// backing page until the first transfer, so a pipe that is opened and
// closed without traffic never costs a frame. An undersized or page-
// exceeding size is a caller bug.
func (cb *Circbuf_t) Cb_init(sz int, m mem.Page_i) defs.Err_t {
	bufmax := int(mem.PGSIZE)
	if sz <= 0 || sz > bufmax {
		panic("bad circbuf size")
	}
	cb.mem = m
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

// Cb_init_phys backs the buffer with an already-allocated page, taking a
// reference on it.
func (cb *Circbuf_t) Cb_init_phys(v []uint8, p_pg mem.Pa_t, m mem.Page_i) {
	cb.mem = m
	cb.mem.Refup(p_pg)
	cb.p_pg = p_pg
	cb.Buf = v
	cb.bufsz = len(cb.Buf)
	cb.head, cb.tail = 0, 0
}

// Cb_release drops the buffer's page reference and empties it. A buffer
// that was never forced (no traffic) has nothing to release.
func (cb *Circbuf_t) Cb_release() {
	if cb.Buf == nil {
		return
	}
	cb.mem.Refdown(cb.p_pg)
	cb.p_pg = 0
	cb.Buf = nil
	cb.head, cb.tail = 0, 0
}

// Cb_ensure forces the deferred page allocation, failing with ENOMEM only
// at the point a transfer actually needs the memory.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.Buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	pg, p_pg, ok := cb.mem.Refpg_new_nozero()
	if !ok {
		return -defs.ENOMEM
	}
	bpg := mem.Pg2bytes(pg)[:]
	bpg = bpg[:cb.bufsz]
	cb.Cb_init_phys(bpg, p_pg, cb.mem)
	return 0
}

// Full reports whether the buffer can accept no more bytes.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

// Empty reports whether the buffer holds no bytes.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

// Left returns the free capacity in bytes.
func (cb *Circbuf_t) Left() int {
	return cb.bufsz - (cb.head - cb.tail)
}

// Used returns the number of buffered bytes.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

// Copyin fills the buffer from src, stopping at the buffer's capacity or
// src's end, and returns the bytes consumed. A full buffer returns (0, 0);
// blocking is the caller's concern.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	// the free space may wrap; fill the tail end of the buffer first
	if ti <= hi {
		dst := cb.Buf[hi:]
		wrote, err := src.Uioread(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, 0
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("wut?")
	}
	dst := cb.Buf[hi:ti]
	wrote, err := src.Uioread(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, 0
}

// Copyout drains the whole buffer into dst.
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, defs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

// Copyout_n drains up to max bytes into dst (0 means no bound) and returns
// the bytes transferred. An empty buffer returns (0, 0).
func (cb *Circbuf_t) Copyout_n(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	// the data may wrap; drain the tail end of the buffer first
	if hi <= ti {
		src := cb.Buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uiowrite(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, 0
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("wut?")
	}
	src := cb.Buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uiowrite(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, 0
}
