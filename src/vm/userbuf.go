package vm

import (
	"fmt"

	"bounds"
	"defs"
	"res"
)

// Userbuf_t is a cursor over a user-memory range that the fd layer and the
// syscall surface transfer through. Each page-sized chunk is validated and
// faulted in under the address-space lock as the cursor reaches it, so a
// transfer is atomic with respect to page faults without pinning the whole
// range up front.
type Userbuf_t struct {
	userva int
	len    int
	// 0 <= off <= len
	off int
	as  *Vm_t
}

func (ub *Userbuf_t) ub_init(as *Vm_t, uva, len int) {
	if len < 0 {
		panic("negative length")
	}
	if len >= 1<<39 {
		fmt.Printf("suspiciously large user buffer (%v)\n", len)
	}
	ub.userva = uva
	ub.len = len
	ub.off = 0
	ub.as = as
}

// Remain returns the bytes the cursor has not yet transferred.
func (ub *Userbuf_t) Remain() int {
	return ub.len - ub.off
}

// Totalsz returns the range's total size.
func (ub *Userbuf_t) Totalsz() int {
	return ub.len
}

// Uioread copies from user memory into dst, returning the bytes copied.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	a, b := ub._tx(dst, false)
	ub.as.Unlock_pmap()
	return a, b
}

// Uiowrite copies src into user memory, returning the bytes copied.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	a, b := ub._tx(src, true)
	ub.as.Unlock_pmap()
	return a, b
}

// _tx moves min(len(buf), Remain()) bytes in the direction write says. On
// a mid-transfer error the cursor stays where the error struck so the
// operation can report a partial count and be restarted.
func (ub *Userbuf_t) _tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERBUF_T__TX)) {
			return ret, -defs.ENOHEAP
		}
		va := ub.userva + ub.off
		ubuf, err := ub.as.Userdmap8_inner(va, write)
		if err != 0 {
			return ret, err
		}
		end := ub.off + len(ubuf)
		if end > ub.len {
			left := ub.len - ub.off
			ubuf = ubuf[:left]
		}
		var c int
		if write {
			c = copy(ubuf, buf)
		} else {
			c = copy(buf, ubuf)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

// Fakeubuf_t satisfies the same transfer contract as Userbuf_t but over a
// kernel buffer, for paths that feed kernel-resident bytes into code
// written against user-memory cursors (exec argument setup, tests).
type Fakeubuf_t struct {
	fbuf []uint8
	off  int
	len  int
}

// Fake_init points the cursor at buf.
func (fb *Fakeubuf_t) Fake_init(buf []uint8) {
	fb.fbuf = buf
	fb.len = len(fb.fbuf)
}

// Remain returns the bytes not yet transferred.
func (fb *Fakeubuf_t) Remain() int {
	return len(fb.fbuf)
}

// Totalsz returns the buffer's total size.
func (fb *Fakeubuf_t) Totalsz() int {
	return fb.len
}

func (fb *Fakeubuf_t) _tx(buf []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.fbuf, buf)
	} else {
		c = copy(buf, fb.fbuf)
	}
	fb.fbuf = fb.fbuf[c:]
	return c, 0
}

// Uioread copies from the kernel buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	return fb._tx(dst, false)
}

// Uiowrite copies src into the kernel buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	return fb._tx(src, true)
}
