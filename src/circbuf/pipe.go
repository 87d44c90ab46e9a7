package circbuf

import (
	"sync"

	"defs"
	"fdops"
	"mem"
	"stat"
)

// Pipe_t adapts a Circbuf_t into the fdops.Fdops_i contract an open file
// descriptor's backing object must satisfy, giving the read/write syscalls
// an in-kernel data source that needs no storage driver behind it: an
// anonymous pipe. A bare Circbuf_t is single-owner; Pipe_t serializes
// Read/Write so a forked process's inherited fd can share one pipe with
// its parent.
type Pipe_t struct {
	mu sync.Mutex
	cb Circbuf_t
}

// MkPipe allocates a Pipe_t backed by one page-sized circular buffer,
// lazily allocated on first use the same way Circbuf_t itself defers
// allocation (Cb_ensure).
func MkPipe(m mem.Page_i) *Pipe_t {
	p := &Pipe_t{}
	p.cb.Cb_init(mem.PGSIZE, m)
	return p
}

func (p *Pipe_t) Close() defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb.Cb_release()
	return 0
}

func (p *Pipe_t) Fstat(st *stat.Stat_t) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.Wsize(uint(p.cb.Used()))
	return 0
}

// Read drains up to dst's capacity from the pipe. Like Circbuf_t itself, an
// empty pipe returns (0, 0) rather than blocking; a caller that wants
// blocking semantics parks on its own wait channel before retrying the
// read, the same one-shot-syscall contract scall.Dispatch's other blocking
// calls follow.
func (p *Pipe_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb.Copyout(dst)
}

// Write appends up to src's remaining bytes to the pipe; a full pipe
// returns (0, 0), mirroring Read's non-blocking contract.
func (p *Pipe_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb.Copyin(src)
}

// Reopen has nothing to do: Pipe_t carries no open-file reference count of
// its own, unlike a file-backed Fdops_i.
func (p *Pipe_t) Reopen() defs.Err_t {
	return 0
}

// Mmapi is unsupported: a pipe is not file-like and has no physical pages
// to hand to a shared mapping.
func (p *Pipe_t) Mmapi(offset, pages int, write bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

var _ fdops.Fdops_i = (*Pipe_t)(nil)
