// Package fdops defines the narrow interface boundary between the kernel
// core and the file-descriptor/filesystem collaborators that are out of
// scope for this repository (block devices, sockets, the VFS), and the
// in-kernel pipe (circbuf.Pipe_t) that implements the same interface. The
// core's syscall surface (read/write/open/close) and the VM manager's
// file-backed region support consume these interfaces; they never know the
// concrete type behind an Fdops_i.
package fdops

import (
	"defs"
	"mem"
	"stat"
)

// Userio_i abstracts a source or sink for a read/write transfer: a user
// buffer (vm.Userbuf_t) or a kernel-internal buffer standing in for user
// memory (vm.Fakeubuf_t). Every
// syscall that moves bytes between the kernel and a caller's address space
// goes through this interface so the copy loop (circbuf, pipes, sockets)
// never has to know which kind of buffer it was handed.
type Userio_i interface {
	// Uioread copies from the underlying buffer into dst.
	Uioread(dst []uint8) (int, defs.Err_t)
	// Uiowrite copies src into the underlying buffer.
	Uiowrite(src []uint8) (int, defs.Err_t)
	// Remain reports the number of bytes left untransferred.
	Remain() int
	// Totalsz reports the buffer's total size.
	Totalsz() int
}

// Mmapinfo_t describes one physical page backing a shared file mapping, so
// the VM manager can install it directly into a faulting address space
// without going through the CoW Table (shared file pages are not
// CoW-managed; every mapper sees the same frame by construction).
type Mmapinfo_t struct {
	Pg   *mem.Pg_t
	Phys mem.Pa_t
}

// Pollmsg_t is the narrow poll/select contract an fd's backing object uses
// to register interest in becoming readable or writable. The core's
// syscall surface never blocks directly on device readiness; it is the fd
// collaborator's job to park the calling thread (via ksync) and signal
// this channel when the condition it was waiting for becomes true.
type Pollmsg_t struct {
	Events  int
	Ready   chan int
}

// Fdops_i is the contract a file descriptor's backing object (a console,
// pipe, disk file, or socket) must satisfy. The kernel never calls
// anything on an open fd beyond this interface.
type Fdops_i interface {
	// Close releases the descriptor's resources.
	Close() defs.Err_t
	// Fstat fills in st with the descriptor's metadata.
	Fstat(st *stat.Stat_t) defs.Err_t
	// Read transfers from the backing object into dst.
	Read(dst Userio_i) (int, defs.Err_t)
	// Write transfers src into the backing object.
	Write(src Userio_i) (int, defs.Err_t)
	// Reopen increments any reference the backing object tracks, as part
	// of duplicating the owning Fd_t (dup, fork).
	Reopen() defs.Err_t
	// Mmapi returns the physical pages backing [offset, offset+pages) for
	// a shared file mapping; unsupported for backing objects that are not
	// file-like (returns EINVAL).
	Mmapi(offset, pages int, write bool) ([]Mmapinfo_t, defs.Err_t)
}
