// Package scall implements the Syscall Surface: the narrow,
// numbered set of nine operations ring-3 callers may invoke, and the only
// legitimate entry point into every other piece of this kernel. Every
// pointer argument is validated against the caller's own address space
// before use (vm.Vm_t.Mkuserbuf/Userdmap8_inner already do the
// translate-and-check-permissions work this package only has to invoke),
// and every length is bounded to a kernel-configurable maximum
// (defs.MaxIOSize) so a read/write can never walk off the end of the
// user-supplied buffer. Path resolution, directory semantics, and the
// actual storage behind an open file are external collaborators reached
// through fd.Fd_t/fdops.Fdops_i and this package's own Opener_i; this
// package's contract is validation and dispatch, not I/O.
package scall

import (
	"bounds"
	"defs"
	"fd"
	"fdops"
	"proc"
	"res"
	"sched"
	"thread"
	"trap"
	"ustr"
	"vm"
)

// MaxPath bounds the length of a path argument read from user memory, a
// boot-time constant in the same spirit as thread.KstackSize.
const MaxPath = 256

// Opener_i is the external filesystem/path-resolution collaborator the
// open syscall delegates to; this package never interprets a path beyond
// reading it out of user memory. mode is passed through unexamined: this
// narrow ABI treats it as the fd.FD_READ/FD_WRITE permission bits the
// newly opened descriptor should carry, not a POSIX open(2) flag word, so
// no flag-translation table is needed at this boundary.
type Opener_i interface {
	Open(path ustr.Ustr, mode int) (fdops.Fdops_i, defs.Err_t)
}

// Surface_t bundles the process table every syscall ultimately consults
// and the Opener_i collaborator the open syscall delegates to.
type Surface_t struct {
	Table  *proc.Table_t
	Opener Opener_i
	FDMax  int
}

// MkSurface builds a Syscall Surface over pt, allowing at most fdmax
// simultaneously open descriptors per process (Spawn/Fork are given this
// same bound).
func MkSurface(pt *proc.Table_t, opener Opener_i, fdmax int) *Surface_t {
	return &Surface_t{Table: pt, Opener: opener, FDMax: fdmax}
}

// InstallTrap registers this surface as the kernel's syscall handler
// (trap.RegisterSyscallHandler), the same registration-seam pattern
// arch.ShootdownFunc already uses to let trap avoid importing scall
// directly.
func (s *Surface_t) InstallTrap() {
	trap.RegisterSyscallHandler(s.Dispatch)
}

// encodeRax packs a syscall result into the single return register the
// ABI provides: the value on success, the negated error code on failure.
func encodeRax(val int, err defs.Err_t) uintptr {
	if err != 0 {
		return uintptr(int64(err))
	}
	return uintptr(val)
}

// Dispatch is the kernel's single syscall entry point, matching
// trap.SyscallHandler_f. regs.Rax carries the syscall number; arguments
// follow the Linux x86-64 register convention (rdi, rsi, rdx, r10, r8, r9)
// so r10 stands in for rcx, which the syscall instruction itself clobbers.
func (s *Surface_t) Dispatch(cpu *sched.Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	cur := cpu.Current
	if cur == nil {
		panic("scall: syscall trap with no current thread")
	}
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_SYSCALL_VALIDATE)) {
		cur.Regs.Rax = encodeRax(0, -defs.ENOHEAP)
		return cur
	}

	a0, a1, a2 := regs.Rdi, regs.Rsi, regs.Rdx

	sysno := defs.Sysno_t(regs.Rax)
	if sysno == defs.SYS_EXIT {
		return s.sysExit(cpu, cur, regs, a0)
	}

	parent, ok := s.Table.Lookup(cur.Pid)
	if !ok {
		cur.Regs.Rax = encodeRax(0, -defs.ESRCH)
		return cur
	}
	t0 := parent.Acct.Now()

	var val int
	var err defs.Err_t
	next := cur

	switch sysno {
	case defs.SYS_FORK:
		val, err = s.sysFork(parent, cur, regs)
	case defs.SYS_GETPID:
		val = int(cur.Pid)
	case defs.SYS_WAIT:
		val, err, next = s.sysWait(cpu, parent, cur, regs, a0)
	case defs.SYS_EXEC:
		// exec needs an Image_i to populate the new address space, which
		// cannot be decoded from a bare register argument (ELF loading is
		// out of this kernel's scope); callers invoke ExecImage
		// directly instead of going through the trap dispatcher.
		panic("scall: exec must be invoked via ExecImage, not Dispatch")
	case defs.SYS_READ:
		val, err = s.sysReadWrite(cur, parent, a0, a1, a2, false)
	case defs.SYS_WRITE:
		val, err = s.sysReadWrite(cur, parent, a0, a1, a2, true)
	case defs.SYS_OPEN:
		val, err = s.sysOpen(cur, parent, a0, int(a1))
	case defs.SYS_CLOSE:
		val, err = s.sysClose(parent, a0)
	default:
		err = -defs.EINVAL
	}

	parent.Acct.Finish(t0)
	if next == cur {
		cur.Regs.Rax = encodeRax(val, err)
	}
	return next
}

// sysExit implements exit: the owning process is
// torn down with the caller-chosen code (masked to the 0-255 user range,
// matching defs.FatalBase's convention that codes at or above it are
// kernel-generated) and the CPU switches to whatever thread the scheduler
// picks next.
func (s *Surface_t) sysExit(cpu *sched.Cpu_t, cur *thread.Thread_t, regs thread.Regs_t, a0 uintptr) *thread.Thread_t {
	code := int(uint8(a0))
	s.Table.Exit(cur.Pid, code)
	return sched.Exit(cpu, regs)
}

// sysFork implements fork: a
// copy-on-write child process is created via proc.Table_t.Fork and its one
// thread is enqueued Ready on the calling CPU; the parent's own syscall
// return value is the child's pid.
func (s *Surface_t) sysFork(parent *proc.Process_t, cur *thread.Thread_t, regs thread.Regs_t) (int, defs.Err_t) {
	child, childTh, err := s.Table.Fork(parent, regs, cur.Priority)
	if err != 0 {
		return 0, err
	}
	childTh.CPU = cur.CPU
	sched.Cpu(cur.CPU).Rq.Enqueue(childTh)
	return int(child.Pid), 0
}

// sysWait implements wait: it attempts exactly
// one reap, and if no child has exited yet, blocks once on the parent's
// ChildExit semaphore and returns whatever thread the scheduler picked
// instead. This kernel's wait/notify primitives have no internal retry
// loop; a
// thread that wakes from ChildExit.Wait with nothing yet reaped relies on
// its ABI trampoline re-issuing the wait syscall, the same one-shot
// contract every other blocking syscall in this surface follows.
func (s *Surface_t) sysWait(cpu *sched.Cpu_t, parent *proc.Process_t, cur *thread.Thread_t, regs thread.Regs_t, a0 uintptr) (int, defs.Err_t, *thread.Thread_t) {
	target := defs.Pid_t(int32(a0))

	var code int
	var exited bool
	var err defs.Err_t
	if target == defs.WaitAny {
		_, code, exited, err = s.Table.ReapAny(parent.Pid)
	} else {
		code, exited, err = s.Table.Reap(target)
	}
	if err != 0 {
		return 0, err, cur
	}
	if exited {
		return code, 0, cur
	}

	next := parent.ChildExit.Wait(cpu, regs)
	return 0, 0, next
}

// sysReadWrite implements both read and write: fdn's permission
// bits are checked against the requested direction, then the transfer runs
// through a Userbuf_t built over exactly the caller's address space, so
// every page the transfer touches is validated as it is touched rather
// than all at once up front.
func (s *Surface_t) sysReadWrite(cur *thread.Thread_t, parent *proc.Process_t, a0, a1, a2 uintptr, write bool) (int, defs.Err_t) {
	length := int(a2)
	if length < 0 || length > defs.MaxIOSize {
		return 0, -defs.EINVAL
	}
	f, err := parent.Fds.Get(int(a0))
	if err != 0 {
		return 0, err
	}
	need := fd.FD_READ
	if write {
		need = fd.FD_WRITE
	}
	if f.Perms&need == 0 {
		return 0, -defs.EPERM
	}

	ub := cur.AS.Mkuserbuf(int(a1), length)
	if write {
		return f.Fops.Write(ub)
	}
	return f.Fops.Read(ub)
}

// sysOpen implements open: the path argument is copied out of user
// memory and handed to the Opener_i collaborator, and the returned backing
// object is installed in the calling process's descriptor table.
func (s *Surface_t) sysOpen(cur *thread.Thread_t, parent *proc.Process_t, a0 uintptr, mode int) (int, defs.Err_t) {
	if s.Opener == nil {
		return 0, -defs.EINVAL
	}
	path, err := s.readPath(cur, a0)
	if err != 0 {
		return 0, err
	}
	fops, err := s.Opener.Open(path, mode)
	if err != 0 {
		return 0, err
	}
	nfd := &fd.Fd_t{Fops: fops, Perms: mode}
	fdn, err := parent.Fds.Add(nfd)
	if err != 0 {
		fd.Close_panic(nfd)
		return 0, err
	}
	return fdn, 0
}

// sysClose implements close.
func (s *Surface_t) sysClose(parent *proc.Process_t, a0 uintptr) (int, defs.Err_t) {
	if err := parent.Fds.Close(int(a0)); err != 0 {
		return 0, err
	}
	return 0, 0
}

// readPath copies a NUL-terminated path of at most MaxPath bytes out of
// cur's address space starting at uva, the same bounded-copy contract
// every other user-memory access in this surface follows.
func (s *Surface_t) readPath(cur *thread.Thread_t, uva uintptr) (ustr.Ustr, defs.Err_t) {
	buf := make([]uint8, MaxPath)
	ub := cur.AS.Mkuserbuf(int(uva), MaxPath)
	n, err := ub.Uioread(buf)
	if err != 0 {
		return nil, err
	}
	return ustr.MkUstrSlice(buf[:n]), 0
}

// ExecImage implements exec for callers that already have an
// Image_i ready to load -- the ELF-parsing or other format-specific work
// that would turn a user-supplied pointer and argv into one is out of this
// kernel's scope and must happen before this is called. The calling
// thread's address space is replaced in place; on success it never
// returns to the caller in the conventional sense (the old image is gone),
// on failure the syscall-style encoded error is left in Rax and the
// caller's old image is left intact.
func (s *Surface_t) ExecImage(cur *thread.Thread_t, regs thread.Regs_t, img proc.Image_i) *thread.Thread_t {
	parent, ok := s.Table.Lookup(cur.Pid)
	if !ok {
		cur.Regs.Rax = encodeRax(0, -defs.ESRCH)
		return cur
	}

	as, err := vm.Create_empty()
	if err != 0 {
		cur.Regs.Rax = encodeRax(0, err)
		return cur
	}
	entry, stack, err := img.Load(as)
	if err != 0 {
		as.Uvmfree()
		cur.Regs.Rax = encodeRax(0, err)
		return cur
	}

	old := parent.AS
	parent.AS = as
	cur.SetEntry(entry, stack, as)
	old.Uvmfree()
	return cur
}
