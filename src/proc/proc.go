// Package proc implements the Process Table: the pid-keyed registry
// of process records, parent/child links, and the spawn/exit/reap/lookup
// contract. A Process_t bundles pid, nullable parent, state, address-space
// handle, thread list, file-descriptor-table handle, and accounting in the
// small-struct plus internal-lock shape accnt.Accnt_t uses, stored in
// a lock-free-read id table instead of a bare map-plus-mutex.
package proc

import "sync"
import "sync/atomic"

import "accnt"
import "defs"
import "fd"
import "hashtable"
import "ksync"
import "limits"
import "sched"
import "thread"
import "vm"

// State_t is a process's position in the three-state machine:
// New ⇒ address space built but no thread yet enqueued; Runnable ⇒ at
// least one thread is schedulable; Exited(code) ⇒ no runnable threads and
// no shared-memory references beyond the CoW Table's own refcounts.
type State_t int

const (
	New State_t = iota
	Runnable
	Exited
)

func (s State_t) String() string {
	switch s {
	case New:
		return "new"
	case Runnable:
		return "runnable"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Image_i abstracts program loading: populate a freshly created address
// space and report where its first thread should resume. An ELF loader or
// any other object format lives entirely behind this interface; this
// package only needs the entry point and initial stack pointer it returns.
type Image_i interface {
	Load(as *vm.Vm_t) (entry uintptr, stack uintptr, err defs.Err_t)
}

// Process_t is one process record. Threads, State, ExitCode,
// and children are guarded by mu; Fds and Acct are fixed for the
// process's lifetime once Spawn returns and need no lock of their own
// beyond what they already carry internally. AS is set by Spawn and
// replaced when an exec installs a new image (scall.ExecImage).
type Process_t struct {
	mu sync.Mutex

	Pid    defs.Pid_t
	Parent defs.Pid_t
	State  State_t
	// ExitCode is meaningful only once State == Exited; it may be a
	// user-chosen code (0-255) or one of defs's FatalBase-and-above codes
	// when the kernel itself terminated the process.
	ExitCode int

	AS   *vm.Vm_t
	Fds  *fd.Table_t
	Acct accnt.Accnt_t

	Threads map[defs.Tid_t]*thread.Thread_t
	children []defs.Pid_t

	// ChildExit is signaled once by Exit for each child that exits,
	// letting a parent block in a wait loop (Reap, then ChildExit.Wait)
		// without polling.
	ChildExit *ksync.Semaphore_t
}

func (p *Process_t) removeChild(pid defs.Pid_t) {
	for i, c := range p.children {
		if c == pid {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return
		}
	}
}

// AddThread registers an additional thread as belonging to p, used when a
// process creates more than the one thread Spawn gives it for free.
func (p *Process_t) AddThread(t *thread.Thread_t) {
	p.mu.Lock()
	p.Threads[t.Tid] = t
	p.mu.Unlock()
}

// Table_t is the kernel's single Process Table: pid-to-Process_t lookup
// backed by an id table with lock-free reads, plus monotonic pid and tid
// allocation. Pids are never reused; wrap-around of the 63-bit counter is
// not a practical concern.
type Table_t struct {
	ht      *hashtable.Idtable_t[defs.Pid_t, *Process_t]
	nextpid int64
	nexttid int64
}

// MkTable allocates a process table sized to hold at most size live
// processes without excessive hash-bucket chaining.
func MkTable(size int) *Table_t {
	return &Table_t{
		ht:      hashtable.MkIdtable[defs.Pid_t, *Process_t](size),
		nextpid: int64(defs.InitPid),
	}
}

func (pt *Table_t) allocPid() defs.Pid_t {
	return defs.Pid_t(atomic.AddInt64(&pt.nextpid, 1) - 1)
}

func (pt *Table_t) allocTid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt64(&pt.nexttid, 1))
}

// Lookup returns the process record for pid, if it is still present in the
// table (running or an unreaped zombie).
func (pt *Table_t) Lookup(pid defs.Pid_t) (*Process_t, bool) {
	return pt.ht.Get(pid)
}

// Spawn creates a new process: a fresh address space populated by img, and
// one initial thread resuming at img's reported entry point. The process
// starts in New state and is promoted to Runnable once its first thread is
// registered; the caller is responsible for enqueueing that thread onto a
// run queue, keeping the Process Table itself independent of any one
// scheduler policy.
func (pt *Table_t) Spawn(parent defs.Pid_t, img Image_i, fdmax int, priority int) (*Process_t, *thread.Thread_t, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, nil, -defs.ENOMEM
	}
	as, err := vm.Create_empty()
	if err != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, nil, err
	}
	entry, stack, err := img.Load(as)
	if err != 0 {
		as.Uvmfree()
		limits.Syslimit.Sysprocs.Give()
		return nil, nil, err
	}

	pid := pt.allocPid()
	p := &Process_t{
		Pid:       pid,
		Parent:    parent,
		State:     New,
		AS:        as,
		Fds:       fd.MkTable(fdmax),
		Threads:   make(map[defs.Tid_t]*thread.Thread_t),
		ChildExit: ksync.MkSemaphore(0),
	}

	tid := pt.allocTid()
	th := thread.New(tid, pid, thread.RoundRobin, priority)
	th.SetEntry(entry, stack, as)
	th.Acct = &p.Acct
	p.Threads[tid] = th
	p.State = Runnable

	pt.ht.Set(pid, p)
	if parent != defs.NoPid {
		if pp, ok := pt.Lookup(parent); ok {
			pp.mu.Lock()
			pp.children = append(pp.children, pid)
			pp.mu.Unlock()
		}
	}
	return p, th, 0
}

// Fork implements the Process/Thread Model's duplicate: a
// child process is created with a copy-on-write clone of parent's address
// space (vm.Fork) and a duplicated file-descriptor table (fd.Table_t.Fork),
// and exactly one child thread is created to resume where the caller
// syscall was issued. callerRegs is the parent thread's trap-time register
// file; the child's copy has Rax zeroed (fork's child-side return value)
// and Pmap repointed at the child address space, while the parent thread
// itself is left untouched so it can return normally with the child's pid.
//
// As with Spawn, the caller is responsible for enqueueing the returned
// thread onto a run queue.
func (pt *Table_t) Fork(parent *Process_t, callerRegs thread.Regs_t, priority int) (*Process_t, *thread.Thread_t, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, nil, -defs.ENOMEM
	}
	as, err := vm.Fork(parent.AS)
	if err != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, nil, err
	}
	fds, err := parent.Fds.Fork()
	if err != 0 {
		as.Uvmfree()
		limits.Syslimit.Sysprocs.Give()
		return nil, nil, err
	}

	pid := pt.allocPid()
	p := &Process_t{
		Pid:       pid,
		Parent:    parent.Pid,
		State:     New,
		AS:        as,
		Fds:       fds,
		Threads:   make(map[defs.Tid_t]*thread.Thread_t),
		ChildExit: ksync.MkSemaphore(0),
	}

	tid := pt.allocTid()
	th := thread.New(tid, pid, thread.RoundRobin, priority)
	th.Regs = callerRegs
	th.Regs.Rax = 0
	th.Regs.Pmap = uintptr(as.P_pmap)
	th.Acct = &p.Acct
	p.Threads[tid] = th
	p.State = Runnable

	pt.ht.Set(pid, p)
	parent.mu.Lock()
	parent.children = append(parent.children, pid)
	parent.mu.Unlock()
	return p, th, 0
}

// Exit transitions pid to Exited with the given code: every thread
// still owned by the process is doom-marked, any of them still sitting
// Ready on a run queue is pulled off it, the file-descriptor table is
// released, and the address space is torn down. It then wakes the parent's
// wait loop, if any. Calling Exit twice on the same pid is a no-op.
//
// A thread that is Blocked rather than Ready is only doom-marked here, not
// forcibly dequeued -- ksync's wait/notify paths do not yet re-check Doomed
// on wakeup, so a blocked thread belonging to an exiting process resumes
// normally and notices Doomed at its own next preemption point.
func (pt *Table_t) Exit(pid defs.Pid_t, code int) defs.Err_t {
	p, ok := pt.Lookup(pid)
	if !ok {
		return -defs.ESRCH
	}

	p.mu.Lock()
	if p.State == Exited {
		p.mu.Unlock()
		return 0
	}
	for _, t := range p.Threads {
		t.Doomed = true
		if t.State == thread.Ready && t.CPU != thread.NoCPU {
			sched.Cpu(t.CPU).Rq.Remove(t)
			t.State = thread.Exiting
		}
	}
	p.State = Exited
	p.ExitCode = code
	p.mu.Unlock()

	p.Fds.CloseAll()
	p.AS.Uvmfree()

	if pp, ok := pt.Lookup(p.Parent); ok {
		pp.ChildExit.Signal()
	}
	return 0
}

// Reap reports whether pid has already exited: if so, exited is true and
// code is its exit status, and the record is removed from the table and
// from its parent's child list (the zombie is consumed). If pid is absent
// or not a child that can still be reaped, err is ECHILD. A non-exited
// process yields (0, false, 0): the caller that wants to block until it
// does exit pairs Reap with its parent's ChildExit semaphore; until reaped
// the record is retained as a zombie.
func (pt *Table_t) Reap(pid defs.Pid_t) (code int, exited bool, err defs.Err_t) {
	p, ok := pt.Lookup(pid)
	if !ok {
		return 0, false, -defs.ECHILD
	}

	p.mu.Lock()
	if p.State != Exited {
		p.mu.Unlock()
		return 0, false, 0
	}
	code = p.ExitCode
	p.mu.Unlock()

	pt.ht.Del(pid)
	limits.Syslimit.Sysprocs.Give()
	if pp, ok := pt.Lookup(p.Parent); ok {
		pp.Acct.Add(&p.Acct)
		pp.mu.Lock()
		pp.removeChild(pid)
		pp.mu.Unlock()
	}
	return code, true, 0
}

// ReapAny behaves like Reap but scans parent's own child list for the
// first one already exited, implementing the WaitAny sentinel's semantics
// without the caller needing to enumerate children itself.
func (pt *Table_t) ReapAny(parent defs.Pid_t) (pid defs.Pid_t, code int, exited bool, err defs.Err_t) {
	pp, ok := pt.Lookup(parent)
	if !ok {
		return defs.NoPid, 0, false, -defs.ESRCH
	}
	pp.mu.Lock()
	kids := append([]defs.Pid_t(nil), pp.children...)
	pp.mu.Unlock()
	if len(kids) == 0 {
		return defs.NoPid, 0, false, -defs.ECHILD
	}
	for _, pid := range kids {
		if code, exited, _ := pt.Reap(pid); exited {
			return pid, code, true, 0
		}
	}
	return defs.NoPid, 0, false, 0
}
