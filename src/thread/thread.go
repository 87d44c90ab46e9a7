// Package thread defines the kernel's thread-control block: identity,
// state machine, and saved architectural register file.
// A Thread_t carries no lock of its own -- every field is mutated only by
// whichever container currently owns the thread (a RunQueue_t, a sync
// primitive's wait queue, or the per-CPU scheduler running it), under that
// container's lock, mirroring the way mem.Physmem_t guards its own frames
// rather than asking each frame to protect itself.
package thread

import "accnt"
import "defs"
import "vm"

/// State_t is a thread's position in the state machine: Running means in
/// no queue at all; Ready means in exactly one run queue; Blocked means in
/// exactly one wait queue; the saved register file is meaningful only when
/// State != Running.
type State_t int

const (
	Ready State_t = iota
	Running
	Blocked
	Exiting
)

func (s State_t) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exiting:
		return "exiting"
	default:
		return "unknown"
	}
}

/// Policy_t selects the run-queue discipline a thread was spawned with:
/// RoundRobin decrements quantum on every tick, Priority picks the
/// highest non-empty priority bucket, FIFO never decrements quantum.
type Policy_t int

const (
	RoundRobin Policy_t = iota
	Priority
	FIFO
)

/// Regs_t is the full architectural state the scheduler saves and restores
/// across a context switch: the integer register set, instruction
/// pointer, stack pointer, flags, and the address space active when the
/// thread last ran.
type Regs_t struct {
	Rax, Rbx, Rcx, Rdx uintptr
	Rsi, Rdi, Rbp      uintptr
	R8, R9, R10, R11   uintptr
	R12, R13, R14, R15 uintptr
	Rip, Rsp, Rflags   uintptr
	// Pmap is the physical address of the active address space's top-level
	// page-table page at the time this thread was last scheduled out.
	Pmap uintptr
}

/// NoCPU marks a thread not currently assigned to any logical CPU.
const NoCPU = -1

/// Thread_t is one schedulable execution context.
type Thread_t struct {
	Tid   defs.Tid_t
	Pid   defs.Pid_t
	State State_t
	Regs  Regs_t

	// AS is the address space this thread executes in. The scheduler
	// compares it against a CPU's currently active space at context-switch
	// step 4 to decide whether activate is owed.
	AS *vm.Vm_t

	// Kstack is the thread's kernel stack, used whenever it executes in
	// kernel mode; distinct from any user stack and never mapped at user
	// permission.
	Kstack []byte

	// Acct points at the owning process's accounting record so the
	// scheduler can charge a quantum's user time without a process-table
	// lookup on the hot path.
	Acct *accnt.Accnt_t

	Policy   Policy_t
	Priority int
	Quantum  int
	qfull    int
	CPU      int

	// Doomed is set when the owning process exits while this thread is
	// running elsewhere; the next preemption point notices it and
	// transitions the thread to Exiting instead of re-enqueueing it.
	Doomed bool

	// BlockReason and BlockQueue record why a Blocked thread is parked and
		// the identity of the queue holding it, for diagnostics only.
	BlockReason string
	BlockQueue  uintptr

	// Next and Prev link this thread into whichever run queue or wait
	// queue currently holds it. A thread is never in more than one queue
		// at a time, so the two kinds of container share these fields
	// rather than each allocating its own linkage node.
	Next, Prev *Thread_t
}

/// KstackSize is the default kernel stack allocation, generous enough for
/// deep call chains through the trap dispatcher and syscall surface
/// without guard-page support (demand paging is out of scope).
const KstackSize = 16 * 1024

/// New allocates a thread control block in Ready state with a fresh kernel
/// stack. The caller must still populate Regs (via SetEntry) before the
/// thread is ever enqueued.
func New(tid defs.Tid_t, pid defs.Pid_t, policy Policy_t, priority int) *Thread_t {
	t := &Thread_t{
		Tid:      tid,
		Pid:      pid,
		State:    Ready,
		Kstack:   make([]byte, KstackSize),
		Policy:   policy,
		Priority: priority,
		CPU:      NoCPU,
	}
	t.qfull = quantumFor(priority)
	t.Quantum = t.qfull
	return t
}

// quantumFor derives a priority bucket's tick-count quantum: 10 ticks at
// priority 0 (the highest), one tick fewer for each lower priority level,
// and never less than 1.
func quantumFor(priority int) int {
	q := 10 - priority
	if q < 1 {
		q = 1
	}
	return q
}

/// SetEntry installs the register state a freshly spawned thread resumes
/// at: instruction pointer, stack pointer, and the address space it
/// belongs to.
func (t *Thread_t) SetEntry(rip, rsp uintptr, as *vm.Vm_t) {
	t.AS = as
	t.Regs = Regs_t{Rip: rip, Rsp: rsp, Pmap: uintptr(as.P_pmap)}
}

/// RefillQuantum resets a thread's remaining quantum to its policy's full
/// value, done each time it is dispatched.
func (t *Thread_t) RefillQuantum() {
	t.Quantum = t.qfull
}

/// Tick consumes one quantum unit and reports whether it has been
/// exhausted. FIFO-policy threads never exhaust.
func (t *Thread_t) Tick() bool {
	if t.Policy == FIFO {
		return false
	}
	t.Quantum--
	return t.Quantum <= 0
}

/// List_t is an intrusive FIFO list of threads linked through their own
/// Next/Prev fields: no allocation per enqueue, O(1) push/pop, used by
/// both RunQueue_t's priority buckets and every sync primitive's wait
/// queue. Guarded by whichever container embeds it, not by itself.
type List_t struct {
	head, tail *Thread_t
	n          int
}

/// Len returns the number of threads currently linked.
func (l *List_t) Len() int { return l.n }

/// PushBack appends t to the tail of the list.
func (l *List_t) PushBack(t *Thread_t) {
	t.Next = nil
	t.Prev = l.tail
	if l.tail != nil {
		l.tail.Next = t
	} else {
		l.head = t
	}
	l.tail = t
	l.n++
}

/// PopFront removes and returns the thread at the head of the list, the
/// one that has been waiting longest.
func (l *List_t) PopFront() *Thread_t {
	t := l.head
	if t == nil {
		return nil
	}
	l.Remove(t)
	return t
}

/// Remove detaches t from the list. t must currently be linked into l.
func (l *List_t) Remove(t *Thread_t) {
	if t.Prev != nil {
		t.Prev.Next = t.Next
	} else {
		l.head = t.Next
	}
	if t.Next != nil {
		t.Next.Prev = t.Prev
	} else {
		l.tail = t.Prev
	}
	t.Next, t.Prev = nil, nil
	l.n--
}
