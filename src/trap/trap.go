// Package trap implements the Trap Dispatcher and the Page-Fault Handler:
// routing from an IDT vector number to the collaborator that
// owns it, and the kernel-internal bridge between a hardware page fault and
// vm.Vm_t.Pgfault, which already implements the CoW/demand-paging
// classification this package only has to reach. A fatal trap -- a
// protection violation, an illegal instruction, a fault outside any region
// -- terminates the owning process alone and switches away, the same way
// proc.Table_t.Exit already isolates failures to one Process_t.
package trap

import (
	"fmt"

	"caller"
	"defs"
	"diag"
	"proc"
	"sched"
	"thread"
)

// Decision_t reports what Dispatch did with a trap, letting the
// architecture-specific entry trampoline (out of this tree's scope) know
// whether to resume cpu.Current directly or load whatever thread Switch
// returned.
type Decision_t int

const (
	// Resumed means the faulting thread itself continues; no context
	// switch happened (a successful demand-paging or CoW page fault).
	Resumed Decision_t = iota
	// Rescheduled means the outgoing thread stopped running -- it was
	// ticked off its quantum, blocked, or killed -- and a different
	// thread is now Running on cpu.
	Rescheduled
)

// Outcome_t is Dispatch's report of what happened and who is now running.
type Outcome_t struct {
	Decision Decision_t
	Next     *thread.Thread_t
}

// IRQHandler_f is the contract an interrupt-driven collaborator (timer,
// keyboard, disk) registers for its own vector; Dispatch calls it with the
// interrupting CPU's scheduling state and saved registers and forwards
// whatever thread it returns.
type IRQHandler_f func(cpu *sched.Cpu_t, regs thread.Regs_t) *thread.Thread_t

var irqHandlers = make(map[defs.Trapno_t]IRQHandler_f)

// RegisterIRQ installs handler as the owner of vector. Called once per
// vector during boot, mirroring arch.ShootdownFunc's registration seam.
func RegisterIRQ(vector defs.Trapno_t, handler IRQHandler_f) {
	irqHandlers[vector] = handler
}

// SyscallHandler_f is the seam the Syscall Surface installs itself
// behind, keeping this package free of any import on scall and avoiding the
// import cycle that would otherwise result from scall needing to register
// itself here.
type SyscallHandler_f func(cpu *sched.Cpu_t, regs thread.Regs_t) *thread.Thread_t

var syscallHandler SyscallHandler_f

// RegisterSyscallHandler installs the kernel's single syscall entry point.
// Dispatch panics on TRAP_SYSCALL if none has been registered.
func RegisterSyscallHandler(h SyscallHandler_f) {
	syscallHandler = h
}

var table *proc.Table_t

// Init records the process table Dispatch consults to terminate a process
// on a fatal trap. Must be called once during boot before Dispatch is ever
// invoked with a real trap.
func Init(pt *proc.Table_t) {
	table = pt
}

// Dispatch routes one trap to its handler: architectural exceptions
// 0-31 other than the page fault are always fatal to the thread that took
// them (this kernel does not emulate floating point, single-step, or
// alignment-fault recovery); the page fault (14) goes through pagefault;
// remapped IRQ vectors and the syscall vector go through their registered
// handlers. faultaddr and ecode are only meaningful for TRAP_PGFLT and are
// ignored otherwise.
func Dispatch(cpu *sched.Cpu_t, vector defs.Trapno_t, regs thread.Regs_t, faultaddr uintptr, ecode uintptr) Outcome_t {
	cur := cpu.Current

	switch vector {
	case defs.TRAP_PGFLT:
		return pagefault(cpu, cur, regs, faultaddr, ecode)

	case defs.TRAP_SYSCALL:
		if syscallHandler == nil {
			panic("trap: no syscall handler registered")
		}
		next := syscallHandler(cpu, regs)
		return resultOf(cur, next)

	case defs.TRAP_TIMER:
		next := sched.Tick(cpu, regs)
		return resultOf(cur, next)

	default:
		if h, ok := irqHandlers[vector]; ok {
			next := h(cpu, regs)
			return resultOf(cur, next)
		}
		// An unhandled architectural exception (divide error, GPF,
		// illegal opcode, ...) kills the faulting process; there is no
		// recovery path for any of them in this kernel.
		return killProcess(cpu, cur, regs, fmt.Sprintf("unhandled trap %d", vector), defs.FatalIllegal)
	}
}

// pagefault bridges a raw hardware page fault into vm.Vm_t.Pgfault, which
// already implements the CoW/demand-paging classification.
// defs.Pgflterr_t's WRITE and USER bits are numerically identical to
// mem.PTE_W and mem.PTE_U, so ecode is passed straight through with no
// translation.
func pagefault(cpu *sched.Cpu_t, cur *thread.Thread_t, regs thread.Regs_t, faultaddr uintptr, ecode uintptr) Outcome_t {
	if cur == nil {
		panic("trap: page fault with no current thread")
	}
	err := cur.AS.Pgfault(cur.Tid, faultaddr, ecode)
	if err == 0 {
		return Outcome_t{Decision: Resumed, Next: cur}
	}

	reason := diag.Crash("fatal page fault", cur.Pid, regs.Rip, faultaddr, nil)
	return killProcess(cpu, cur, regs, reason, defs.FatalProtection)
}

// dedup is shared across every fatal-trap call site so a process that
// keeps re-faulting (e.g. a doomed thread still running briefly before its
// next preemption point) prints its diagnostic once, not on every
// occurrence.
var dedup caller.Distinct_caller_t

func init() {
	dedup.Enabled = true
}

// killProcess terminates cur's owning process with a kernel-generated
// fatal exit code, prints a diagnostic on first occurrence of this call
// chain, and switches away. Sibling processes keep running: Exit only ever
// touches threads belonging to the one Process_t being torn down.
func killProcess(cpu *sched.Cpu_t, cur *thread.Thread_t, regs thread.Regs_t, reason string, code int) Outcome_t {
	if first, stack := dedup.Distinct(); first {
		fmt.Printf("trap: %s\n%s", reason, stack)
	}
	if table != nil {
		table.Exit(cur.Pid, code)
	}
	next := sched.Exit(cpu, regs)
	return Outcome_t{Decision: Rescheduled, Next: next}
}

// resultOf reports Resumed when the thread now running on cpu is the same
// one that was running when Dispatch was entered, and Rescheduled
// otherwise -- the common classification every non-fault trap path needs.
func resultOf(cur *thread.Thread_t, next *thread.Thread_t) Outcome_t {
	if next == cur {
		return Outcome_t{Decision: Resumed, Next: next}
	}
	return Outcome_t{Decision: Rescheduled, Next: next}
}
