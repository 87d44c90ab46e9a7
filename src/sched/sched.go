// Package sched implements the per-CPU run queue and the scheduler core:
// round-robin-by-default dispatch with optional priority and
// FIFO policies, and the five-step context-switch sequence shared by
// preemption, voluntary yield, blocking, and exit.
package sched

import "fmt"
import "sync"

import "arch"
import "diag"
import "stats"
import "thread"
import "vm"

/// NumPriorities bounds the priority buckets a RunQueue_t keeps; bucket 0
/// is highest priority, NumPriorities-1 lowest. The idle task sits
/// strictly below every bucket.
const NumPriorities = 8

func clampPrio(p int) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorities {
		return NumPriorities - 1
	}
	return p
}

/// RunQueue_t is one logical CPU's queue of Ready threads: one FIFO
/// bucket per priority level, plus a dedicated idle task.
type RunQueue_t struct {
	mu      sync.Mutex
	buckets [NumPriorities]thread.List_t
	idle    *thread.Thread_t
}

/// SetIdle installs the CPU's idle task. Dequeue returns it only when
/// every priority bucket is empty.
func (rq *RunQueue_t) SetIdle(idle *thread.Thread_t) {
	rq.mu.Lock()
	rq.idle = idle
	rq.mu.Unlock()
}

/// Enqueue appends t, which must be Ready, to the tail of its priority
/// bucket.
func (rq *RunQueue_t) Enqueue(t *thread.Thread_t) {
	if t.State != thread.Ready {
		panic("sched: enqueue requires Ready thread")
	}
	rq.mu.Lock()
	rq.buckets[clampPrio(t.Priority)].PushBack(t)
	rq.mu.Unlock()
}

/// Dequeue removes the head of the highest-priority non-empty bucket --
/// the longest-waiting Ready thread at that priority --
/// transitions it to Running, and returns it. If every bucket is empty it
/// returns the idle task instead.
func (rq *RunQueue_t) Dequeue() *thread.Thread_t {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for i := range rq.buckets {
		if t := rq.buckets[i].PopFront(); t != nil {
			t.State = thread.Running
			return t
		}
	}
	if rq.idle != nil {
		rq.idle.State = thread.Running
	}
	return rq.idle
}

/// Empty reports whether every priority bucket is empty (the idle task is
/// not counted; it is not a "real" Ready thread).
func (rq *RunQueue_t) Empty() bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for i := range rq.buckets {
		if rq.buckets[i].Len() != 0 {
			return false
		}
	}
	return true
}

/// Remove detaches t from whichever bucket currently holds it, used when a
/// process exit doom-marks a thread that is still sitting Ready.
func (rq *RunQueue_t) Remove(t *thread.Thread_t) {
	rq.mu.Lock()
	rq.buckets[clampPrio(t.Priority)].Remove(t)
	rq.mu.Unlock()
}

/// Cpu_t is one logical CPU's scheduling state: its run queue and the
/// thread/address-space it currently has loaded.
type Cpu_t struct {
	Id      int
	Rq      RunQueue_t
	Current *thread.Thread_t
	as      *vm.Vm_t

		// Dispatches and QuantumNs instrument scheduling activity: every Switch counts one
	// dispatch, and every quantum a thread actually ran for is added in
	// nanoseconds (stats.Rdtsc's stand-in for a cycle count). Sample feeds
	// both into a diag.Profiler for the defs.D_PROF device.
	Dispatches  stats.Counter_t
	QuantumNs   stats.Cycles_t
	quantumOpen uint64
}

// Sample records this CPU's current counters into p under names keyed by
// the CPU's id, so a multi-CPU snapshot doesn't collide across CPUs.
func (cpu *Cpu_t) Sample(p *diag.Profiler) {
	p.Set(fmt.Sprintf("cpu%d.dispatches", cpu.Id), int64(cpu.Dispatches))
	p.Set(fmt.Sprintf("cpu%d.quantum_ns", cpu.Id), int64(cpu.QuantumNs))
}

var cpus [arch.MaxCPU]*Cpu_t

/// Boot allocates the per-CPU scheduling state for n logical CPUs. Called
/// once by the boot collaborator before any CPU enters its run loop,
/// mirroring arch.Boot's role for the IPI/TLB-shootdown seam.
func Boot(n int) {
	if n > arch.MaxCPU {
		panic("sched: n exceeds MaxCPU")
	}
	for i := 0; i < n; i++ {
		cpus[i] = &Cpu_t{Id: i}
	}
}

/// Cpu returns the scheduling state for logical CPU id.
func Cpu(id int) *Cpu_t {
	c := cpus[id]
	if c == nil {
		panic("sched: cpu not booted")
	}
	return c
}

/// Self returns the scheduling state for the calling CPU, as reported by
/// arch.CPUID.
func Self() *Cpu_t {
	return Cpu(arch.CPUID())
}

// outcome_t distinguishes why the outgoing thread stopped running, which
// determines step 2 of the context-switch sequence.
type outcome_t int

const (
	/// Preempted means the outgoing thread is still Runnable (its quantum
	/// expired or a higher-priority thread became Ready) and should be
	/// re-enqueued.
	Preempted outcome_t = iota
	/// Suspended means the caller already transitioned the outgoing
	/// thread's state (Blocked, Exiting) before calling Switch; it must
	/// not be re-enqueued.
	Suspended
)

/// Switch performs the five-step context-switch sequence on cpu.
/// regs is the outgoing thread's just-saved register file (step 1, done by
/// the trap/timer entry path before calling Switch). how says whether the
/// outgoing thread is still Runnable (Preempted) or was already put in a
/// terminal/blocked state by the caller (Suspended). Switch returns the
/// thread now Running on cpu; the caller is responsible for the
/// architecture-specific act of resuming it, which is out of this tree's
/// scope.
func Switch(cpu *Cpu_t, regs thread.Regs_t, how outcome_t) *thread.Thread_t {
	out := cpu.Current
	if out != nil {
		// step 1: save outgoing register file; it is only meaningful while
		// the thread is not Running, which is about to become true.
		out.Regs = regs
		// step 2: re-enqueue if preempted while still runnable.
		if how == Preempted {
			if out.Doomed {
				out.State = thread.Exiting
			} else {
				out.State = thread.Ready
				cpu.Rq.Enqueue(out)
			}
		}
		if cpu.quantumOpen != 0 {
			cpu.QuantumNs.Add(cpu.quantumOpen)
			if out.Acct != nil {
				out.Acct.Utadd(int(stats.Rdtsc() - cpu.quantumOpen))
			}
		}
	}

	// step 3: select next thread, falling back to idle.
	next := cpu.Rq.Dequeue()
	if next == nil {
		panic("sched: no idle task installed")
	}
	cpu.Dispatches.Inc()
	cpu.quantumOpen = stats.Rdtsc()

	// step 4: activate the new address space only if it differs from what
	// this CPU currently has loaded -- the common case is that consecutive
	// threads on one CPU share a space and no activation is needed.
	if next.AS != nil && next.AS != cpu.as {
		vm.Activate(cpu.as, next.AS, cpu.Id)
		cpu.as = next.AS
	}

	// step 5: load the next thread's saved register file; it is already
	// marked Running by Dequeue.
	next.RefillQuantum()
	cpu.Current = next
	return next
}

/// Tick drives one timer interrupt's worth of scheduling decision: if the
/// running thread's quantum is exhausted, switch. regs is the thread's
/// register file at the moment of the tick. It returns the thread that
/// should now run, which may be the same thread if its quantum was not yet
/// exhausted.
func Tick(cpu *Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	cur := cpu.Current
	if cur == nil || cur.Doomed {
		return Switch(cpu, regs, Preempted)
	}
	if !cur.Tick() {
		cur.Regs = regs
		return cur
	}
	return Switch(cpu, regs, Preempted)
}

/// Yield voluntarily gives up the CPU without blocking on anything; the
/// outgoing thread remains Runnable.
func Yield(cpu *Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	return Switch(cpu, regs, Preempted)
}

/// Exit transitions the current thread to Exiting and switches away
/// permanently; it is never re-enqueued.
func Exit(cpu *Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	cpu.Current.State = thread.Exiting
	return Switch(cpu, regs, Suspended)
}

/// WakeOne transitions t from Blocked to Ready and enqueues it on the CPU
/// it last ran on -- this core does not implement load-balancing or
/// migration; a thread becoming Ready goes back to the CPU where it last
/// ran.
func WakeOne(t *thread.Thread_t) {
	if t.State != thread.Blocked {
		panic("sched: wake of non-blocked thread")
	}
	t.State = thread.Ready
	id := t.CPU
	if id < 0 {
		id = 0
	}
	Cpu(id).Rq.Enqueue(t)
}
