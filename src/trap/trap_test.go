package trap

import (
	"sync"
	"testing"

	"arch"
	"defs"
	"mem"
	"proc"
	"sched"
	"thread"
	"vm"
)

var physOnce sync.Once

func ensurePhys() {
	arch.BindCPU(0)
	physOnce.Do(func() {
		mem.Phys_init(1024)
	})
}

type stubImage struct {
	entry, stack uintptr
}

func (s stubImage) Load(as *vm.Vm_t) (uintptr, uintptr, defs.Err_t) {
	return s.entry, s.stack, 0
}

// setupCPU boots a single-CPU scheduler, installs an idle task, and makes
// th the running thread, the same manual harness proc_test.go uses to
// drive blocking primitives synchronously.
func setupCPU(th *thread.Thread_t) *sched.Cpu_t {
	sched.Boot(1)
	cpu := sched.Cpu(0)
	idle := thread.New(-1, defs.NoPid, thread.RoundRobin, 0)
	idle.State = thread.Ready
	cpu.Rq.SetIdle(idle)
	th.State = thread.Running
	th.CPU = 0
	cpu.Current = th
	return cpu
}

// TestFatalPageFaultKillsOnlyOffendingProcess checks that a page fault at an address outside every region is fatal, and only the
// faulting process is torn down -- a sibling process with its own address
// space and threads is unaffected.
func TestFatalPageFaultKillsOnlyOffendingProcess(t *testing.T) {
	ensurePhys()
	pt := proc.MkTable(16)
	Init(pt)

	img := stubImage{entry: 0x1000, stack: 0x7fff0000}
	bad, badTh, err := pt.Spawn(defs.NoPid, img, 4, 0)
	if err != 0 {
		t.Fatalf("spawn bad: %v", err)
	}
	good, _, err := pt.Spawn(defs.NoPid, img, 4, 0)
	if err != 0 {
		t.Fatalf("spawn good: %v", err)
	}

	cpu := setupCPU(badTh)

	out := Dispatch(cpu, defs.TRAP_PGFLT, thread.Regs_t{Rip: 0x1000}, 0xdeadb000, uintptr(defs.PGFLT_USER))
	if out.Decision != Rescheduled {
		t.Fatalf("expected Rescheduled, got %v", out.Decision)
	}

	if _, exited, rerr := pt.Reap(bad.Pid); rerr != 0 || !exited {
		t.Fatalf("expected bad process reaped as exited, exited=%v err=%v", exited, rerr)
	}

	if p, ok := pt.Lookup(good.Pid); !ok || p.State == proc.Exited {
		t.Fatalf("sibling process should be unaffected, ok=%v state=%v", ok, p)
	}
}

// TestSuccessfulPageFaultResumesFaultingThread exercises the non-fatal
// path: a fault inside a mapped anonymous region is resolved in place and
// the same thread keeps running.
func TestSuccessfulPageFaultResumesFaultingThread(t *testing.T) {
	ensurePhys()
	pt := proc.MkTable(16)
	Init(pt)

	img := stubImage{entry: 0x1000, stack: 0x7fff0000}
	p, th, err := pt.Spawn(defs.NoPid, img, 4, 0)
	if err != 0 {
		t.Fatalf("spawn: %v", err)
	}
	const va = 0x400000
	p.AS.Vmadd_anon(va, mem.PGSIZE, vm.PTE_U|vm.PTE_W)

	cpu := setupCPU(th)
	out := Dispatch(cpu, defs.TRAP_PGFLT, thread.Regs_t{Rip: 0x1000}, va, uintptr(defs.PGFLT_USER|defs.PGFLT_WRITE))
	if out.Decision != Resumed {
		t.Fatalf("expected Resumed, got %v", out.Decision)
	}
	if out.Next != th {
		t.Fatalf("expected faulting thread to keep running")
	}
}
