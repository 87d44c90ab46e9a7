package arch

import "sync/atomic"

// ncpu is the number of logical CPUs the boot collaborator brought up. It
// defaults to 1 (uniprocessor) until Boot installs the real count; callers
// that loop "for each CPU" must read it through NCPUs(), not cache it,
// since arch.Boot may run after package init in a hosted test.
var ncpu int32 = 1

// Boot installs the CPU count discovered during SMP bring-up. It leaves
// the CPUID and IPI hooks as they are.
func Boot(n int) {
	if n < 1 || n > MaxCPU {
		panic("bad cpu count")
	}
	atomic.StoreInt32(&ncpu, int32(n))
}

// NCPUs returns the number of logical CPUs currently known to the kernel.
func NCPUs() int {
	return int(atomic.LoadInt32(&ncpu))
}

// ShootdownFunc, when non-nil, delivers an IPI to the given set of logical
// CPUs asking each to invalidate its TLB entries for the given virtual
// range. Installed by the boot/APIC collaborator; nil means "single-CPU
// build, no shootdown needed."
var ShootdownFunc func(cpus []int, startva uintptr, pages int)

// Shootdown invokes the installed shootdown handler, or does nothing on a
// uniprocessor build where no handler was ever installed.
func Shootdown(cpus []int, startva uintptr, pages int) {
	if ShootdownFunc == nil {
		return
	}
	if len(cpus) == 0 {
		return
	}
	ShootdownFunc(cpus, startva, pages)
}

// InvalidateLocal drops the calling CPU's TLB entries for the given
// virtual range. Installed by the boot collaborator; nil is a valid no-op
// default for hosted tests that never populate real page tables.
var InvalidateLocal = func(startva uintptr, pages int) {}
