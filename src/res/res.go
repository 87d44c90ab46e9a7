// Package res tracks a system-wide kernel-heap admission budget. Any loop
// copying a user-controlled, unbounded amount of data (a giant write(),
// a long iovec) must pay into this budget once per unit of work instead of
// trusting the length argument outright; once the budget is exhausted the
// call site backs off with ENOHEAP rather than growing the kernel heap
// without limit.
package res

import (
	"bounds"
	"limits"
)

// budget is the number of outstanding admission units the kernel heap has
// left to give out. It reuses limits.Sysatomic_t, the same lock-free
// counter type limits.Syslimit already uses for every other system-wide
// resource, rather than inventing a second counter abstraction.
var budget = limits.Sysatomic_t(limits.Syslimit.Heappages)

// hits counts admission failures per site, purely for diagnostics; a busy
// syscall surface hammering one site is a signal worth seeing in a panic
// dump or a profiling snapshot, not just a silent ENOHEAP.
var hits [64]int32

// Resadd_noblock charges one admission unit tagged with site b. It never
// blocks: "no block" is the point, since callers hold the address-space
// lock (Lockassert_pmap) while copying and cannot afford to enter the
// scheduler mid-copy. It returns false when the budget is exhausted; the
// caller must unwind and return ENOHEAP.
func Resadd_noblock(b bounds.Bounds_t) bool {
	if !budget.Taken(1) {
		if int(b) >= 0 && int(b) < len(hits) {
			hits[b]++
		}
		return false
	}
	return true
}

// Resadd_refill returns n previously charged admission units to the
// budget, for a caller that reserved more than it spent. No copy loop in
// this tree calls it.
func Resadd_refill(n uint) {
	budget.Given(n)
}

// Remaining reports the budget currently available, for diagnostics only.
func Remaining() int64 {
	return int64(budget)
}
