// Package stats implements the kernel's cheap always-on instrumentation:
// atomic event counters and a cycle-time accumulator, sampled by
// diag.Profiler into the defs.D_PROF device. Stats and Timing gate the
// instrumentation at compile time; both default on, since sched's
// dispatch/quantum counters are sampled by the profiling device.
package stats

import (
	"sync/atomic"
	"time"
	"unsafe"
)

const Stats = true
const Timing = true

// Rdtsc stands in for a raw RDTSC read the way arch.CPUID stands in for an
// APIC-id read: an unmodified Go toolchain has no portable way to execute
// the instruction, so this returns the current wall-clock time in
// nanoseconds instead. Cycles_t.Add's deltas are therefore nanoseconds of
// wall-clock time rather than true CPU cycles, but the counter's role --
// a relative measure of time spent -- is unchanged.
func Rdtsc() uint64 {
	if Stats {
		return uint64(time.Now().UnixNano())
	}
	return 0
}

/// Counter_t is a statistical event counter.
type Counter_t int64

/// Inc adds one event.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), 1)
	}
}

/// Cycles_t accumulates elapsed time.
type Cycles_t int64

/// Add accumulates the time elapsed since m, an earlier Rdtsc reading.
func (c *Cycles_t) Add(m uint64) {
	if Timing {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), int64(Rdtsc()-m))
	}
}
