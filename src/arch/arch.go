// Package arch is the seam between the kernel core and the machine: the
// handful of primitives that, on real hardware, come from a few lines of
// assembly or a forked Go runtime (reading cr3, the current APIC id, the
// direct-map window, sending an IPI). A kernel built on an unmodified Go
// toolchain can't carry those patches, so arch exposes the same seam as
// ordinary exported hooks that the boot/SMP-bring-up collaborator installs
// once at startup, and that a test harness can install with
// goroutine-backed stand-ins.
package arch

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

var (
	boundMu sync.Mutex
	bound   = make(map[int64]int)
)

// MaxCPU bounds the number of logical CPUs this kernel build supports;
// every per-CPU array in the kernel is sized to it.
const MaxCPU = 64

// CPUID returns the logical CPU index the calling goroutine is running as.
// It is a function variable, not a hardware register read, because this
// tree targets plain `go build`: the boot collaborator is expected to
// replace it with one that reads the local APIC id. The default
// implementation returns the id the calling goroutine registered with
// BindCPU, and panics if that goroutine never registered one, so every
// goroutine standing in for a CPU binds itself before its first call.
var CPUID = goidCPU

// BindCPU associates the calling goroutine with logical CPU id for the
// remainder of its lifetime. Real hardware has no equivalent call -- the
// CPU id *is* the hardware thread -- but a goroutine-based test harness
// needs one explicit registration step per simulated CPU.
func BindCPU(id int) {
	if id < 0 || id >= MaxCPU {
		panic("bad cpu id")
	}
	boundMu.Lock()
	bound[goid()] = id
	boundMu.Unlock()
}

// UnbindCPU releases a BindCPU registration; used when a test harness tears
// down its simulated CPU goroutines between cases.
func UnbindCPU() {
	boundMu.Lock()
	delete(bound, goid())
	boundMu.Unlock()
}

func goidCPU() int {
	boundMu.Lock()
	id, ok := bound[goid()]
	boundMu.Unlock()
	if !ok {
		panic("arch: goroutine has no bound CPU id; call arch.BindCPU first")
	}
	return id
}

// goid extracts the calling goroutine's id by parsing the header line of
// runtime.Stack's output. It is the same trick goroutine-local-storage
// shims have used for years to get an identity out of an unmodified Go
// runtime: there is no supported way to ask "which logical execution
// context am I" without one.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	line := string(buf[:n])
	const prefix = "goroutine "
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		panic("arch: unexpected runtime.Stack format")
	}
	line = line[len(prefix):]
	end := 0
	for end < len(line) && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	id, err := strconv.ParseInt(line[:end], 10, 64)
	if err != nil {
		panic(fmt.Sprintf("arch: cannot parse goroutine id: %v", err))
	}
	return id
}
