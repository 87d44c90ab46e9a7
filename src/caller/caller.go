// Package caller deduplicates diagnostics by call path. A fault handler
// that fires thousands of times per second from the same site should print
// its diagnostic once; Distinct_caller_t remembers which ancestor-caller
// chains it has already seen.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Distinct_caller_t tracks which call chains have been observed. The zero
// value is ready to use but inert until Enabled is set; Whitel lists
// function names whose presence anywhere in the chain suppresses the
// diagnostic entirely.
type Distinct_caller_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
	Whitel  map[string]bool
}

// Fold the return addresses into a single probe value. Collisions would
// only suppress a diagnostic, never corrupt state, so a cheap mix is fine.
func (dc *Distinct_caller_t) _pchash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("no")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of distinct call chains recorded so far.
func (dc *Distinct_caller_t) Len() int {
	dc.Lock()
	ret := len(dc.did)
	dc.Unlock()
	return ret
}

// Distinct reports whether the current call chain is being seen for the
// first time, and if so returns a formatted stack trace for it. Repeat
// visits, disabled trackers, and whitelisted chains all return false.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("no")
		}
		pcs = pcs[:got]
	}
	h := dc._pchash(pcs)
	if dc.did[h] {
		return false, ""
	}
	dc.did[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if dc.Whitel[fr.Function] {
			return false, ""
		}
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
