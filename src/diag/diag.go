// Package diag implements the kernel's always-on textual diagnostics: a
// fatal-trap printer that disassembles the faulting instruction, a
// separate symbol-name demangler, plus the substance behind the
// defs.D_PROF device -- an on-demand profile.Profile snapshot of named
// counters such as the scheduler's. Nothing here wraps panic: a kernel
// invariant violation is still reported with the bare panic(string)
// convention mem.Physmem already uses, just with a richer string.
package diag

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
	"golang.org/x/arch/x86/x86asm"

	"caller"
	"defs"
)

// Decode disassembles the single instruction at the start of code, the raw
// bytes read from the faulting instruction pointer, and formats it with
// its address in GNU syntax -- the same annotation a debugger would print
// for a crash. An empty or undecodable prefix yields a "???" mnemonic
// rather than failing the whole diagnostic.
func Decode(code []byte, pc uint64) string {
	if len(code) == 0 {
		return fmt.Sprintf("%#x: ???", pc)
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("%#x: ??? (%v)", pc, err)
	}
	return fmt.Sprintf("%#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil))
}

// Demangle returns a human-readable form of a symbol name that may have
// come from a driver's own toolchain (drivers are external collaborators
// per this kernel's scope, and may be linked from a C++ toolchain). It
// falls back to the raw name when name is not a mangled symbol.
func Demangle(name string) string {
	return demangle.Filter(name)
}

// dedup suppresses repeated diagnostic prints from the same call-chain, so
// a busy system repeatedly hitting the same fault path doesn't flood the
// console.
var dedup caller.Distinct_caller_t

func init() {
	dedup.Enabled = true
}

// ShouldPrint reports whether the current call chain has not been seen
// before, and if so returns a formatted call stack to attach to the
// diagnostic, so a call site that fires repeatedly prints the first
// occurrence only. The trap dispatcher keeps its own dedup and does not
// call this.
func ShouldPrint() (bool, string) {
	return dedup.Distinct()
}

// Crash builds a one-shot fatal-trap diagnostic: the reason, the owning
// pid, the faulting address, and a best-effort disassembly of the
// instruction at rip. It is meant to be handed straight to panic (a
// kernel-internal fatal error) or printed before a process is killed.
func Crash(reason string, pid defs.Pid_t, rip, faultaddr uintptr, code []byte) string {
	return fmt.Sprintf("%s: pid=%d rip=%#x fault=%#x\n\t%s",
		reason, pid, rip, faultaddr, Decode(code, uint64(rip)))
}

// Profiler samples named counters on demand into a pprof profile, giving
// the defs.D_PROF device real content instead of a dangling constant. Each
// named counter becomes one flat sample location, enough for a standard
// pprof viewer to render counters such as the scheduler's dispatch counts
// as a trivial flat profile.
type Profiler struct {
	mu       sync.Mutex
	counters map[string]int64
}

// Set records value as the current reading for the named counter.
func (p *Profiler) Set(name string, value int64) {
	p.mu.Lock()
	if p.counters == nil {
		p.counters = make(map[string]int64)
	}
	p.counters[name] = value
	p.mu.Unlock()
}

// Add adds delta to the named counter's current reading.
func (p *Profiler) Add(name string, delta int64) {
	p.mu.Lock()
	if p.counters == nil {
		p.counters = make(map[string]int64)
	}
	p.counters[name] += delta
	p.mu.Unlock()
}

// Snapshot renders the current counters as a gzip-encoded pprof profile,
// one sample per counter, sorted by name for a stable diff between two
// snapshots.
func (p *Profiler) Snapshot() ([]byte, error) {
	p.mu.Lock()
	names := make([]string, 0, len(p.counters))
	for n := range p.counters {
		names = append(names, n)
	}
	vals := make(map[string]int64, len(p.counters))
	for k, v := range p.counters {
		vals[k] = v
	}
	p.mu.Unlock()
	sort.Strings(names)

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "kernel_counter", Unit: "count"},
		Period:     1,
	}
	var id uint64
	for _, n := range names {
		id++
		fn := &profile.Function{ID: id, Name: n, SystemName: n}
		prof.Function = append(prof.Function, fn)
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn, Line: 1}}}
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{vals[n]},
		})
	}

	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
