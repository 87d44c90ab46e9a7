// Package limits fixes the kernel's system-wide resource ceilings. Every
// limit is a boot-time constant; there is no runtime reconfiguration
// surface, so the numbers live here as initializer values and nowhere
// else.
package limits

import (
	"sync/atomic"
	"unsafe"
)

// Sysatomic_t is a consumable limit: a counter that starts at the ceiling
// and is atomically taken from and given back to. It goes negative briefly
// on a failed Taken, which the failure path immediately repairs.
type Sysatomic_t int64

// Syslimit_t names every system-wide ceiling the kernel enforces.
type Syslimit_t struct {
	// Sysprocs bounds live process records, counting unreaped zombies.
	Sysprocs Sysatomic_t
	// Threads bounds schedulable contexts across all processes; each one
	// pins a kernel stack, which is what the bound really protects.
	Threads Sysatomic_t
	// Pipes bounds in-kernel pipe objects, each of which may pin one
	// buffer page.
	Pipes Sysatomic_t
	// Heappages bounds the admission budget for kernel-heap growth driven
	// by user-controlled copy lengths.
	Heappages int
}

// Syslimit is the configured ceiling set, fixed at boot.
var Syslimit *Syslimit_t = MkSysLimit()

// MkSysLimit returns the default ceilings.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:  1e4,
		Threads:   1 << 16,
		Pipes:     1e4,
		Heappages: 100000,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given returns n previously taken units.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s._aptr(), int64(n))
}

// Taken consumes n units, reporting false and consuming nothing if fewer
// than n remain.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s._aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), int64(n))
	return false
}

// Take consumes one unit.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give returns one unit.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
