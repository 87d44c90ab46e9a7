// Package accnt accumulates per-process CPU accounting. Times are kept in
// nanoseconds and split into user and system components; the scheduler
// charges user time on preemption and the syscall surface charges system
// time around each dispatch.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"util"
)

// Accnt_t is one process's accounting record. Utadd/Systadd may be called
// concurrently from several CPUs; the embedded mutex only serializes
// whole-record operations (Add, Fetch) that need a consistent snapshot.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd charges delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd charges delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds, the clock both charge
// paths measure against.
func (a *Accnt_t) Now() int {
	return int(time.Now().UnixNano())
}

// Finish charges system time accumulated since inttime, closing out a
// kernel entry that began at inttime.
func (a *Accnt_t) Finish(inttime int) {
	a.Systadd(a.Now() - inttime)
}

// Add merges n into a. Used when a parent reaps a child: the child's
// totals fold into the parent's record before the child's is discarded.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.Unlock()
}

// Fetch returns a consistent snapshot encoded as an rusage buffer ready to
// copy out to user memory.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	ru := a.To_rusage()
	a.Unlock()
	return ru
}

// To_rusage lays the two totals out as consecutive timevals (seconds, then
// microseconds, 8 bytes each): user first, system second.
func (a *Accnt_t) To_rusage() []uint8 {
	words := 4
	ret := make([]uint8, words*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
