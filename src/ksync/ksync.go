// Package ksync implements the four blocking synchronization primitives:
// semaphore, mutex, condition variable, and barrier. All four
// share one blocking model -- wait atomically checks its precondition
// and, if it cannot proceed, transitions the caller to Blocked and
// appends it to the primitive's FIFO wait queue before releasing the
// primitive's own lock, so a concurrent signal can never observe the
// thread in an inconsistent state (Running but already dequeued, or
// Blocked but not yet queued). signal/notify/unlock hand the thread to
// sched.WakeOne, which re-enqueues it on a run queue; the wakeup never
// preempts the signaler synchronously.
package ksync

import "sync"

import "sched"
import "thread"

/// Semaphore_t is {count, wait queue}; count >= 0, and count == 0 whenever
/// the wait queue is non-empty.
type Semaphore_t struct {
	mu    sync.Mutex
	count int
	q     thread.List_t
}

/// MkSemaphore creates a semaphore with the given initial count.
func MkSemaphore(count int) *Semaphore_t {
	if count < 0 {
		panic("ksync: negative semaphore count")
	}
	return &Semaphore_t{count: count}
}

/// Wait decrements the semaphore if count > 0, else blocks the calling
/// CPU's current thread on the semaphore's wait queue and switches away.
/// It returns the thread now running on cpu.
func (s *Semaphore_t) Wait(cpu *sched.Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		cur := cpu.Current
		cur.Regs = regs
		return cur
	}
	t := cpu.Current
	t.State = thread.Blocked
	s.q.PushBack(t)
	s.mu.Unlock()
	return sched.Switch(cpu, regs, sched.Suspended)
}

/// Signal increments the semaphore if the wait queue is empty, else wakes
/// the longest-waiting blocked thread, which observes the effective
/// decrement without count ever incrementing.
func (s *Semaphore_t) Signal() {
	s.mu.Lock()
	t := s.q.PopFront()
	if t == nil {
		s.count++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	sched.WakeOne(t)
}

/// Mutex_t is {owner thread or none, wait queue}; owner == none iff the
/// wait queue is empty and no thread considers itself holding the mutex.
type Mutex_t struct {
	mu    sync.Mutex
	owner *thread.Thread_t
	q     thread.List_t
}

/// MkMutex creates an unlocked mutex.
func MkMutex() *Mutex_t {
	return &Mutex_t{}
}

/// Lock acquires the mutex if it is free, else blocks on its wait queue
/// and switches away. It returns the thread now running on cpu.
func (m *Mutex_t) Lock(cpu *sched.Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = cpu.Current
		m.mu.Unlock()
		cur := cpu.Current
		cur.Regs = regs
		return cur
	}
	t := cpu.Current
	t.State = thread.Blocked
	m.q.PushBack(t)
	m.mu.Unlock()
	return sched.Switch(cpu, regs, sched.Suspended)
}

/// Unlock releases the mutex. cur must be the current owner (a programming
/// error otherwise, detected and panicked).
/// Ownership transfers directly to the head of the wait queue -- direct
/// handoff, preventing convoys -- or clears if the queue is empty.
func (m *Mutex_t) Unlock(cur *thread.Thread_t) {
	m.mu.Lock()
	if m.owner != cur {
		m.mu.Unlock()
		panic("ksync: unlock by non-owner")
	}
	next := m.q.PopFront()
	m.owner = next
	m.mu.Unlock()
	if next != nil {
		sched.WakeOne(next)
	}
}

/// CondVar_t is {wait queue, associated mutex captured at wait}; a thread
/// on this queue holds no mutex.
type CondVar_t struct {
	mu sync.Mutex
	q  thread.List_t
}

/// MkCondVar creates an empty condition variable.
func MkCondVar() *CondVar_t {
	return &CondVar_t{}
}

/// Wait releases mtx, enqueues the caller, and blocks, all atomically with
/// respect to Notify/Broadcast (the cv's lock is held across the state
/// transition and enqueue, so no notify sent after this call starts can be
/// missed). On wake the caller must itself reacquire mtx -- this function
/// only returns the thread now running, consistent with every other
/// blocking call in this package; the resumed thread's first act is
/// mtx.Lock(cpu, ...).
func (cv *CondVar_t) Wait(cpu *sched.Cpu_t, regs thread.Regs_t, mtx *Mutex_t) *thread.Thread_t {
	t := cpu.Current
	cv.mu.Lock()
	t.State = thread.Blocked
	cv.q.PushBack(t)
	cv.mu.Unlock()
	mtx.Unlock(t)
	return sched.Switch(cpu, regs, sched.Suspended)
}

/// Notify wakes the longest-waiting thread parked on the condition
/// variable, if any.
func (cv *CondVar_t) Notify() {
	cv.mu.Lock()
	t := cv.q.PopFront()
	cv.mu.Unlock()
	if t != nil {
		sched.WakeOne(t)
	}
}

/// Broadcast wakes every thread parked on the condition variable.
func (cv *CondVar_t) Broadcast() {
	cv.mu.Lock()
	var woken []*thread.Thread_t
	for {
		t := cv.q.PopFront()
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	cv.mu.Unlock()
	for _, t := range woken {
		sched.WakeOne(t)
	}
}

/// Barrier_t is {required count, arrived count, generation number, wait
/// queue}; arrived < required while any thread is parked, and reaching
/// required resets arrived to 0, increments generation, and wakes the
/// entire cohort as one group.
type Barrier_t struct {
	mu         sync.Mutex
	required   int
	arrived    int
	generation uint64
	q          thread.List_t
}

/// MkBarrier creates a barrier requiring n arrivals per generation.
func MkBarrier(n int) *Barrier_t {
	if n <= 0 {
		panic("ksync: non-positive barrier size")
	}
	return &Barrier_t{required: n}
}

/// Wait increments arrived. If arrived < required it blocks on the
/// barrier's queue tagged with the current generation; the last arriver
/// resets arrived to 0, increments generation, and wakes the whole
/// cohort. Threads parked under an older generation never interleave with
/// a newer cohort, since a new cohort only starts accumulating after the
/// previous one is fully woken.
func (b *Barrier_t) Wait(cpu *sched.Cpu_t, regs thread.Regs_t) *thread.Thread_t {
	b.mu.Lock()
	b.arrived++
	if b.arrived < b.required {
		t := cpu.Current
		t.State = thread.Blocked
		t.BlockQueue = uintptr(b.generation)
		b.q.PushBack(t)
		b.mu.Unlock()
		return sched.Switch(cpu, regs, sched.Suspended)
	}
	b.arrived = 0
	b.generation++
	var woken []*thread.Thread_t
	for {
		t := b.q.PopFront()
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	b.mu.Unlock()
	for _, t := range woken {
		sched.WakeOne(t)
	}
	cur := cpu.Current
	cur.Regs = regs
	return cur
}
