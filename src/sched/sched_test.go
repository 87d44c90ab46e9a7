package sched

import (
	"testing"

	"defs"
	"thread"
)

// TestRoundRobinFairness: three equal-priority, CPU-bound threads A, B, C
// created in that order with quantum 10. After 60
// ticks the execution trace must be exactly two repetitions of ten ticks
// each, in creation order -- the round-robin tie-break (longest-waiting
// Ready thread wins) applied twice over.
func TestRoundRobinFairness(t *testing.T) {
	Boot(1)
	cpu := Cpu(0)
	idle := thread.New(-1, defs.NoPid, thread.RoundRobin, NumPriorities-1)
	idle.State = thread.Ready
	cpu.Rq.SetIdle(idle)

	a := thread.New(1, defs.NoPid, thread.RoundRobin, 0)
	b := thread.New(2, defs.NoPid, thread.RoundRobin, 0)
	c := thread.New(3, defs.NoPid, thread.RoundRobin, 0)
	cpu.Rq.Enqueue(a)
	cpu.Rq.Enqueue(b)
	cpu.Rq.Enqueue(c)

	var trace []defs.Tid_t
	for i := 0; i < 60; i++ {
		next := Tick(cpu, thread.Regs_t{})
		trace = append(trace, next.Tid)
	}

	var want []defs.Tid_t
	for rep := 0; rep < 2; rep++ {
		for _, tid := range []defs.Tid_t{1, 2, 3} {
			for i := 0; i < 10; i++ {
				want = append(want, tid)
			}
		}
	}

	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("tick %d: got thread %d, want %d\nfull trace: %v", i, trace[i], want[i], trace)
		}
	}
}

// TestFIFOPolicyNeverPreempts exercises the FIFO policy, which omits the
// quantum decrement entirely: a FIFO thread keeps running across any number
// of ticks until it blocks or yields on its own.
func TestFIFOPolicyNeverPreempts(t *testing.T) {
	Boot(1)
	cpu := Cpu(0)
	idle := thread.New(-1, defs.NoPid, thread.RoundRobin, NumPriorities-1)
	idle.State = thread.Ready
	cpu.Rq.SetIdle(idle)

	f := thread.New(1, defs.NoPid, thread.FIFO, 0)
	cpu.Rq.Enqueue(f)

	for i := 0; i < 100; i++ {
		next := Tick(cpu, thread.Regs_t{})
		if next.Tid != f.Tid {
			t.Fatalf("tick %d: FIFO thread was preempted", i)
		}
	}
}

// TestPriorityBucketDequeuedBeforeLowerPriority exercises the priority policy:
// a thread in a numerically lower (higher-priority) bucket is always
// dequeued ahead of a thread sitting in a higher-numbered bucket, regardless
// of arrival order.
func TestPriorityBucketDequeuedBeforeLowerPriority(t *testing.T) {
	Boot(1)
	cpu := Cpu(0)
	idle := thread.New(-1, defs.NoPid, thread.RoundRobin, NumPriorities-1)
	idle.State = thread.Ready
	cpu.Rq.SetIdle(idle)

	low := thread.New(1, defs.NoPid, thread.Priority, 5)
	high := thread.New(2, defs.NoPid, thread.Priority, 0)
	cpu.Rq.Enqueue(low)
	cpu.Rq.Enqueue(high)

	next := Tick(cpu, thread.Regs_t{})
	if next.Tid != high.Tid {
		t.Fatalf("expected higher-priority thread dequeued first, got %d", next.Tid)
	}
}

// TestIdleRunsWhenRunQueueEmpty exercises idle selection: with no Ready thread, the
// scheduler dispatches the idle task rather than panicking or stalling.
func TestIdleRunsWhenRunQueueEmpty(t *testing.T) {
	Boot(1)
	cpu := Cpu(0)
	idle := thread.New(-1, defs.NoPid, thread.RoundRobin, NumPriorities-1)
	idle.State = thread.Ready
	cpu.Rq.SetIdle(idle)

	next := Switch(cpu, thread.Regs_t{}, Preempted)
	if next != idle {
		t.Fatalf("expected idle task, got tid %d", next.Tid)
	}
}
