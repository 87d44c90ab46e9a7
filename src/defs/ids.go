package defs

/// Pid_t names a process. Monotonically increasing; never reused while the
/// process table retains any reference to it, including as a parent link.
/// Pid 0 is the boot idle task, pid 1 the initial user process.
type Pid_t int

/// NoPid is the nil process id; used for the initial process's "no parent".
const NoPid Pid_t = -1

/// IdlePid is the reserved pid of the per-boot idle task.
const IdlePid Pid_t = 0

/// InitPid is the reserved pid of the first user process.
const InitPid Pid_t = 1

/// Tid_t names a thread, unique across the whole system (not just within
/// its owning process), so it can serve directly as a wait-queue or
/// run-queue element key without a (pid, index) pair.
type Tid_t int
