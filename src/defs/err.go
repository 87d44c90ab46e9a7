package defs

/// Err_t is the kernel's error-code type: zero means success, and a
/// negative value is the negation of a POSIX-style error number, matching
/// the convention the syscall ABI returns in a single register.
type Err_t int

// Recoverable error codes returned to user threads at the syscall boundary
// or from any internal operation that can fail. Never panic for these;
// WouldBlock never escapes to a caller outside the kernel.
const (
	EPERM    Err_t = 1  /// PermissionDenied
	ENOENT   Err_t = 2  /// NotFound: pid, path, or fd not present
	ESRCH    Err_t = 3  /// NotFound: no such process
	EINTR    Err_t = 4  /// interrupted
	EFAULT   Err_t = 14 /// InvalidArgument: bad user pointer
	ENOMEM   Err_t = 12 /// OutOfMemory
	EEXIST   Err_t = 17 /// Overlap: mapping already present
	EINVAL   Err_t = 22 /// InvalidArgument
	ENOSPC   Err_t = 28 /// OutOfMemory: no space left
	ENAMETOOLONG Err_t = 36 /// InvalidArgument: string exceeded bound
	ENOHEAP  Err_t = 48 /// OutOfMemory: kernel heap budget exhausted
	EAGAIN   Err_t = 11 /// WouldBlock: internal-only, never surfaced
	ECHILD   Err_t = 10 /// NotFound: no such child to wait for
)

/// Errkind_t classifies an Err_t into a coarse taxonomy. It exists so
/// callers that only care about the category (to decide whether to
/// retry, fail the syscall, or escalate to a fatal trap) don't need to
/// enumerate every numeric code.
type Errkind_t int

const (
	KindNone Errkind_t = iota
	KindOutOfMemory
	KindNotFound
	KindInvalidArgument
	KindOverlap
	KindPermissionDenied
	KindWouldBlock
	KindFatal
)

/// Kind classifies e. Fatal is never produced by this function: a Fatal
/// condition is a kernel invariant violation and is reported via panic,
/// never as an Err_t.
func (e Err_t) Kind() Errkind_t {
	switch e {
	case 0:
		return KindNone
	case -ENOMEM, -ENOSPC, -ENOHEAP:
		return KindOutOfMemory
	case -ENOENT, -ESRCH, -ECHILD:
		return KindNotFound
	case -EINVAL, -EFAULT, -ENAMETOOLONG:
		return KindInvalidArgument
	case -EEXIST:
		return KindOverlap
	case -EPERM:
		return KindPermissionDenied
	case -EAGAIN:
		return KindWouldBlock
	default:
		return KindInvalidArgument
	}
}

/// Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == 0
}
