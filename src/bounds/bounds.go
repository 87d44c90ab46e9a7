// Package bounds names every call site in the kernel that may need to grow
// kernel heap while servicing a potentially adversarial, unbounded user
// request (a huge user buffer, an overlong path). The user-memory transfer
// loop and the syscall argument validator each pay the admission budget
// under their own site tag.
package bounds

/// Bounds_t names one admission-control site. Each site in the kernel that
/// loops over attacker-controlled length pays res.Resadd_noblock once per
/// iteration, tagged with the site that is asking, so a budget panic or a
/// future accounting report can say which loop is consuming heap.
type Bounds_t int

const (
	B_USERBUF_T__TX Bounds_t = iota
	B_SYSCALL_VALIDATE
	_bounds_count
)

var names = [...]string{
	B_USERBUF_T__TX:    "userbuf._tx",
	B_SYSCALL_VALIDATE: "syscall.validate",
}

/// Bounds validates b and returns it unchanged; it exists so call sites
/// read as self-documenting (res.Resadd_noblock(bounds.Bounds(bounds.B_X)))
/// and so an out-of-range constant is caught at the call site instead of
/// silently mis-accounted.
func Bounds(b Bounds_t) Bounds_t {
	if b < 0 || b >= _bounds_count {
		panic("bad bounds site")
	}
	return b
}

/// String returns a human-readable name for the site, used in diagnostics.
func (b Bounds_t) String() string {
	if b < 0 || b >= _bounds_count {
		return "bounds.unknown"
	}
	return names[b]
}
