// Package fd holds the per-process open-file-descriptor handle. Path
// resolution, directories, and the current-working-directory contract are
// filesystem concerns (out of scope per this kernel's Non-goals); Fd_t only
// carries the narrow Fdops_i contract an external collaborator implements.
package fd

import "sync"

import "defs"
import "fdops"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd_t represents an open file descriptor.
type Fd_t struct {
	// Fops is an interface implemented via a "pointer receiver", thus fops
	// is a reference, not a value
	Fops  fdops.Fdops_i /// descriptor operations
	Perms int           /// permission bits
}

/// Copyfd duplicates an open file descriptor by reopening it.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	err := nfd.Fops.Reopen()
	if err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

/// Table_t is a process's open-file-descriptor table: a dense slice of
/// slots indexed by fd number, guarded by one lock. It is the concrete type
/// behind the process record's file-descriptor-table handle.
type Table_t struct {
	sync.Mutex
	fds  []*Fd_t
	nfds int
}

/// MkTable allocates an empty descriptor table sized to hold at most max
/// simultaneously open descriptors, a boot-time constant.
func MkTable(max int) *Table_t {
	return &Table_t{fds: make([]*Fd_t, max)}
}

/// Add installs f at the lowest free slot and returns its descriptor
/// number, or ENOHEAP if the table is full.
func (t *Table_t) Add(f *Fd_t) (int, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	for i, cur := range t.fds {
		if cur == nil {
			t.fds[i] = f
			t.nfds++
			return i, 0
		}
	}
	return -1, -defs.ENOHEAP
}

/// Get returns the descriptor installed at fdn, if any.
func (t *Table_t) Get(fdn int) (*Fd_t, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	if fdn < 0 || fdn >= len(t.fds) || t.fds[fdn] == nil {
		return nil, -defs.ENOENT
	}
	return t.fds[fdn], 0
}

/// Close removes and closes the descriptor at fdn.
func (t *Table_t) Close(fdn int) defs.Err_t {
	t.Lock()
	if fdn < 0 || fdn >= len(t.fds) || t.fds[fdn] == nil {
		t.Unlock()
		return -defs.ENOENT
	}
	f := t.fds[fdn]
	t.fds[fdn] = nil
	t.nfds--
	t.Unlock()
	Close_panic(f)
	return 0
}

/// CloseAll closes every open descriptor; used when a process exits (spec
/// releases its descriptor table).
func (t *Table_t) CloseAll() {
	t.Lock()
	open := make([]*Fd_t, 0, t.nfds)
	for i, f := range t.fds {
		if f != nil {
			open = append(open, f)
			t.fds[i] = nil
		}
	}
	t.nfds = 0
	t.Unlock()
	for _, f := range open {
		Close_panic(f)
	}
}

/// Fork duplicates every open descriptor into a freshly allocated table of
/// the same size, for use by the process table's fork (proc.Table_t.Fork).
func (t *Table_t) Fork() (*Table_t, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	nt := &Table_t{fds: make([]*Fd_t, len(t.fds))}
	for i, f := range t.fds {
		if f == nil {
			continue
		}
		nf, err := Copyfd(f)
		if err != 0 {
			for _, done := range nt.fds {
				if done != nil {
					Close_panic(done)
				}
			}
			return nil, err
		}
		nt.fds[i] = nf
		nt.nfds++
	}
	return nt, 0
}
