package vm

import "sort"
import "sync"

import "defs"
import "fdops"
import "mem"

/// mtype_t classifies a region's backing store.
type mtype_t int

const (
	/// VANON is a private anonymous mapping; CoW-shared on fork.
	VANON mtype_t = iota
	/// VFILE is a file-backed mapping (private or shared); file I/O is an
	/// external collaborator per this kernel's scope, so Filepage below
	/// only defines the contract, not a filesystem.
	VFILE
	/// VSANON is a shared anonymous mapping between threads of one
	/// process's address space; never CoW-managed, since by construction
	/// there is exactly one address space to share it within.
	VSANON
)

// fileinfo_t holds the VFILE-only fields of a Vminfo_t.
type fileinfo_t struct {
	foff   int
	mfile  *Mfile_t
	shared bool
}

/// Mfile_t is the shared backing state of a file-mapped region: the
/// Fdops_i the region's pages come from, an optional unpin callback for a
/// shared mapping's pages, and the outstanding mapping count used to decide
/// when the backing file can be released.
type Mfile_t struct {
	mfops    fdops.Fdops_i
	unpin    mem.Unpin_i
	mapcount int
}

/// Vminfo_t describes one virtual-memory region: a page-number range, its
/// permissions, and its backing. Vmregion_t keeps these
/// sorted and non-overlapping.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
	file  fileinfo_t
}

/// End returns the page number one past the region's last page.
func (v *Vminfo_t) End() uintptr {
	return v.Pgn + uintptr(v.Pglen)
}

/// Ptefor returns the leaf PTE slot for va within pmap, creating
/// intermediate page tables as needed, honoring the region's permissions.
func (v *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	perms := mem.Pa_t(PTE_U)
	if v.Perms&uint(PTE_W) != 0 {
		perms |= PTE_W
	}
	pte, err := pmap_walk(pmap, int(va), perms)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

/// Filepage returns the page backing faultaddr within a VFILE region. File
/// I/O is an external collaborator (out of scope here); this delegates to
/// the region's Fdops_i via its Mmapi contract rather than implementing a
/// filesystem itself.
func (v *Vminfo_t) Filepage(faultaddr uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if v.Mtype != VFILE {
		panic("not a file region")
	}
	pgn := (faultaddr >> PGSHIFT) - v.Pgn
	off := v.file.foff + int(pgn)*PGSIZE
	write := v.Perms&uint(PTE_W) != 0
	infos, err := v.file.mfile.mfops.Mmapi(off, 1, write)
	if err != 0 {
		return nil, 0, err
	}
	if len(infos) != 1 {
		panic("bad mmapi result")
	}
	return infos[0].Pg, infos[0].Phys, 0
}

/// Vmregion_t is an ordered, non-overlapping list of regions backing
/// one address space's user half.
type Vmregion_t struct {
	mu      sync.Mutex
	regions []*Vminfo_t
}

// idx returns the index of the first region whose end page is > pgn; all
// regions before idx end at or before pgn.
func (r *Vmregion_t) idx(pgn uintptr) int {
	return sort.Search(len(r.regions), func(i int) bool {
		return r.regions[i].End() > pgn
	})
}

/// Lookup returns the region containing the page at virtual address va, if
/// any.
func (r *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pgn := va >> PGSHIFT
	i := r.idx(pgn)
	if i < len(r.regions) && r.regions[i].Pgn <= pgn {
		return r.regions[i], true
	}
	return nil, false
}

// insert adds vmi to the region list, maintaining sort order. It panics on
// overlap; overlap rejection at the public Map entry point happens
// before insert is ever called with a conflicting range.
func (r *Vmregion_t) insert(vmi *Vminfo_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.idx(vmi.Pgn)
	if i < len(r.regions) && r.regions[i].Pgn < vmi.End() {
		panic("overlapping vm region")
	}
	if i > 0 && r.regions[i-1].End() > vmi.Pgn {
		panic("overlapping vm region")
	}
	r.regions = append(r.regions, nil)
	copy(r.regions[i+1:], r.regions[i:])
	r.regions[i] = vmi
}

// remove deletes the region that begins exactly at pgn, if present, and
// reports whether it found one.
func (r *Vmregion_t) remove(pgn uintptr) (*Vminfo_t, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.idx(pgn)
	if i >= len(r.regions) || r.regions[i].Pgn != pgn {
		return nil, false
	}
	vmi := r.regions[i]
	r.regions = append(r.regions[:i], r.regions[i+1:]...)
	return vmi, true
}

// overlaps reports whether [pgn, pgn+pglen) intersects any existing region.
func (r *Vmregion_t) overlaps(pgn uintptr, pglen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := pgn + uintptr(pglen)
	i := r.idx(pgn)
	if i < len(r.regions) && r.regions[i].Pgn < end {
		return true
	}
	return false
}

/// Clear empties the region list. It drops the region descriptors only; the
/// mapping counts of any Mfile_t they referenced are left unchanged.
func (r *Vmregion_t) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions = nil
}

/// Regions returns a snapshot slice of the current regions, for duplicate
/// (fork) to iterate without holding the lock across the whole copy.
func (r *Vmregion_t) Regions() []*Vminfo_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]*Vminfo_t, len(r.regions))
	copy(cp, r.regions)
	return cp
}
