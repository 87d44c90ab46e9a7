// Package mem is the kernel-wide owner of physical RAM: it hands out and
// reclaims fixed-size frames in O(1) amortized time. Physmem_t keeps a
// per-frame refcount (Physpg_t) and per-CPU free-list caches that fall
// back to one shared, lock-protected free list when the local cache is
// empty (on allocation) or full (on free). Rather
// than mapping real physical addresses through a patched-runtime direct
// map, Physmem_t owns a simulated RAM slab (a []byte) and Dmap indexes
// into it. Phys_init takes the place of a boot memory-map handoff,
// carving one contiguous usable region instead of consuming a real
// firmware map.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"arch"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Page-table-entry permission/state bits.
const (
	PTE_P      Pa_t = 1 << 0  /// present
	PTE_W      Pa_t = 1 << 1  /// writable
	PTE_U      Pa_t = 1 << 2  /// user-accessible
	PTE_PWT    Pa_t = 1 << 3  /// write-through
	PTE_PCD    Pa_t = 1 << 4  /// cache disable
	PTE_A      Pa_t = 1 << 5  /// accessed
	PTE_D      Pa_t = 1 << 6  /// dirty
	PTE_PS     Pa_t = 1 << 7  /// large page
	PTE_G      Pa_t = 1 << 8  /// global
	PTE_COW    Pa_t = 1 << 9  /// software bit: page is CoW-shared, mapped RO
	PTE_WASCOW Pa_t = 1 << 10 /// software bit: page was unshared by a CoW fault
)

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// Pa_t represents a physical address (an offset into the simulated RAM
/// slab, not a real machine address).
type Pa_t uintptr

/// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of words, sized identically to Bytepg_t so the
/// two can alias the same backing bytes.
type Pg_t [PGSIZE / 8]uint64

/// Pmap_t is a page-table page: 512 64-bit entries.
type Pmap_t [512]Pa_t

/// Unpin_i allows unpinning of physical pages, used by shared file-backed
/// mappings that remain as direct shared mappings rather than being
/// copied per address space.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Page_i abstracts physical page allocation; both Vm_t and the block
/// layer contract (out of scope) consume it rather than the concrete
/// allocator type, so tests can supply a fake.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

// pgPointer returns pg's address as an unsafe.Pointer, for reinterpreting
// a page of words as some other fixed-size page-shaped type (a Pmap_t, a
// Bytepg_t). Both types occupy exactly PGSIZE bytes.
func pgPointer(pg *Pg_t) unsafe.Pointer {
	return unsafe.Pointer(pg)
}

// bytesToPg reinterprets a PGSIZE-length byte slice, backed by
// Physmem_t.ram, as a *Pg_t. The slice must be page-aligned within ram,
// which Dmap guarantees by construction (every slice starts at a
// PGSIZE-multiple offset).
func bytesToPg(b []byte) *Pg_t {
	if len(b) < PGSIZE {
		panic("bytesToPg: short slice")
	}
	return (*Pg_t)(unsafe.Pointer(&b[0]))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(pgPointer(pg))
}

/// Pg2pmap reinterprets a page of words as a page-table page. Both types
/// occupy exactly PGSIZE bytes and alias the same storage.
func Pg2pmap(pg *Pg_t) *Pmap_t {
	return pg2pmap(pg)
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Physpg_t describes one physical page's accounting state.
type Physpg_t struct {
	Refcnt int32
	// index into Pgs of the next page on the free list
	nexti uint32
	// bitmask where bit n is set if logical CPU n may currently observe
	// this frame mapped into its active address space; used to elide a
	// broadcast TLB shootdown when only the local CPU need invalidate.
	Cpumask uint64
}

type pcpuphys_t struct {
	sync.Mutex
	freei   uint32
	freelen int32
	pmaps   uint32
	pmaplen int32
}

func (pc *pcpuphys_t) percpu_init() {
	pc.freei = ^uint32(0)
	pc.pmaps = ^uint32(0)
	pc.freelen, pc.pmaplen = 0, 0
}

/// Physmem_t manages all physical memory for the system.
type Physmem_t struct {
	Pgs     []Physpg_t
	startn  uint32
	freei   uint32
	freelen int32
	pmaps   uint32
	pmaplen int32
	sync.Mutex
	Dmapinit bool
	percpu   [arch.MaxCPU]pcpuphys_t

	// ram is the simulated physical RAM slab; frame i lives at
	// ram[i*PGSIZE : (i+1)*PGSIZE].
	ram []byte
}

// returns true iff the page was added to the per-CPU free list
func (phys *Physmem_t) _pcpu_put(idx uint32, ispmap bool) bool {
	me := arch.CPUID()
	mine := &phys.percpu[me]
	var fl *uint32
	var cnt *int32
	if ispmap {
		if mine.pmaplen >= 20 {
			return false
		}
		fl = &mine.pmaps
		cnt = &mine.pmaplen
	} else {
		if mine.freelen >= 100 {
			return false
		}
		fl = &mine.freei
		cnt = &mine.freelen
	}
	phys._phys_insert(fl, idx, mine, cnt)
	return true
}

func (phys *Physmem_t) _pcpu_new(ispmap bool) (*Pg_t, Pa_t, bool) {
	me := arch.CPUID()
	mine := &phys.percpu[me]
	fl := &mine.freei
	cnt := &mine.freelen
	if ispmap {
		fl = &mine.pmaps
		cnt = &mine.pmaplen
	}
	return phys._phys_new(fl, mine, cnt)
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	if pg, p_pg, ok := phys._pcpu_new(false); ok {
		return pg, p_pg, ok
	}
	return phys._phys_new(&phys.freei, phys, &phys.freelen)
}

/// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

/// Tlbaddr returns the CPU-mask pointer for a page, used by Tlbshoot's
/// fast path to decide whether a broadcast shootdown is needed.
func (phys *Physmem_t) Tlbaddr(p_pg Pa_t) *uint64 {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Cpumask
}

/// AtomicSetMask ORs bit into the word at addr with a compare-and-swap
/// loop, for flipping on one CPU's bit in a shootdown mask without
/// disturbing concurrent updates to other bits.
func AtomicSetMask(addr *uint64, bit uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, old|bit) {
			return
		}
	}
}

/// AtomicClearMask clears bit in the word at addr with a compare-and-swap
/// loop.
func AtomicClearMask(addr *uint64, bit uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if old&bit == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, old&^bit) {
			return
		}
	}
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("refup: non-positive refcount")
	}
}

// returns true if p_pg should be added to the free list, and its index
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		atomic.AddInt32(ref, 1)
		panic("refdown: negative refcount")
	}
	return c == 0, idx
}

/// Refdown decrements the reference count of a page. It returns true when
/// the page's refcount reached zero and the frame was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	return phys._phys_put(p_pg, false)
}

/// Zeropg is a global zero-filled page used to seed new allocations.
var Zeropg *Pg_t

/// P_zeropg is the physical address of Zeropg.
var P_zeropg Pa_t

/// Refpg_new allocates a zeroed page. The returned frame's refcount is not
/// incremented; the caller owns the first reference implicitly and is
/// expected to Refup it at install time (see vm's page-insert path).
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new: allocator not initialized")
	}
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialized page; callers must fill
/// every byte before it becomes visible to anyone else (no zeroing
/// guarantee).
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	return pg, p_pg, true
}

/// Pmap_new allocates a fresh page-table page, preferring the pmap-typed
/// free lists (kept separate from ordinary page lists so pmap pages are
/// never handed to an anonymous-memory allocation by accident).
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	a, b, ok := phys._pcpu_new(true)
	if !ok {
		a, b, ok = phys._phys_new(&phys.pmaps, phys, &phys.pmaplen)
	}
	if !ok {
		a, b, ok = phys.Refpg_new()
	}
	return pg2pmap(a), b, ok
}

func (phys *Physmem_t) _phys_new(fl *uint32, lock sync.Locker, cnt *int32) (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("allocator not initialized")
	}

	var p_pg Pa_t
	var ok bool
	lock.Lock()
	ff := *fl
	if ff != ^uint32(0) {
		p_pg = Pa_t(ff+phys.startn) << PGSHIFT
		*fl = phys.Pgs[ff].nexti
		ok = true
		if phys.Pgs[ff].Refcnt < 0 {
			panic("negative refcount on free list")
		}
		*cnt--
		if *cnt < 0 {
			panic("free list count underflow")
		}
	}
	lock.Unlock()
	if ok {
		return phys.Dmap(p_pg), p_pg, true
	}
	return nil, 0, false
}

func (phys *Physmem_t) _phys_insert(fl *uint32, idx uint32, lock sync.Locker, cnt *int32) {
	lock.Lock()
	phys.Pgs[idx].nexti = *fl
	*fl = idx
	*cnt++
	if *cnt < 0 {
		panic("free list count overflow")
	}
	lock.Unlock()
}

// returns true iff p_pg was added to a free list (i.e. its refcount hit 0)
func (phys *Physmem_t) _phys_put(p_pg Pa_t, ispmap bool) bool {
	add, idx := phys._refdec(p_pg)
	if !add {
		return false
	}
	if phys._pcpu_put(idx, ispmap) {
		return true
	}
	fl := &phys.freei
	cnt := &phys.freelen
	if ispmap {
		fl = &phys.pmaps
		cnt = &phys.pmaplen
	}
	phys._phys_insert(fl, idx, phys, cnt)
	return true
}

/// Dec_pmap decreases the reference count of a pmap, freeing it if no CPU
/// still has it active.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys._phys_put(p_pmap, true)
}

/// Dmap returns the page whose contents live at physical address p.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	idx := _pg2pgn(p) - phys.startn
	off := int(idx) * PGSIZE
	return bytesToPg(phys.ram[off : off+PGSIZE])
}

/// Dmap8 returns a byte-addressed view of the page at p, starting at p's
/// offset within its page.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	idx := _pg2pgn(p) - phys.startn
	base := int(idx) * PGSIZE
	off := int(p & PGOFFSET)
	return phys.ram[base+off : base+PGSIZE]
}

/// Pgcount reports the free page count, pmap free count, and per-CPU
/// cache occupancy, for diagnostics (the D_STAT device contract).
func (phys *Physmem_t) Pgcount() (int, int, []int, []int) {
	phys.Lock()
	r1 := int(phys.freelen)
	r2 := int(phys.pmaplen)
	phys.Unlock()

	var pcpg, pcpm []int
	for i := range phys.percpu {
		pc := &phys.percpu[i]
		pc.Lock()
		if pc.freelen != 0 || pc.pmaplen != 0 {
			pcpg = append(pcpg, int(pc.freelen))
			pcpm = append(pcpm, int(pc.pmaplen))
		}
		pc.Unlock()
	}
	return r1, r2, pcpg, pcpm
}

/// Physmem is the global physical memory allocator instance, a kernel-wide
/// singleton initialized once at boot.
var Physmem = &Physmem_t{}

/// Phys_init initializes the global physical memory allocator with npages
/// worth of simulated RAM. It stands in for a boot memory-map handoff:
/// this kernel always receives one contiguous usable region rather than
/// discovering real firmware memory layout.
func Phys_init(npages int) *Physmem_t {
	if npages < 2 {
		panic("need at least 2 pages")
	}
	phys := Physmem
	phys.ram = make([]byte, npages*PGSIZE)
	phys.Pgs = make([]Physpg_t, npages)
	phys.startn = 0
	phys.freei = 0
	phys.freelen = int32(npages)
	phys.pmaps = ^uint32(0)
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = 0
		if i == npages-1 {
			phys.Pgs[i].nexti = ^uint32(0)
		} else {
			phys.Pgs[i].nexti = uint32(i + 1)
		}
	}
	for i := range phys.percpu {
		phys.percpu[i].percpu_init()
	}
	phys.Dmapinit = true

	Zeropg, P_zeropg, _ = phys._refpg_new()
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	phys.Refup(P_zeropg)

	fmt.Printf("mem: reserved %d pages (%dKB)\n", npages, npages*PGSIZE/1024)
	return phys
}
