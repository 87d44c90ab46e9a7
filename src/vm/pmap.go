package vm

import "sync/atomic"

import "arch"
import "defs"
import "mem"

// PTE_* / PG* re-exports of mem's page-table bit layout, for brevity at
// every call site that walks a pmap.
const (
	PTE_P      = mem.PTE_P
	PTE_W      = mem.PTE_W
	PTE_U      = mem.PTE_U
	PTE_PWT    = mem.PTE_PWT
	PTE_PCD    = mem.PTE_PCD
	PTE_A      = mem.PTE_A
	PTE_D      = mem.PTE_D
	PTE_PS     = mem.PTE_PS
	PTE_G      = mem.PTE_G
	PTE_COW    = mem.PTE_COW
	PTE_WASCOW = mem.PTE_WASCOW
	PTE_ADDR   = mem.PTE_ADDR
	PGOFFSET   = mem.PGOFFSET
	PGSHIFT    = mem.PGSHIFT
	PGSIZE     = mem.PGSIZE
)

// four levels of 512-entry page-table pages cover a 9+9+9+9+12 = 48-bit
// virtual address, the same layout x86-64 uses for its real page tables.
const pmlevels = 4
const idxbits = 9
const idxmask = (1 << idxbits) - 1

func pgindex(va int, level uint) int {
	return (va >> (PGSHIFT + idxbits*level)) & idxmask
}

// pmap_walk returns the leaf PTE slot for va within pmap, creating any
// missing intermediate page-table pages (installed with the given
// permissions) as it descends. It never creates the leaf entry itself --
// that is the caller's job (Page_insert/Blockpage_insert).
func pmap_walk(pmap *mem.Pmap_t, va int, perms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	cur := pmap
	for lvl := pmlevels - 1; lvl >= 1; lvl-- {
		idx := pgindex(va, uint(lvl))
		entry := &cur[idx]
		if *entry&PTE_P == 0 {
			npm, p_np, ok := mem.Physmem.Pmap_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			for i := range npm {
				npm[i] = 0
			}
			mem.Physmem.Refup(p_np)
			*entry = p_np | (perms &^ PTE_PS) | PTE_P
		}
		next := mem.Physmem.Dmap(*entry & PTE_ADDR)
		cur = mem.Pg2pmap(next)
	}
	idx := pgindex(va, 0)
	return &cur[idx], 0
}

/// Pmap_lookup returns the leaf PTE slot for va within pmap without
/// creating any missing intermediate tables, or nil if any level of the
/// walk is absent.
func Pmap_lookup(pmap *mem.Pmap_t, va int) *mem.Pa_t {
	cur := pmap
	for lvl := pmlevels - 1; lvl >= 1; lvl-- {
		idx := pgindex(va, uint(lvl))
		entry := &cur[idx]
		if *entry&PTE_P == 0 {
			return nil
		}
		next := mem.Physmem.Dmap(*entry & PTE_ADDR)
		cur = mem.Pg2pmap(next)
	}
	idx := pgindex(va, 0)
	return &cur[idx]
}

// tlb_shootdown invalidates the given virtual range on the calling CPU and
// asks every other CPU that might have this pmap active to invalidate it
// too, via the arch seam the boot/SMP collaborator installs
// (arch.Shootdown). startva/pgcount describe the range in whole pages.
func tlb_shootdown(p_pmap mem.Pa_t, tlbp *uint64, startva uintptr, pgcount int) {
	arch.InvalidateLocal(startva, pgcount)
	mask := atomic.LoadUint64(tlbp) &^ (uint64(1) << uint(arch.CPUID()))
	if mask == 0 {
		return
	}
	cpus := make([]int, 0, arch.MaxCPU)
	for i := 0; i < arch.MaxCPU; i++ {
		if mask&(1<<uint(i)) != 0 {
			cpus = append(cpus, i)
		}
	}
	arch.Shootdown(cpus, startva, pgcount)
}

// Uvmfree_inner recursively walks pmap, releasing every present user leaf
// page back to the CoW Table/Frame Allocator and every intermediate
// page-table page back to the Frame Allocator's pmap free list. It leaves
// the top-level pmap page itself allocated; the caller (Vm_t.Uvmfree) frees
// that via Dec_pmap once this returns, since a CPU may still have it loaded
// as its active root until the process fully detaches.
func Uvmfree_inner(pmap *mem.Pmap_t, p_pmap mem.Pa_t, vr *Vmregion_t) {
	uvmfree_level(pmap, pmlevels-1)
}

func uvmfree_level(pm *mem.Pmap_t, lvl int) {
	for i := range pm {
		e := pm[i]
		if e&PTE_P == 0 {
			continue
		}
		if e&PTE_U == 0 {
			// kernel half is shared by reference; never tear down
			continue
		}
		phys := mem.Pa_t(e & PTE_ADDR)
		if lvl == 0 {
			mem.Physmem.Refdown(phys)
			continue
		}
		child := mem.Physmem.Dmap(phys)
		uvmfree_level(mem.Pg2pmap(child), lvl-1)
		mem.Physmem.Dec_pmap(phys)
	}
}
