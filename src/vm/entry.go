package vm

import "defs"
import "fdops"
import "mem"
import "util"

// kpmap holds the kernel half of every address space: the set of page-table
// entries below mem.VUSER, shared by reference across every process.
// Kernel_init installs it once at boot, before any Create_empty call.
var kpmap *mem.Pmap_t

// Kernel_init records the page-table page whose low mem.VUSER entries every
// new address space should inherit. A real bring-up collaborator builds
// this by identity-mapping the kernel image and the direct-map window; this
// package only needs the result.
func Kernel_init(k *mem.Pmap_t) {
	kpmap = k
}

// Create_empty allocates a fresh address space with the kernel half mapped
// and the user half empty, per the Address Space contract's create_empty.
func Create_empty() (*Vm_t, defs.Err_t) {
	pm, p_pm, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	for i := range pm {
		pm[i] = 0
	}
	if kpmap != nil {
		copy(pm[:mem.VUSER], kpmap[:mem.VUSER])
	}
	mem.Physmem.Refup(p_pm)
	return &Vm_t{Pmap: pm, P_pmap: p_pm}, 0
}

// Backing_t describes the store behind a mapping installed by Map: private
// anonymous memory, a file (private or, with Unpin set, shared), or memory
// shared between threads of one address space.
type Backing_t struct {
	Mtype mtype_t
	Fops  fdops.Fdops_i
	Foff  int
	Unpin mem.Unpin_i
}

// AnonBacking is the zero-value Backing_t for a private anonymous mapping.
var AnonBacking = Backing_t{Mtype: VANON}

// SharedAnonBacking describes memory shared between the threads of one
// address space (never CoW-managed).
var SharedAnonBacking = Backing_t{Mtype: VSANON}

// Map installs a new region [start, start+length) with the given
// permissions and backing. It rejects a range overlapping any existing
// region rather than merging or splitting.
func (as *Vm_t) Map(start, length int, perms mem.Pa_t, backing Backing_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn := uintptr(start) >> PGSHIFT
	pglen := util.Roundup(length, mem.PGSIZE) >> PGSHIFT
	if as.Vmregion.overlaps(pgn, pglen) {
		return -defs.EEXIST
	}
	vmi := as._mkvmi(backing.Mtype, start, length, perms, backing.Foff,
		backing.Fops, backing.Unpin)
	as.Vmregion.insert(vmi)
	return 0
}

// Unmap releases the region beginning exactly at start, tearing down every
// present mapping in its range per the CoW Table's release rule and
// shooting down the TLB for the range. It returns NotMapped if no region
// begins at start.
func (as *Vm_t) Unmap(start, length int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn := uintptr(start) >> PGSHIFT
	vmi, ok := as.Vmregion.remove(pgn)
	if !ok {
		return -defs.ENOENT
	}
	va := start
	shot := 0
	for i := 0; i < vmi.Pglen; i++ {
		if as.Page_remove(va) {
			shot++
		}
		va += PGSIZE
	}
	if shot > 0 {
		as.Tlbshoot(uintptr(start), vmi.Pglen)
	}
	return 0
}

// Protect changes the permissions of the region beginning exactly at start
// and downgrades or upgrades every present mapping within it to match,
// shooting down the TLB for any entry that lost write permission. It
// returns NotMapped if no region begins at start.
func (as *Vm_t) Protect(start, length int, newperms mem.Pa_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pgn := uintptr(start) >> PGSHIFT
	vmi, ok := as.Vmregion.Lookup(uintptr(start))
	if !ok || vmi.Pgn != pgn {
		return -defs.ENOENT
	}
	vmi.Perms = uint(newperms)
	va := uintptr(start)
	shot := 0
	for i := 0; i < vmi.Pglen; i++ {
		pte := Pmap_lookup(as.Pmap, int(va))
		if pte != nil && *pte&PTE_P != 0 {
			wasw := *pte&PTE_W != 0
			np := *pte &^ (PTE_W | PTE_COW)
			if newperms&PTE_W != 0 {
				np |= PTE_W
			}
			*pte = np
			if wasw && newperms&PTE_W == 0 {
				shot++
			}
		}
		va += uintptr(PGSIZE)
	}
	if shot > 0 {
		as.Tlbshoot(uintptr(start), vmi.Pglen)
	}
	return 0
}

// Translate implements the Address Space contract's translate: the
// physical frame and byte offset backing virtual address va, or Unmapped.
func (as *Vm_t) Translate(va int) (mem.Pa_t, int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pte := Pmap_lookup(as.Pmap, va)
	if pte == nil || *pte&PTE_P == 0 {
		return 0, 0, -defs.EFAULT
	}
	return mem.Pa_t(*pte & PTE_ADDR), va & int(PGOFFSET), 0
}

// Activate installs as as the current hardware address space on the
// calling CPU, per the Address Space contract. It marks the local CPU in
// the target pmap's shootdown mask and clears it from prev's, so a
// subsequent Tlbshoot against either space knows accurately which CPUs to
// interrupt.
func Activate(prev, as *Vm_t, cpu int) {
	bit := uint64(1) << uint(cpu)
	if prev != nil && prev != as {
		mem.AtomicClearMask(mem.Physmem.Tlbaddr(prev.P_pmap), bit)
	}
	mem.AtomicSetMask(mem.Physmem.Tlbaddr(as.P_pmap), bit)
}
