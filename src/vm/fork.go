package vm

import "cow"
import "defs"
import "mem"
import "oommsg"

// Fork implements the Address Space contract's duplicate: a copy-on-write
// clone of src. Every present page of a writable anonymous region is
// shared into the CoW Table, mapped read-only with the cow flag set in
// both address spaces, and the source mapping is downgraded to read-only
// if it was not already. Non-writable and shared regions
// are mapped identically with no CoW flag bookkeeping, though the shared
// frame still gains a reference. The kernel half is inherited by reference
// via Create_empty.
//
// Fork is failure-atomic: on OutOfMemory partway through, every share
// performed so far is reverted and the partial destination address space is
// torn down before the error is returned. src keeps whatever read-only
// downgrades were already applied to the regions copied so far; that is not
// visible to anything but src itself and is indistinguishable from a page
// that simply was never written.
func Fork(src *Vm_t) (*Vm_t, defs.Err_t) {
	dst, err := Create_empty()
	if err != 0 {
		return nil, err
	}

	src.Lock_pmap()
	defer src.Unlock_pmap()
	dst.Lock_pmap()
	defer dst.Unlock_pmap()

	shared := make([]mem.Pa_t, 0, 64)
	fail := func(e defs.Err_t) (*Vm_t, defs.Err_t) {
		for _, p := range shared {
			cow.Release(p)
		}
		Uvmfree_inner(dst.Pmap, dst.P_pmap, &dst.Vmregion)
		mem.Physmem.Dec_pmap(dst.P_pmap)
		if e == -defs.ENOMEM {
			notifyOOM(int(mem.PGSIZE))
		}
		return nil, e
	}

	for _, vmi := range src.Vmregion.Regions() {
		nvmi := &Vminfo_t{
			Mtype: vmi.Mtype,
			Pgn:   vmi.Pgn,
			Pglen: vmi.Pglen,
			Perms: vmi.Perms,
			file:  vmi.file,
		}
		dst.Vmregion.insert(nvmi)

		writable := vmi.Mtype == VANON && vmi.Perms&uint(PTE_W) != 0
		va := vmi.Pgn << PGSHIFT
		for i := 0; i < vmi.Pglen; i++ {
			spte := Pmap_lookup(src.Pmap, int(va))
			if spte == nil || *spte&PTE_P == 0 {
				va += uintptr(PGSIZE)
				continue
			}
			frame := mem.Pa_t(*spte & PTE_ADDR)
			perms := *spte &^ PTE_ADDR

			if writable {
				// clear WASCOW too: a stale resolved-marker would make
				// the next write fault in either space a silent no-op
				perms = (perms &^ (PTE_W | PTE_WASCOW)) | PTE_COW
				*spte = (*spte &^ (PTE_W | PTE_WASCOW)) | PTE_COW
				src.Tlbshoot(va, 1)
			}

			dpte, dperr := pmap_walk(dst.Pmap, int(va), mem.Pa_t(PTE_U|PTE_W))
			if dperr != 0 {
				return fail(-defs.ENOMEM)
			}
			cow.Share(frame)
			shared = append(shared, frame)
			*dpte = frame | perms | PTE_P

			va += uintptr(PGSIZE)
		}
	}

	return dst, 0
}

// notifyOOM asks the reclaim channel for pages on top of returning ENOMEM.
// Fork must finish unwinding and return its error whether or not a reclaim
// daemon is listening.
func notifyOOM(need int) {
	oommsg.Send(need)
}
