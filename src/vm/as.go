package vm

import (
	"sync"

	"cow"
	"defs"
	"fdops"
	"mem"
	"util"
)

// Vm_t is one process's address space: the region list, the page-table
// root, and the lock that serializes every mutation of either. The page
// fault path, fork, and the map/unmap/protect entry points all run under
// this one lock; only the hardware walker reads the page table without it.
type Vm_t struct {
	sync.Mutex

	Vmregion Vmregion_t

	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	pgfltaken bool
}

// Lock_pmap acquires the address-space lock. The pgfltaken flag exists so
// inner helpers can assert they were called with it held.
func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

// Unlock_pmap releases the address-space lock.
func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

// Lockassert_pmap panics unless the address-space lock is held.
func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

// Userdmap8_inner returns the kernel-visible bytes backing user address
// va, from va to the end of its page. k2u marks the access as a kernel
// write into user memory, which must force a CoW break exactly as a user
// write would. Faults the page in if needed.
func (as *Vm_t) Userdmap8_inner(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & int(PGOFFSET)
	uva := uintptr(va)
	vmi, ok := as.Vmregion.Lookup(uva)
	if !ok {
		return nil, -defs.EFAULT
	}
	pte, ok := vmi.Ptefor(as.Pmap, uva)
	if !ok {
		return nil, -defs.ENOMEM
	}
	ecode := uintptr(PTE_U)
	needfault := true
	isp := *pte&PTE_P != 0
	if k2u {
		ecode |= uintptr(PTE_W)
		// a present mapping still carrying PTE_COW must fault so the
		// kernel's write cannot leak into a frame another space maps
		iscow := *pte&PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else if isp {
		needfault = false
	}

	if needfault {
		if err := Sys_pgfault(as, vmi, uva, ecode); err != 0 {
			return nil, err
		}
	}

	pg := mem.Physmem.Dmap(*pte & PTE_ADDR)
	bpg := mem.Pg2bytes(pg)
	return bpg[voff:], 0
}

// Userreadn reads an n-byte value from user address va.
func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	a, b := as.userreadn_inner(va, n)
	as.Unlock_pmap()
	return a, b
}

func (as *Vm_t) userreadn_inner(va, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("large n")
	}
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = as.Userdmap8_inner(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
	}
	return ret, 0
}

// Userwriten stores val as an n-byte value at user address va, breaking
// CoW sharing on the way if the destination page is shared.
func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := as.Userdmap8_inner(va+i, true)
		dst = t
		if err != 0 {
			return err
		}
		util.Writen(dst, n-i, 0, v)
	}
	return 0
}

// Tlbshoot invalidates pgcount pages starting at startva on every CPU
// that may currently observe them through this address space. The
// per-pmap CPU mask lets the common case, only the local CPU has this
// space active, skip the broadcast IPI entirely.
func (as *Vm_t) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	as.Lockassert_pmap()
	tlbp := mem.Physmem.Tlbaddr(as.P_pmap)
	tlb_shootdown(as.P_pmap, tlbp, startva, pgcount)
}

// Sys_pgfault services a fault at faultaddr inside region vmi. The
// classification it implements: a fault in a guard region or a write into
// a region without write permission is the caller's problem (EFAULT, fatal
// to the process); a write against a shared frame breaks the sharing; a
// first touch maps the page in. Runs with the address-space lock held.
func Sys_pgfault(as *Vm_t, vmi *Vminfo_t, faultaddr, ecode uintptr) defs.Err_t {
	isguard := vmi.Perms == 0
	iswrite := ecode&uintptr(PTE_W) != 0
	writeok := vmi.Perms&uint(PTE_W) != 0
	if isguard || (iswrite && !writeok) {
		return -defs.EFAULT
	}
	if ecode&uintptr(PTE_U) == 0 {
		// a supervisor-mode fault that reaches this far is a kernel bug
		panic("kernel page fault")
	}
	if vmi.Mtype == VSANON {
		panic("shared anon pages should always be mapped")
	}

	pte, ok := vmi.Ptefor(as.Pmap, faultaddr)
	if !ok {
		return -defs.ENOMEM
	}
	if (iswrite && *pte&PTE_WASCOW != 0) ||
		(!iswrite && *pte&PTE_P != 0) {
		// another thread of this process won the race to service the
		// same fault; nothing left to do
		return 0
	}

	if vmi.Mtype == VFILE && vmi.file.shared {
		return as.pgfSharedFile(vmi, faultaddr, pte)
	}
	if iswrite {
		return as.pgfWrite(vmi, faultaddr, pte)
	}
	return as.pgfRead(vmi, faultaddr, pte)
}

// pgfSharedFile maps the backing object's own page, read or write alike;
// shared file mappings never copy.
func (as *Vm_t) pgfSharedFile(vmi *Vminfo_t, faultaddr uintptr, pte *mem.Pa_t) defs.Err_t {
	_, p_pg, err := vmi.Filepage(faultaddr)
	if err != 0 {
		return err
	}
	perms := PTE_U | PTE_P | PTE_A
	if vmi.Perms&uint(PTE_W) != 0 {
		perms |= PTE_W | PTE_D
	}
	tshoot, ok := as.Blockpage_insert(int(faultaddr), p_pg, perms, *pte&PTE_P == 0, pte)
	if !ok {
		mem.Physmem.Refdown(p_pg)
		return -defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

// pgfWrite resolves a write fault: break CoW sharing on a present
// read-only mapping, or materialize a fresh writable page on first touch.
func (as *Vm_t) pgfWrite(vmi *Vminfo_t, faultaddr uintptr, pte *mem.Pa_t) defs.Err_t {
	if *pte&PTE_W != 0 {
		panic("write fault on writable pte")
	}
	perms := PTE_U | PTE_P | PTE_A | PTE_W | PTE_WASCOW | PTE_D

	if *pte&PTE_COW != 0 {
		phys := *pte & PTE_ADDR
		nf, copied, ok := cow.Unshare(phys)
		if !ok {
			return -defs.ENOMEM
		}
		if !copied {
			// sole owner: upgrade the mapping in place, no copy
			tmp := *pte &^ PTE_COW
			tmp |= PTE_W | PTE_WASCOW | PTE_D
			*pte = tmp
			as.Tlbshoot(faultaddr, 1)
			return 0
		}
		// Unshare already dropped this mapping's claim on the old
		// frame; take the new frame's reference and publish it
		mem.Physmem.Refup(nf)
		*pte = nf | perms
		as.Tlbshoot(faultaddr, 1)
		return 0
	}

	if *pte != 0 {
		panic("no")
	}
	var pgsrc *mem.Pg_t
	switch vmi.Mtype {
	case VANON:
		pgsrc = mem.Zeropg
	case VFILE:
		src, p_bpg, err := vmi.Filepage(faultaddr)
		if err != 0 {
			return err
		}
		defer mem.Physmem.Refdown(p_bpg)
		pgsrc = src
	default:
		panic("wut")
	}
	pg, p_pg, ok := mem.Physmem.Refpg_new_nozero()
	if !ok {
		return -defs.ENOMEM
	}
	*pg = *pgsrc
	tshoot, ok := as.Page_insert(int(faultaddr), p_pg, perms, true, pte)
	if !ok {
		mem.Physmem.Refdown(p_pg)
		return -defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

// pgfRead maps the page read-only on first touch: the shared zero page
// for anonymous regions, the backing object's page for private file
// regions. A writable region's page is installed with PTE_COW so the
// eventual first write comes back through pgfWrite.
func (as *Vm_t) pgfRead(vmi *Vminfo_t, faultaddr uintptr, pte *mem.Pa_t) defs.Err_t {
	if *pte != 0 {
		panic("must be 0")
	}
	var p_pg mem.Pa_t
	isblockpage := false
	switch vmi.Mtype {
	case VANON:
		p_pg = mem.P_zeropg
	case VFILE:
		var err defs.Err_t
		_, p_pg, err = vmi.Filepage(faultaddr)
		if err != 0 {
			return err
		}
		isblockpage = true
	default:
		panic("wut")
	}
	perms := PTE_U | PTE_P | PTE_A
	if vmi.Perms&uint(PTE_W) != 0 {
		perms |= PTE_COW
	}
	var tshoot, ok bool
	if isblockpage {
		tshoot, ok = as.Blockpage_insert(int(faultaddr), p_pg, perms, true, pte)
	} else {
		tshoot, ok = as.Page_insert(int(faultaddr), p_pg, perms, true, pte)
	}
	if !ok {
		mem.Physmem.Refdown(p_pg)
		return -defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

// Page_insert maps p_pg at va with perms, taking a reference on p_pg. The
// first return value reports whether a present mapping was replaced (the
// caller owes a TLB invalidation); the second is false if walking the page
// table ran out of memory.
func (as *Vm_t) Page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as._page_insert(va, p_pg, perms, vempty, true, pte)
}

// Blockpage_insert is Page_insert without the reference bump, for pages
// whose lifetime the backing object manages.
func (as *Vm_t) Blockpage_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as._page_insert(va, p_pg, perms, vempty, false, pte)
}

func (as *Vm_t) _page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty, refup bool, pte *mem.Pa_t) (bool, bool) {
	as.Lockassert_pmap()
	if refup {
		mem.Physmem.Refup(p_pg)
	}
	if pte == nil {
		var err defs.Err_t
		pte, err = pmap_walk(as.Pmap, va, PTE_U|PTE_W)
		if err != 0 {
			return false, false
		}
	}
	ninval := false
	var p_old mem.Pa_t
	if *pte&PTE_P != 0 {
		if vempty {
			panic("pte not empty")
		}
		if *pte&PTE_U == 0 {
			panic("replacing kernel page")
		}
		ninval = true
		p_old = mem.Pa_t(*pte & PTE_ADDR)
	}
	*pte = p_pg | perms | PTE_P
	if ninval {
		mem.Physmem.Refdown(p_old)
	}
	return ninval, true
}

// Page_remove unmaps va, dropping the mapping's frame reference, and
// reports whether a present mapping was removed.
func (as *Vm_t) Page_remove(va int) bool {
	as.Lockassert_pmap()
	remmed := false
	pte := Pmap_lookup(as.Pmap, va)
	if pte != nil && *pte&PTE_P != 0 {
		if *pte&PTE_U == 0 {
			panic("removing kernel page")
		}
		p_old := mem.Pa_t(*pte & PTE_ADDR)
		mem.Physmem.Refdown(p_old)
		*pte = 0
		remmed = true
	}
	return remmed
}

// Pgfault is the fault entry point for a thread of this address space:
// look the address up in the region list and service it, or report EFAULT
// for an address no region covers.
func (as *Vm_t) Pgfault(tid defs.Tid_t, fa, ecode uintptr) defs.Err_t {
	as.Lock_pmap()
	vmi, ok := as.Vmregion.Lookup(fa)
	if !ok {
		as.Unlock_pmap()
		return -defs.EFAULT
	}
	ret := Sys_pgfault(as, vmi, fa, ecode)
	as.Unlock_pmap()
	return ret
}

// Uvmfree tears down every user mapping and page-table page. Dec_pmap may
// free the root itself, so it must run after the walk.
func (as *Vm_t) Uvmfree() {
	Uvmfree_inner(as.Pmap, as.P_pmap, &as.Vmregion)
	mem.Physmem.Dec_pmap(as.P_pmap)
	as.Vmregion.Clear()
}

// Vmadd_anon installs a private anonymous region. Pages materialize lazily
// through the fault path.
func (as *Vm_t) Vmadd_anon(start, len int, perms mem.Pa_t) {
	vmi := as._mkvmi(VANON, start, len, perms, 0, nil, nil)
	as.Vmregion.insert(vmi)
}

// _mkvmi builds a region descriptor. perms carries only PTE_U/PTE_W; the
// fault path decides the hardware bits (COW and friends) per page. perms
// == 0 marks a guard region no mapping may ever fill.
func (as *Vm_t) _mkvmi(mt mtype_t, start, len int, perms mem.Pa_t, foff int,
	fops fdops.Fdops_i, unpin mem.Unpin_i) *Vminfo_t {
	if len <= 0 {
		panic("bad vmi len")
	}
	if mem.Pa_t(start|len)&PGOFFSET != 0 {
		panic("start and len must be aligned")
	}
	pm := PTE_W | PTE_COW | PTE_WASCOW | PTE_PS | PTE_PCD | PTE_P | PTE_U
	if r := perms & pm; r != 0 && r != PTE_U && r != (PTE_W|PTE_U) {
		panic("bad perms")
	}
	ret := &Vminfo_t{}
	pgn := uintptr(start) >> PGSHIFT
	pglen := util.Roundup(len, mem.PGSIZE) >> PGSHIFT
	ret.Mtype = mt
	ret.Pgn = pgn
	ret.Pglen = pglen
	ret.Perms = uint(perms)
	if mt == VFILE {
		ret.file.foff = foff
		ret.file.mfile = &Mfile_t{}
		ret.file.mfile.mfops = fops
		ret.file.mfile.unpin = unpin
		ret.file.mfile.mapcount = pglen
		ret.file.shared = unpin != nil
	}
	return ret
}

// Mkuserbuf builds a Userbuf_t over [userva, userva+len) of this address
// space.
func (as *Vm_t) Mkuserbuf(userva, len int) *Userbuf_t {
	ret := &Userbuf_t{}
	ret.ub_init(as, userva, len)
	return ret
}
