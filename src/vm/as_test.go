package vm

import (
	"testing"

	"defs"
	"mem"
)

// TestMapUnmapRestoresRefcounts exercises the round-trip law: mapping a
// region, faulting its pages in, and unmapping it returns every frame the
// region pinned to the allocator.
func TestMapUnmapRestoresRefcounts(t *testing.T) {
	ensurePhys()
	as, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	const va = mem.USERMIN
	if err := as.Map(va, 2*mem.PGSIZE, PTE_U|PTE_W, AnonBacking); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if err := as.Userwriten(va, 1, 0x11); err != 0 {
		t.Fatalf("write page 0: %v", err)
	}
	if err := as.Userwriten(va+mem.PGSIZE, 1, 0x22); err != 0 {
		t.Fatalf("write page 1: %v", err)
	}
	f0, _, err := as.Translate(va)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}
	f1, _, err := as.Translate(va + mem.PGSIZE)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}
	if mem.Physmem.Refcnt(f0) != 1 || mem.Physmem.Refcnt(f1) != 1 {
		t.Fatalf("expected each faulted frame owned once, got %d/%d",
			mem.Physmem.Refcnt(f0), mem.Physmem.Refcnt(f1))
	}

	if err := as.Unmap(va, 2*mem.PGSIZE); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	if mem.Physmem.Refcnt(f0) != 0 || mem.Physmem.Refcnt(f1) != 0 {
		t.Fatalf("expected frames returned to the allocator, got %d/%d",
			mem.Physmem.Refcnt(f0), mem.Physmem.Refcnt(f1))
	}
	if _, _, err := as.Translate(va); err == 0 {
		t.Fatal("expected translate of unmapped address to fail")
	}
	// the range is free again: a second map at the same place succeeds
	if err := as.Map(va, 2*mem.PGSIZE, PTE_U|PTE_W, AnonBacking); err != 0 {
		t.Fatalf("remap: %v", err)
	}
	if err := as.Unmap(va, 2*mem.PGSIZE); err != 0 {
		t.Fatalf("unmap after remap: %v", err)
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	ensurePhys()
	as, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	const va = mem.USERMIN + 0x100000
	if err := as.Map(va, 4*mem.PGSIZE, PTE_U|PTE_W, AnonBacking); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if err := as.Map(va+2*mem.PGSIZE, 4*mem.PGSIZE, PTE_U, AnonBacking); err != -defs.EEXIST {
		t.Fatalf("expected EEXIST for overlapping map, got %v", err)
	}
	// an abutting region is not an overlap
	if err := as.Map(va+4*mem.PGSIZE, mem.PGSIZE, PTE_U, AnonBacking); err != 0 {
		t.Fatalf("abutting map rejected: %v", err)
	}
}

func TestUnmapOfUnmappedRangeFails(t *testing.T) {
	ensurePhys()
	as, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	if err := as.Unmap(mem.USERMIN+0x400000, mem.PGSIZE); err != -defs.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

// TestProtectDowngradeRevokesWrite checks that removing write permission
// from a region makes subsequent writes fault fatally instead of silently
// landing.
func TestProtectDowngradeRevokesWrite(t *testing.T) {
	ensurePhys()
	as, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	const va = mem.USERMIN + 0x200000
	if err := as.Map(va, mem.PGSIZE, PTE_U|PTE_W, AnonBacking); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if err := as.Userwriten(va, 1, 0x33); err != 0 {
		t.Fatalf("initial write: %v", err)
	}
	if err := as.Protect(va, mem.PGSIZE, PTE_U); err != 0 {
		t.Fatalf("protect: %v", err)
	}
	// a user-mode write fault against the downgraded region is fatal, not
	// serviced
	if err := as.Pgfault(1, uintptr(va), uintptr(PTE_U|PTE_W)); err != -defs.EFAULT {
		t.Fatalf("expected EFAULT after downgrade, got %v", err)
	}
	// reads still work and see the pre-downgrade value
	v, err := as.Userreadn(va, 1)
	if err != 0 {
		t.Fatalf("read: %v", err)
	}
	if v != 0x33 {
		t.Fatalf("expected 0x33, got %#x", v)
	}
}

// TestForkWithNoWritablePages covers the empty-and-read-only boundary: an
// address space with nothing writable forks successfully and the child
// shares the parent's frames directly.
func TestForkWithNoWritablePages(t *testing.T) {
	ensurePhys()
	empty, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	if _, err := Fork(empty); err != 0 {
		t.Fatalf("fork of empty address space: %v", err)
	}

	parent, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	const va = mem.USERMIN + 0x300000
	parent.Vmadd_anon(va, mem.PGSIZE, PTE_U)
	if _, err := parent.Userreadn(va, 1); err != 0 {
		t.Fatalf("fault read-only page in: %v", err)
	}
	pf, _, err := parent.Translate(va)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}
	before := mem.Physmem.Refcnt(pf)

	child, err := Fork(parent)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	cf, _, err := child.Translate(va)
	if err != 0 {
		t.Fatalf("child translate: %v", err)
	}
	if cf != pf {
		t.Fatal("expected read-only page shared directly")
	}
	if got := mem.Physmem.Refcnt(pf); got != before+1 {
		t.Fatalf("expected refcount %d after fork, got %d", before+1, got)
	}
}

// TestForkFailureLeavesParentIntact starves the allocator so fork runs out
// of memory partway through and checks the failure is atomic: the error is
// OutOfMemory, the parent's frames are owned by the parent alone, and the
// parent can still write its pages afterwards.
func TestForkFailureLeavesParentIntact(t *testing.T) {
	ensurePhys()
	parent, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	const va = mem.USERMIN + 0x500000
	parent.Vmadd_anon(va, mem.PGSIZE, PTE_U|PTE_W)
	if err := parent.Userwriten(va, 1, 0x77); err != 0 {
		t.Fatalf("parent write: %v", err)
	}
	pf, _, err := parent.Translate(va)
	if err != 0 {
		t.Fatalf("translate: %v", err)
	}

	// drain every free frame, then hand back exactly one so the child's
	// page-table root allocates but its first page-table walk cannot
	var drained []mem.Pa_t
	for {
		_, p, ok := mem.Physmem.Refpg_new_nozero()
		if !ok {
			break
		}
		drained = append(drained, p)
	}
	restore := func() {
		for _, p := range drained {
			mem.Physmem.Refup(p)
			mem.Physmem.Refdown(p)
		}
	}
	defer restore()
	if len(drained) == 0 {
		t.Fatal("expected frames to drain")
	}
	last := drained[len(drained)-1]
	drained = drained[:len(drained)-1]
	mem.Physmem.Refup(last)
	mem.Physmem.Refdown(last)

	if _, err := Fork(parent); err != -defs.ENOMEM {
		t.Fatalf("expected ENOMEM from starved fork, got %v", err)
	}
	if got := mem.Physmem.Refcnt(pf); got != 1 {
		t.Fatalf("expected parent frame refcount restored to 1, got %d", got)
	}

	restore()
	drained = nil

	if err := parent.Userwriten(va, 1, 0x78); err != 0 {
		t.Fatalf("parent write after failed fork: %v", err)
	}
	v, err := parent.Userreadn(va, 1)
	if err != 0 {
		t.Fatalf("read: %v", err)
	}
	if v != 0x78 {
		t.Fatalf("expected 0x78, got %#x", v)
	}
}
