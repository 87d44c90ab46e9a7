package vm

import (
	"sync"
	"testing"

	"arch"
	"mem"
)

var physOnce sync.Once

func ensurePhys() {
	arch.BindCPU(0)
	physOnce.Do(func() {
		mem.Phys_init(256)
	})
}

// TestForkSharesThenUnsharesOnWrite: a parent writes an anonymous page,
// forks, and the child's first write to its copy
// of that page triggers exactly one copy-on-write unshare, leaving the
// parent's original contents and the child's new contents each on their own
// exclusively-owned frame.
func TestForkSharesThenUnsharesOnWrite(t *testing.T) {
	ensurePhys()

	const va = mem.USERMIN

	parent, err := Create_empty()
	if err != 0 {
		t.Fatalf("create_empty: %v", err)
	}
	parent.Vmadd_anon(va, mem.PGSIZE, PTE_U|PTE_W)

	if err := parent.Userwriten(va, 1, 0x5a); err != 0 {
		t.Fatalf("parent write: %v", err)
	}

	parentFrame, _, err := parent.Translate(va)
	if err != 0 {
		t.Fatalf("parent translate: %v", err)
	}
	if got := mem.Physmem.Refcnt(parentFrame); got != 1 {
		t.Fatalf("expected parent frame refcount 1 before fork, got %d", got)
	}

	child, err := Fork(parent)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}

	childFrame, _, err := child.Translate(va)
	if err != 0 {
		t.Fatalf("child translate: %v", err)
	}
	if childFrame != parentFrame {
		t.Fatalf("expected child to share parent's frame, got %d want %d", childFrame, parentFrame)
	}
	if got := mem.Physmem.Refcnt(parentFrame); got != 2 {
		t.Fatalf("expected shared frame refcount 2 after fork, got %d", got)
	}

	parentPte := Pmap_lookup(parent.Pmap, va)
	childPte := Pmap_lookup(child.Pmap, va)
	if *parentPte&PTE_W != 0 {
		t.Fatal("expected parent's mapping downgraded to read-only after fork")
	}
	if *childPte&PTE_W != 0 {
		t.Fatal("expected child's mapping installed read-only")
	}

	if err := child.Userwriten(va, 1, 0x5b); err != 0 {
		t.Fatalf("child write: %v", err)
	}

	childFrame2, _, err := child.Translate(va)
	if err != 0 {
		t.Fatalf("child re-translate: %v", err)
	}
	if childFrame2 == parentFrame {
		t.Fatal("expected child's write to unshare onto a new frame")
	}
	if got := mem.Physmem.Refcnt(parentFrame); got != 1 {
		t.Fatalf("expected original frame refcount 1 after unshare, got %d", got)
	}
	if got := mem.Physmem.Refcnt(childFrame2); got != 1 {
		t.Fatalf("expected child's new frame refcount 1, got %d", got)
	}

	pval, err := parent.Userreadn(va, 1)
	if err != 0 {
		t.Fatalf("parent reread: %v", err)
	}
	if pval != 0x5a {
		t.Fatalf("expected parent's page untouched at 0x5a, got %#x", pval)
	}

	cval, err := child.Userreadn(va, 1)
	if err != 0 {
		t.Fatalf("child reread: %v", err)
	}
	if cval != 0x5b {
		t.Fatalf("expected child's page at 0x5b, got %#x", cval)
	}
}
