package cow

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
		mem.Phys_init(64)
	})
}

// TestShareThenReleaseLeavesRefcountUnchanged exercises the round-trip law
// every CoW Table operation must satisfy: sharing a frame once and then
// releasing one mapping's claim on it returns the refcount to where it
// started.
func TestShareThenReleaseLeavesRefcountUnchanged(t *testing.T) {
	ensurePhys()
	_, frame, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	mem.Physmem.Refup(frame) // the installing mapping's own reference
	before := mem.Physmem.Refcnt(frame)

	Share(frame)
	Release(frame)

	if got := mem.Physmem.Refcnt(frame); got != before {
		t.Fatalf("refcount not restored: before=%d after=%d", before, got)
	}
}

// TestUnshareAtRefcountOneClaimsInPlace exercises the sole-owner
// fast path: a frame with refcount 1 is claimed without copying.
func TestUnshareAtRefcountOneClaimsInPlace(t *testing.T) {
	ensurePhys()
	_, frame, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	mem.Physmem.Refup(frame)
	if got := mem.Physmem.Refcnt(frame); got != 1 {
		t.Fatalf("expected refcount 1, got %d", got)
	}

	out, copied, ok := Unshare(frame)
	if !ok {
		t.Fatal("unshare failed")
	}
	if copied {
		t.Fatal("expected in-place claim, got a copy")
	}
	if out != frame {
		t.Fatalf("expected same frame back, got different frame")
	}
}

// TestUnshareAtRefcountTwoCopies exercises the shared case: a frame mapped
// by two address spaces must be copied on unshare, dropping the original's
// refcount by one and handing back a fresh frame holding a copy of its
// contents.
func TestUnshareAtRefcountTwoCopies(t *testing.T) {
	ensurePhys()
	pg, frame, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	pg[0] = 0x5a
	mem.Physmem.Refup(frame) // parent's mapping
	Share(frame)             // child's mapping
	if got := mem.Physmem.Refcnt(frame); got != 2 {
		t.Fatalf("expected refcount 2 before unshare, got %d", got)
	}

	out, copied, ok := Unshare(frame)
	if !ok {
		t.Fatal("unshare failed")
	}
	if !copied {
		t.Fatal("expected a copy when frame is shared")
	}
	if out == frame {
		t.Fatal("expected a distinct frame")
	}
	if got := mem.Physmem.Refcnt(frame); got != 1 {
		t.Fatalf("expected original frame refcount 1 after unshare, got %d", got)
	}

	newpg := mem.Physmem.Dmap(out)
	if newpg[0] != 0x5a {
		t.Fatalf("expected copied contents, got %#x", newpg[0])
	}
}
