package mem

import (
	"sync"
	"testing"

	"arch"
)

var physOnce sync.Once

func ensurePhys() {
	arch.BindCPU(0)
	physOnce.Do(func() {
		Phys_init(128)
	})
}

func TestAllocZeroedAndRefcountLifecycle(t *testing.T) {
	ensurePhys()
	pg, p_pg, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	for i, w := range pg {
		if w != 0 {
			t.Fatalf("word %d not zeroed: %#x", i, w)
		}
	}
	if got := Physmem.Refcnt(p_pg); got != 0 {
		t.Fatalf("fresh frame should carry no installed references, got %d", got)
	}
	Physmem.Refup(p_pg)
	if got := Physmem.Refcnt(p_pg); got != 1 {
		t.Fatalf("expected refcount 1, got %d", got)
	}
	if freed := Physmem.Refdown(p_pg); !freed {
		t.Fatal("expected final refdown to free the frame")
	}
}

func TestSharedFrameFreesOnlyAtZero(t *testing.T) {
	ensurePhys()
	_, p_pg, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	Physmem.Refup(p_pg)
	Physmem.Refup(p_pg)
	if freed := Physmem.Refdown(p_pg); freed {
		t.Fatal("frame freed while a reference remained")
	}
	if freed := Physmem.Refdown(p_pg); !freed {
		t.Fatal("expected free at refcount zero")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	ensurePhys()
	_, p_pg, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	Physmem.Refup(p_pg)
	Physmem.Refdown(p_pg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected double free to panic")
		}
	}()
	Physmem.Refdown(p_pg)
}

func TestExhaustionReportsFailureAndRecovers(t *testing.T) {
	ensurePhys()
	var drained []Pa_t
	for {
		_, p_pg, ok := Physmem.Refpg_new()
		if !ok {
			break
		}
		drained = append(drained, p_pg)
	}
	if len(drained) == 0 {
		t.Fatal("expected to drain at least one frame")
	}
	if _, _, ok := Physmem.Refpg_new_nozero(); ok {
		t.Fatal("expected allocation to fail with no free frames")
	}
	for _, p := range drained {
		Physmem.Refup(p)
		Physmem.Refdown(p)
	}
	if _, p_pg, ok := Physmem.Refpg_new(); !ok {
		t.Fatal("expected allocation to succeed after frames returned")
	} else {
		Physmem.Refup(p_pg)
		Physmem.Refdown(p_pg)
	}
}

func TestDmapViewsSameBytes(t *testing.T) {
	ensurePhys()
	pg, p_pg, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	Physmem.Refup(p_pg)
	defer Physmem.Refdown(p_pg)

	Pg2bytes(pg)[17] = 0xa5
	if got := Pg2bytes(Physmem.Dmap(p_pg))[17]; got != 0xa5 {
		t.Fatalf("Dmap view disagrees with allocation view: %#x", got)
	}
	if got := Physmem.Dmap8(p_pg + 17)[0]; got != 0xa5 {
		t.Fatalf("Dmap8 offset view wrong: %#x", got)
	}
}

func TestPmapTypedAllocationRoundTrip(t *testing.T) {
	ensurePhys()
	pm, p_pm, ok := Physmem.Pmap_new()
	if !ok {
		t.Fatal("pmap alloc failed")
	}
	pm[0] = 0x1234
	Physmem.Refup(p_pm)
	Physmem.Dec_pmap(p_pm)
}
