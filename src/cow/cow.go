// Package cow implements the copy-on-write sharing contract a VM Manager
// duplicates an address space with: share a frame between two mappings,
// unshare it back to exclusive ownership on a write fault, and release a
// mapping's claim on a frame when it is torn down. The frame's reference
// count IS the CoW table entry: there is no separate bookkeeping
// structure, only mem.Physmem's per-frame refcount plus the read-only
// hardware mapping the caller maintains.
package cow

import "mem"

// Share marks frame as shared between one more mapping. The caller must
// have already arranged for the new mapping to be installed read-only
// before any thread can observe it -- refcount bookkeeping alone does not
// make a frame CoW-safe; the read-only mapping does.
func Share(frame mem.Pa_t) {
	mem.Physmem.Refup(frame)
}

// Unshare resolves a write fault against a CoW frame. If frame is mapped by
// exactly one address space, the caller may claim it outright (copied is
// false, frame is returned unchanged). Otherwise a fresh frame is allocated,
// the old frame's contents are copied into it, the old frame's refcount is
// dropped by one, and the fresh frame is returned (copied is true). The
// caller is responsible for pointing the faulting mapping at the returned
// frame with write permission.
func Unshare(frame mem.Pa_t) (mem.Pa_t, bool, bool) {
	if mem.Physmem.Refcnt(frame) == 1 {
		return frame, false, true
	}
	pg, p_pg, ok := mem.Physmem.Refpg_new_nozero()
	if !ok {
		return 0, false, false
	}
	src := mem.Physmem.Dmap(frame)
	*pg = *src
	mem.Physmem.Refdown(frame)
	return p_pg, true, true
}

// Release drops a mapping's claim on frame, returning it to the Frame
// Allocator once no mapping references it any longer.
func Release(frame mem.Pa_t) bool {
	return mem.Physmem.Refdown(frame)
}
