package mem

import "unsafe"

// VUSER is the first user-space slot in the simulated virtual address
// layout, expressed as a PML4 index even though this tree has no real
// PML4 to index.
const VUSER int = 0x59

// USERMIN is the lowest user virtual address; everything below it is
// reserved for the kernel half, which is identical across every address
// space.
const USERMIN int = VUSER << 39

// Pg2bytes reinterprets a page of words as its byte-addressed view. The
// two types occupy exactly PGSIZE bytes and alias the same storage.
func Pg2bytes(pg *Pg_t) []uint8 {
	return (*Bytepg_t)(unsafe.Pointer(pg))[:]
}
