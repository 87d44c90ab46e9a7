// Package stat defines the metadata record a descriptor's backing object
// fills in on fstat. The layout is fixed and padding-free so the whole
// struct can be copied to user memory as raw bytes.
package stat

import "unsafe"

// Stat_t is one object's metadata. Fields are unexported; the backing
// object writes them through the W* setters so the wire layout stays
// private to this package.
type Stat_t struct {
	_dev  uint
	_ino  uint
	_mode uint
	_size uint
	_rdev uint
}

// Wdev stores the owning device's id.
func (st *Stat_t) Wdev(v uint) {
	st._dev = v
}

// Wino stores the object's id on its device.
func (st *Stat_t) Wino(v uint) {
	st._ino = v
}

// Wmode records the object's type and permission bits.
func (st *Stat_t) Wmode(v uint) {
	st._mode = v
}

// Wsize records the object's size in bytes.
func (st *Stat_t) Wsize(v uint) {
	st._size = v
}

// Wrdev stores the referenced device id for device nodes.
func (st *Stat_t) Wrdev(v uint) {
	st._rdev = v
}

// Mode returns the recorded mode.
func (st *Stat_t) Mode() uint {
	return st._mode
}

// Size returns the recorded size.
func (st *Stat_t) Size() uint {
	return st._size
}

// Rino returns the recorded object id.
func (st *Stat_t) Rino() uint {
	return st._ino
}

// Bytes exposes the record's raw bytes for copying to user memory.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._dev))
	return sl[:]
}
