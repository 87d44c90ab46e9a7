// Package util holds the alignment and raw-integer-access helpers the
// memory subsystems share.
package util

import "encoding/binary"

// Int is satisfied by the built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads an n-byte little-endian value from a at off. n must be 1, 2,
// 4, or 8 and the access must be in bounds; anything else panics, since
// every caller computes n from a field size it controls.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	s := a[off : off+n]
	switch n {
	case 8:
		return int(binary.LittleEndian.Uint64(s))
	case 4:
		return int(binary.LittleEndian.Uint32(s))
	case 2:
		return int(binary.LittleEndian.Uint16(s))
	case 1:
		return int(s[0])
	}
	panic("unsupported size")
}

// Writen writes val as an sz-byte little-endian value into a at off, with
// the same contract as Readn.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	s := a[off : off+sz]
	switch sz {
	case 8:
		binary.LittleEndian.PutUint64(s, uint64(val))
	case 4:
		binary.LittleEndian.PutUint32(s, uint32(val))
	case 2:
		binary.LittleEndian.PutUint16(s, uint16(val))
	case 1:
		s[0] = uint8(val)
	default:
		panic("unsupported size")
	}
}
