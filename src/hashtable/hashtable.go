// Package hashtable provides the id-keyed lookup table behind the process
// table: pids and tids in, record pointers out. Get takes no lock -- bucket
// chains are linked through atomically published pointers, so the hot
// lookup path (every getpid, every wait, every fatal-fault kill) never
// contends with a concurrent Set or Del on another CPU. Writers serialize
// per bucket.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Id covers the kernel's integer identifier types (pids, tids, fd
// numbers). Keys are ids only; there is no string keying at this layer.
type Id interface {
	~int | ~int32 | ~int64
}

type elem_t[K Id, V any] struct {
	key   K
	value V
	next  *elem_t[K, V]
}

// bucket_t's chain is kept sorted by key so a reader can stop early and a
// writer can detect a missing key without walking the whole chain.
type bucket_t[K Id, V any] struct {
	sync.Mutex
	first *elem_t[K, V]
}

// Idtable_t maps integer ids to values. Readers never block; each bucket
// has its own writer lock.
type Idtable_t[K Id, V any] struct {
	table []*bucket_t[K, V]
}

// MkIdtable allocates a table with size buckets. The bucket count is fixed
// for the table's lifetime; callers size it from the boot-time maximum for
// the id space in question.
func MkIdtable[K Id, V any](size int) *Idtable_t[K, V] {
	t := &Idtable_t[K, V]{table: make([]*bucket_t[K, V], size)}
	for i := range t.table {
		t.table[i] = &bucket_t[K, V]{}
	}
	return t
}

// Fibonacci-style multiplicative scatter so that the monotonically
// allocated ids spread across buckets instead of marching through them.
func (t *Idtable_t[K, V]) bucket(key K) *bucket_t[K, V] {
	h := uint32(key) * 2654435761
	return t.table[h%uint32(len(t.table))]
}

// Get returns the value stored under key. It is safe to call concurrently
// with Set and Del and takes no lock.
func (t *Idtable_t[K, V]) Get(key K) (V, bool) {
	b := t.bucket(key)
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.key == key {
			return e.value, true
		}
		if key < e.key {
			break
		}
	}
	var zero V
	return zero, false
}

// Set inserts value under key and returns true, or returns the existing
// value and false if key is already present.
func (t *Idtable_t[K, V]) Set(key K, value V) (V, bool) {
	b := t.bucket(key)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, false
		}
		if key < e.key {
			break
		}
		last = e
	}
	if last == nil {
		storeptr(&b.first, &elem_t[K, V]{key: key, value: value, next: b.first})
	} else {
		storeptr(&last.next, &elem_t[K, V]{key: key, value: value, next: last.next})
	}
	return value, true
}

// Del removes key. Deleting an id that was never inserted (or was already
// deleted) is a bookkeeping bug somewhere above, so it panics.
func (t *Idtable_t[K, V]) Del(key K) {
	b := t.bucket(key)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		if key < e.key {
			break
		}
		last = e
	}
	panic("del of non-existing key")
}

// Iter applies f to each stored pair until f returns true; it reports
// whether f ever did. Iteration is lock-free like Get and may observe a
// concurrent writer's insertions or not.
func (t *Idtable_t[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range t.table {
		for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

// Size counts the stored elements; a diagnostic, not a synchronized
// snapshot.
func (t *Idtable_t[K, V]) Size() int {
	n := 0
	t.Iter(func(K, V) bool {
		n++
		return false
	})
	return n
}

// LoadPointer/StorePointer issue no fence, but for publishing fully
// initialized elem_t nodes and unlinking them on x86 this is sufficient:
// a reader either sees the old chain or the new one, never a node under
// construction.
func loadptr[K Id, V any](e **elem_t[K, V]) *elem_t[K, V] {
	p := atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(e)))
	return (*elem_t[K, V])(p)
}

func storeptr[K Id, V any](p **elem_t[K, V], n *elem_t[K, V]) {
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(p)), unsafe.Pointer(n))
}
