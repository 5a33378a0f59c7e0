// Package looktab provides a fixed-capacity, lock-free lookup table
// keyed by the monotonically increasing int64 order identifiers a
// venue hands out over one trading day. Entries are inserted once,
// looked up a handful of times and erased soon after; the table is
// sized to the day's id range at construction and never rehashes.
//
// All operations are non-blocking: inserts push onto per-bucket chains
// with a single CAS, erases mark-then-unlink in the Harris-Michael
// style, and an epoch-based reclamation layer defers node reuse until
// no in-flight traversal can still observe an unlinked node. Steady
// state insert/erase traffic does not touch the allocator; nodes are
// recycled through a slab arena.
package looktab

import (
	"sync/atomic"
)

// maxCapacity bounds the bucket count. The arena separately caps the
// total carvable node count so that every ref fits the 32-bit half of
// the free-list head word.
const maxCapacity = 1 << 26

// Table is a fixed-capacity concurrent lookup table from order id to a
// caller-supplied payload type T.
//
// Duplicate ids are not validated: inserting an id that is already live
// adds a shadow entry, Find observes the most recently inserted one,
// and Erase removes entries newest-first. Callers that never reuse a
// live id (the intended workload) are unaffected.
//
// A Table must not be copied after first use.
type Table[T any] struct {
	_       noCopy
	buckets []atomic.Uint64 // chain head links, never marked
	nb      uint64
	count   counter
	arena   arena[T]
	smr     smr[T]
}

// New creates a table with a fixed number of buckets sized to the
// expected id range, on the order of 10^6 for one day. The bucket
// array never grows or shrinks; pathological overfill degrades a
// bucket to a linear scan but never fails an insert.
func New[T any](capacity int) *Table[T] {
	if capacity <= 0 {
		panic("looktab: capacity must be positive")
	}
	if capacity > maxCapacity {
		panic("looktab: capacity exceeds 1<<26")
	}
	t := &Table[T]{
		buckets: make([]atomic.Uint64, capacity),
		nb:      uint64(capacity),
		count:   newCounter(),
	}
	t.arena.init(capacity)
	t.smr.init(&t.arena)
	return t
}

// Capacity returns the fixed bucket count chosen at construction.
func (t *Table[T]) Capacity() int {
	return int(t.nb)
}

// Insert adds an entry for id, taking ownership of v. The new node is
// fully initialized before the head CAS publishes it, so a concurrent
// Find either misses it entirely or sees it whole. Insert performs no
// duplicate check; see the Table documentation for shadow-entry
// semantics. Insert does not fail: when the arena runs dry it reclaims
// retired nodes and retries.
func (t *Table[T]) Insert(id int64, v T) {
	b := bucketIndex(id, t.nb)
	ref, n := t.smr.alloc()
	n.id = id
	n.value = v
	head := &t.buckets[b]
	for {
		h := head.Load()
		n.next.Store(h)
		if head.CompareAndSwap(h, linkTo(ref)) {
			break
		}
	}
	t.count.add(b, 1)
}

// Find returns a copy of the payload of the most recently inserted
// live entry for id. It never mutates the chain and never blocks.
func (t *Table[T]) Find(id int64) (T, bool) {
	b := bucketIndex(id, t.nb)
	s := t.smr.pin()
	defer t.smr.unpin(s)
	for ref := refOf(t.buckets[b].Load()); ref != 0; {
		n := t.arena.at(ref)
		w := n.next.Load()
		if !marked(w) && n.id == id {
			return n.value, true
		}
		ref = refOf(w)
	}
	var zero T
	return zero, false
}

// FindFn calls fn with the payload of the most recently inserted live
// entry for id, in place, and reports whether such an entry existed.
// The pointer is valid only for the duration of the callback; keeping
// it, returning it, or handing it to another goroutine breaks the
// reclamation contract. FindFn grants no exclusivity: concurrent
// mutation of the same payload needs external coordination. The guard
// is released even if fn panics.
func (t *Table[T]) FindFn(id int64, fn func(v *T)) bool {
	b := bucketIndex(id, t.nb)
	s := t.smr.pin()
	defer t.smr.unpin(s)
	for ref := refOf(t.buckets[b].Load()); ref != 0; {
		n := t.arena.at(ref)
		w := n.next.Load()
		if !marked(w) && n.id == id {
			fn(&n.value)
			return true
		}
		ref = refOf(w)
	}
	return false
}

// Erase removes the most recently inserted live entry for id and
// reports whether one existed. Removal is two-phase: a CAS sets the
// mark bit in the node's next word, freezing it and claiming the node
// against competing erasers, then the node is physically unlinked.
// Any traverser that runs into a marked node unlinks it in passing, so
// no eraser ever waits for the thread that claimed a neighbor. The
// live count moves exactly once per erased entry, at the mark. Erase
// of an absent id changes nothing.
func (t *Table[T]) Erase(id int64) bool {
	b := bucketIndex(id, t.nb)
	s := t.smr.pin()
	defer t.smr.unpin(s)
rescan:
	for {
		link := &t.buckets[b]
		w := link.Load()
		for {
			ref := refOf(w)
			if ref == 0 {
				return false
			}
			n := t.arena.at(ref)
			nw := n.next.Load()
			if marked(nw) {
				if marked(w) || !link.CompareAndSwap(w, linkTo(refOf(nw))) {
					continue rescan // tripped over a racing unlink
				}
				t.smr.retire(ref)
				w = link.Load()
				continue
			}
			if n.id == id {
				for {
					if n.next.CompareAndSwap(nw, nw|linkMark) {
						t.count.add(b, -1)
						t.unlink(b, ref)
						return true
					}
					nw = n.next.Load()
					if marked(nw) {
						break // lost the claim to a concurrent Erase
					}
					// our successor was unlinked; re-freeze the new word
				}
				// an older entry may still shadow under this id
			}
			link = &n.next
			w = nw
		}
	}
}

// unlink physically removes a marked node from its bucket. The frozen
// next word pins the successor, and the single predecessor CAS that
// takes a node out decides who retires it, whether that is the
// claiming eraser or a helping traverser; either way each node is
// retired exactly once. Rescans always make progress: the first marked
// node in a chain has a live predecessor link, and a failed CAS means
// another thread just removed a node from this chain.
func (t *Table[T]) unlink(b uint64, ref uint64) {
	for {
		link := &t.buckets[b]
		w := link.Load()
		for {
			r := refOf(w)
			if r == 0 {
				return // a helper got there first
			}
			n := t.arena.at(r)
			nw := n.next.Load()
			if marked(nw) {
				if marked(w) || !link.CompareAndSwap(w, linkTo(refOf(nw))) {
					break
				}
				t.smr.retire(r)
				if r == ref {
					return
				}
				w = link.Load()
				continue
			}
			link = &n.next
			w = nw
		}
	}
}

// Range calls fn for every live entry, bucket by bucket, until fn
// returns false. The payload pointer follows the FindFn contract: valid
// only inside the callback. Entries inserted or erased concurrently may
// or may not be observed; entries in a bucket are visited newest-first.
func (t *Table[T]) Range(fn func(id int64, v *T) bool) {
	for b := range t.buckets {
		if !t.rangeBucket(uint64(b), fn) {
			return
		}
	}
}

// rangeBucket guards one bucket's traversal, releasing the guard even
// if fn panics.
func (t *Table[T]) rangeBucket(b uint64, fn func(id int64, v *T) bool) bool {
	s := t.smr.pin()
	defer t.smr.unpin(s)
	for ref := refOf(t.buckets[b].Load()); ref != 0; {
		n := t.arena.at(ref)
		w := n.next.Load()
		if !marked(w) && !fn(n.id, &n.value) {
			return false
		}
		ref = refOf(w)
	}
	return true
}

// Size returns the live-entry count. It is exact while the table is
// quiescent and eventually consistent under concurrent mutation: an
// in-flight insert or erase may be counted before or after it becomes
// visible to chain traversals.
func (t *Table[T]) Size() int {
	return int(t.count.sum())
}
