package looktab

import (
	"math/bits"
	"sync/atomic"
)

// Chain words address nodes by stable handles instead of raw pointers:
// a ref is a 1-based node index (0 is nil) and a link packs
// `ref<<1 | mark`. Handles keep the logical-erase mark representable in
// a CAS-able word without violating the GC's pointer rules, and the
// 32-bit generation beside the 32-bit free-list head makes node reuse
// immune to ABA.
const (
	linkMark = uint64(1)

	maxSlabs     = 64
	minSlabNodes = 64

	// free-list head word layout: {generation:32, head ref:32}.
	// carveLimit keeps every ref inside the 32-bit half.
	freeRefMask = uint64(1)<<32 - 1
)

func refOf(w uint64) uint64    { return w >> 1 }
func marked(w uint64) bool     { return w&linkMark != 0 }
func linkTo(ref uint64) uint64 { return ref << 1 }

func bumpGen(h uint64) uint64 { return (h>>32 + 1) << 32 }

type node[T any] struct {
	id int64
	// next is the bucket chain link while the node is reachable. Its
	// mark bit is set exactly once, when the node is logically erased,
	// and the word is frozen from that point until the node is
	// recycled. While the node sits in limbo the word must stay
	// frozen: late readers pinned before the unlink may still be
	// standing on the node and following it.
	next atomic.Uint64
	// limbo and retireAt are written by the retiring thread before the
	// limbo-stack push and read by the draining thread after the
	// drain swap; the stack head's atomics order the two sides.
	limbo    uint64
	retireAt uint64
	value    T
}

// arena is a slab-backed node store. Slab 0 covers the table's whole
// nominal capacity and is allocated up front; further slabs appear only
// if shadow entries push the live count past capacity. Steady-state
// insert/erase traffic recycles refs through the free list and never
// touches the allocator.
type arena[T any] struct {
	slabs     [maxSlabs]atomic.Pointer[[]node[T]]
	slabShift uint
	slabMask  uint64
	limit     uint64
	cursor    atomic.Uint64 // refs carved so far
	free      atomic.Uint64 // {generation:32, head ref:32}
}

// carveLimit is the total number of refs an arena with the given slab
// size may ever hand out, clamped so refs stay representable in the
// free-list head word.
func carveLimit(slabNodes uint64) uint64 {
	limit := slabNodes * maxSlabs
	if limit > freeRefMask {
		limit = freeRefMask
	}
	return limit
}

func (a *arena[T]) init(capacity int) {
	slabNodes := nextPowOf2(capacity)
	if slabNodes < minSlabNodes {
		slabNodes = minSlabNodes
	}
	a.slabShift = uint(bits.TrailingZeros64(slabNodes))
	a.slabMask = slabNodes - 1
	a.limit = carveLimit(slabNodes)
	s := make([]node[T], slabNodes)
	a.slabs[0].Store(&s)
}

func (a *arena[T]) at(ref uint64) *node[T] {
	i := ref - 1
	s := a.slabs[i>>a.slabShift].Load()
	return &(*s)[i&a.slabMask]
}

// get pops a recycled node from the free list, or carves a fresh one.
// The returned node's fields are stale; the caller initializes them
// before publishing the ref. When the free list is empty and every
// carvable ref is out, get returns a nil node; the caller decides
// whether retired nodes can be reclaimed and the request retried.
func (a *arena[T]) get() (uint64, *node[T]) {
	for {
		h := a.free.Load()
		ref := h & freeRefMask
		if ref == 0 {
			break
		}
		n := a.at(ref)
		next := n.next.Load() // free-list link, raw ref
		if a.free.CompareAndSwap(h, bumpGen(h)|next) {
			return ref, n
		}
	}
	for {
		cur := a.cursor.Load()
		if cur >= a.limit {
			return 0, nil
		}
		if !a.cursor.CompareAndSwap(cur, cur+1) {
			continue
		}
		ref := cur + 1
		si := cur >> a.slabShift
		if a.slabs[si].Load() == nil {
			s := make([]node[T], a.slabMask+1)
			a.slabs[si].CompareAndSwap(nil, &s)
		}
		return ref, a.at(ref)
	}
}

// put recycles an unlinked node. It must only be called once the
// reclamation layer has proven that no traversal can still observe
// ref; from here the node's next word doubles as the free-list link.
func (a *arena[T]) put(ref uint64) {
	n := a.at(ref)
	n.value = *new(T) // release whatever the payload was holding
	for {
		h := a.free.Load()
		n.next.Store(h & freeRefMask)
		if a.free.CompareAndSwap(h, bumpGen(h)|ref) {
			return
		}
	}
}
