package looktab

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/looktab/internal/opt"
)

// Epoch-based safe memory reclamation.
//
// Unlinking a node from a lock-free chain does not make it safe to
// recycle: a concurrent traversal that read the predecessor link before
// the unlink may still be standing on the node. Every traversal
// therefore pins a guard slot with the current global epoch before
// touching a chain and clears it afterwards. A node handed to retire is
// stamped with the epoch and parked on an intrusive limbo stack; it
// returns to the arena free list only after the global epoch has moved
// two steps past its stamp.
//
// Why two steps is enough: the epoch advances from g to g+1 only when
// every pinned slot reads exactly g. A node freed at that advance has
// retireAt <= g-1, so its unlink preceded the advance to g, which in
// turn preceded the pin of every reader currently active. Sequentially
// consistent atomics then order those readers' chain loads after the
// unlink, so none of them can reach the node, not even through the
// frozen next word of another limbo node.
const (
	guardSlots    = 512
	guardSlotMask = guardSlots - 1

	// try to advance the epoch every retireBatch retirements
	retireBatch = 64
)

// guardSlot is one padded reader slot; 0 means free, otherwise it holds
// the owner's pin epoch.
type guardSlot struct {
	epoch atomic.Uint64
	_     [opt.CacheLineSize_ - 8]byte
}

// guardToken remembers a goroutine's preferred slot between pins, so
// repeated pins from the same goroutine keep hitting the same cache
// line instead of wandering across the slot array.
type guardToken struct {
	slot *guardSlot
}

type smr[T any] struct {
	epoch   atomic.Uint64
	retired atomic.Uint64
	limbo   atomic.Uint64 // stack of retired refs, linked via node.limbo
	arena   *arena[T]
	tokens  sync.Pool
	slots   [guardSlots]guardSlot
}

func (r *smr[T]) init(a *arena[T]) {
	r.arena = a
	r.epoch.Store(1) // 0 is the free-slot sentinel
}

// pin claims a guard slot for the calling goroutine and stamps it with
// the current epoch. Claiming races only on slot occupancy, never on
// chain state; with hundreds of slots the preferred slot or the first
// probe almost always wins. A stale stamp can only hold the epoch
// back, never let reclamation run early; claim still refreshes the
// stamp so a descheduled claimer cannot stall the epoch for long.
func (r *smr[T]) pin() *guardToken {
	tok, _ := r.tokens.Get().(*guardToken)
	if tok == nil {
		tok = &guardToken{slot: &r.slots[rand.Uint32()&guardSlotMask]}
	}
	if r.claim(tok.slot) {
		return tok
	}
	i := int(rand.Uint32() & guardSlotMask)
	var spins, probed int
	for {
		s := &r.slots[i&guardSlotMask]
		if s.epoch.Load() == 0 && r.claim(s) {
			tok.slot = s
			return tok
		}
		i++
		if probed++; probed == guardSlots {
			probed = 0
			delay(&spins)
		}
	}
}

// claim takes a free slot and leaves it stamped with the epoch as it
// stands after the claim. The stamp re-check closes the window between
// reading the epoch and owning the slot: without it a claimer
// descheduled in that window would park an old epoch in the slot and
// block every advance until its unpin.
func (r *smr[T]) claim(s *guardSlot) bool {
	if !s.epoch.CompareAndSwap(0, r.epoch.Load()) {
		return false
	}
	for {
		e := r.epoch.Load()
		if s.epoch.Load() == e {
			return true
		}
		s.epoch.Store(e)
	}
}

func (r *smr[T]) unpin(tok *guardToken) {
	tok.slot.epoch.Store(0)
	r.tokens.Put(tok)
}

// alloc hands out a node, reclaiming limbo nodes when the arena runs
// dry instead of failing the caller. alloc is only reached from
// inserts, which hold no guard slot, so waiting here cannot hold the
// epoch back. Exhaustion with nothing left in limbo means the live
// entries themselves have outgrown the arena, which no amount of
// reclaiming can fix.
func (r *smr[T]) alloc() (uint64, *node[T]) {
	ref, n := r.arena.get()
	if n != nil {
		return ref, n
	}
	var spins int
	for i := 0; ; i++ {
		r.scavenge()
		if ref, n = r.arena.get(); n != nil {
			return ref, n
		}
		if r.limbo.Load() == 0 && i > 0 {
			panic("looktab: node arena exhausted")
		}
		delay(&spins)
	}
}

// retire parks an unlinked node on the limbo stack. The node's next
// word is left frozen; only limbo and retireAt are touched, both
// published by the stack-head CAS.
func (r *smr[T]) retire(ref uint64) {
	n := r.arena.at(ref)
	n.retireAt = r.epoch.Load()
	r.limboPush(ref, n)
	if r.retired.Add(1)%retireBatch == 0 {
		r.scavenge()
	}
}

func (r *smr[T]) limboPush(ref uint64, n *node[T]) {
	for {
		h := r.limbo.Load()
		n.limbo = h
		if r.limbo.CompareAndSwap(h, ref) {
			return
		}
	}
}

// scavenge tries to advance the global epoch and recycle limbo nodes
// that have aged past the grace window. Any retiring thread may call
// it; concurrent callers split the drained chain between themselves via
// the atomic swap, so nothing is freed twice. Nodes still inside the
// window are pushed back for a later pass.
func (r *smr[T]) scavenge() {
	g := r.epoch.Load()
	for i := range r.slots {
		if e := r.slots[i].epoch.Load(); e != 0 && e != g {
			return // a reader is still inside an older epoch
		}
	}
	if !r.epoch.CompareAndSwap(g, g+1) {
		return
	}
	ref := r.limbo.Swap(0)
	for ref != 0 {
		n := r.arena.at(ref)
		next := n.limbo
		// retireAt < g keeps the two-step window even when a
		// concurrent scavenger has advanced the epoch again and a
		// straggler stamped this node past g.
		if n.retireAt < g {
			r.arena.put(ref)
		} else {
			r.limboPush(ref, n)
		}
		ref = next
	}
}
