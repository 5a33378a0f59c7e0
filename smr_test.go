package looktab

import (
	"testing"
)

// Steady-state insert/erase churn must recycle nodes through the free
// list instead of carving new ones: without reclamation feeding the
// arena, 10k cycles would exhaust every slab of a 64-bucket table.
func TestArena_SteadyStateReuse(t *testing.T) {
	tbl := New[int](64)
	for i := 0; i < 10000; i++ {
		id := int64(i)
		tbl.Insert(id, i)
		if !tbl.Erase(id) {
			t.Fatalf("Erase(%d) = false", id)
		}
	}
	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size() = %d", got)
	}
	if carved := tbl.arena.cursor.Load(); carved > 1024 {
		t.Fatalf("carved %d nodes over 10k cycles; reclamation is not feeding the free list", carved)
	}
}

func TestArena_SlabGrowth(t *testing.T) {
	tbl := New[int64](64) // 64-node slabs
	const n = 300
	for id := int64(0); id < n; id++ {
		tbl.Insert(id, id*3)
	}
	if got := tbl.Size(); got != n {
		t.Fatalf("Size() = %d", got)
	}
	for id := int64(0); id < n; id++ {
		if v, ok := tbl.Find(id); !ok || v != id*3 {
			t.Fatalf("Find(%d) = %d, %v", id, v, ok)
		}
	}
	for id := int64(0); id < n; id++ {
		if !tbl.Erase(id) {
			t.Fatalf("Erase(%d) = false", id)
		}
	}
	if got := tbl.Size(); got != 0 {
		t.Fatalf("Size() = %d after drain", got)
	}
}

// A pinned guard must hold the global epoch: reclamation may advance at
// most one step past the reader's pin epoch until it unpins.
func TestSMR_PinHoldsEpoch(t *testing.T) {
	tbl := New[int](64)
	e0 := tbl.smr.epoch.Load()

	s := tbl.smr.pin()
	for i := 0; i < 400; i++ {
		tbl.Insert(int64(i), i)
		tbl.Erase(int64(i))
	}
	if e := tbl.smr.epoch.Load(); e > e0+1 {
		t.Fatalf("epoch advanced to %d past a reader pinned at %d", e, e0)
	}
	tbl.smr.unpin(s)

	for i := 0; i < 300; i++ {
		tbl.Insert(int64(i), i)
		tbl.Erase(int64(i))
	}
	if e := tbl.smr.epoch.Load(); e <= e0+1 {
		t.Fatalf("epoch stuck at %d after unpin", e)
	}
}

func TestArena_CarveLimit(t *testing.T) {
	if got := carveLimit(1 << 26); got != freeRefMask {
		t.Fatalf("carveLimit(1<<26) = %d, want the 32-bit ref cap", got)
	}
	if got := carveLimit(1 << 10); got != 1<<16 {
		t.Fatalf("carveLimit(1<<10) = %d", got)
	}
}

// Exhausting every carvable ref must surface as a nil node, not a
// panic, and recycling a single node must make get succeed again.
func TestArena_ExhaustionRecycles(t *testing.T) {
	var a arena[int]
	a.init(1) // 64-node slabs
	var last uint64
	for {
		ref, n := a.get()
		if n == nil {
			break
		}
		last = ref
	}
	if carved := a.cursor.Load(); carved != a.limit {
		t.Fatalf("carved %d, limit %d", carved, a.limit)
	}
	if last != a.limit {
		t.Fatalf("last carved ref = %d", last)
	}
	a.put(last)
	if ref, n := a.get(); n == nil || ref != last {
		t.Fatalf("get after put = %d, %v", ref, n != nil)
	}
	if _, n := a.get(); n != nil {
		t.Fatal("get carved past the limit")
	}
}

func TestSMR_PinUnpinSlotReuse(t *testing.T) {
	tbl := New[int](64)
	for i := 0; i < 3*guardSlots; i++ {
		s := tbl.smr.pin()
		if s.slot.epoch.Load() == 0 {
			t.Fatal("pinned slot reads as free")
		}
		tbl.smr.unpin(s)
	}
	active := 0
	for i := range tbl.smr.slots {
		if tbl.smr.slots[i].epoch.Load() != 0 {
			active++
		}
	}
	if active != 0 {
		t.Fatalf("%d slots left claimed", active)
	}
}

// A panicking FindFn callback must not leave its guard slot claimed:
// a leaked slot would hold the epoch at its stamp forever and stop
// reclamation for the life of the table.
func TestSMR_FindFnPanicReleasesGuard(t *testing.T) {
	tbl := New[int](64)
	tbl.Insert(1, 10)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("callback panic did not propagate")
			}
		}()
		tbl.FindFn(1, func(*int) { panic("callback") })
	}()

	for i := range tbl.smr.slots {
		if e := tbl.smr.slots[i].epoch.Load(); e != 0 {
			t.Fatalf("slot %d still claimed at epoch %d", i, e)
		}
	}
	e0 := tbl.smr.epoch.Load()
	for i := 0; i < 400; i++ {
		tbl.Insert(2, i)
		tbl.Erase(2)
	}
	if e := tbl.smr.epoch.Load(); e <= e0 {
		t.Fatalf("epoch stuck at %d after the recovered panic", e)
	}
}

func TestSMR_RangePanicReleasesGuard(t *testing.T) {
	tbl := New[int](64)
	tbl.Insert(1, 10)
	tbl.Insert(2, 20)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("callback panic did not propagate")
			}
		}()
		tbl.Range(func(int64, *int) bool { panic("callback") })
	}()

	for i := range tbl.smr.slots {
		if e := tbl.smr.slots[i].epoch.Load(); e != 0 {
			t.Fatalf("slot %d still claimed at epoch %d", i, e)
		}
	}
}
