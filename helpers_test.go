package lf

import (
	"sync"
	"testing"
)

// xentry is the payload used across tests.
type xentry struct {
	data int
	gen  int
}

func xentryDesc(flags LockFlags) *Descriptor[int, xentry] {
	d := IntKeys[xentry](flags)
	d.InitFn = func(v *xentry) {
		v.data = 0
		v.gen++
	}
	d.UninitFn = func(v *xentry) {
		v.data = -1
	}
	return d
}

type harness struct {
	ts *TranSystem
	fl *Freelist[int, xentry]
	ht *HashTable[int, xentry]
}

func newHarness(t testing.TB, slots, buckets int, flags LockFlags) *harness {
	t.Helper()
	ts, err := NewTranSystem(slots)
	if err != nil {
		t.Fatalf("transaction system init: %v", err)
	}
	fl, err := NewFreelist[int, xentry](100, 0, xentryDesc(flags), ts)
	if err != nil {
		t.Fatalf("freelist init: %v", err)
	}
	ht, err := NewHashTable(fl, buckets)
	if err != nil {
		t.Fatalf("hashtable init: %v", err)
	}
	t.Cleanup(func() {
		ht.Destroy()
		fl.Destroy()
		ts.Destroy()
	})
	return &harness{ts: ts, fl: fl, ht: ht}
}

func (h *harness) slot(t testing.TB) *Slot {
	t.Helper()
	s, err := h.ts.RequestSlot()
	if err != nil {
		t.Fatalf("request slot: %v", err)
	}
	return s
}

// runWorkers runs proc on n goroutines, each with its own slot, and
// returns the slots afterwards.
func runWorkers(t *testing.T, ts *TranSystem, n int, proc func(s *Slot) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ts.WithSlot(proc)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("thread proc error: %v", err)
		}
	}
}

func countAvailable[K, V any](fl *Freelist[K, V]) int64 {
	var n int64
	for h := linkHandle(fl.head.Load()); h != nilHandle; h = fl.arena.at(h).stack.Load() {
		n++
	}
	return n
}

func countRetired[K, V any](fl *Freelist[K, V]) int64 {
	var n int64
	for i := range fl.locals {
		for h := fl.locals[i].head; h != nilHandle; h = fl.arena.at(h).stack.Load() {
			n++
		}
	}
	return n
}

func countInFlight[K, V any](fl *Freelist[K, V]) int64 {
	var n int64
	for i := range fl.locals {
		if fl.locals[i].scratch != nilHandle {
			n++
		}
	}
	return n
}

// countLive walks the buckets directly; only meaningful when quiescent.
func countLive[K, V any](ht *HashTable[K, V]) int64 {
	var n int64
	for i := range ht.buckets {
		for h := linkHandle(ht.buckets[i].Load()); h != nilHandle; {
			e := ht.fl.arena.at(h)
			if !e.deleted() {
				n++
			}
			h = linkHandle(e.next.Load())
		}
	}
	return n
}

// checkCounts verifies counter consistency and conservation at a
// quiescent point; live is the number of entries held outside the
// freelist (linked into tables or claimed by callers).
func checkCounts[K, V any](t *testing.T, fl *Freelist[K, V], live int64) {
	t.Helper()
	st := fl.Stats()
	a, r, f := countAvailable(fl), countRetired(fl), countInFlight(fl)
	if a != st.Available {
		t.Errorf("counting fail (available %d != %d)", st.Available, a)
	}
	if r != st.Retired {
		t.Errorf("counting fail (retired %d != %d)", st.Retired, r)
	}
	if f != st.InFlight {
		t.Errorf("counting fail (in-flight %d != %d)", st.InFlight, f)
	}
	if live+a+r+f != st.Allocated {
		t.Errorf("leak check fail (%d + %d + %d + %d != %d)", live, a, r, f, st.Allocated)
	}
}

func threadCounts() []int {
	if testing.Short() {
		return []int{1, 4, 16}
	}
	return []int{1, 2, 4, 8, 16, 32, 64}
}

func opsPerThread() int {
	n := 20000
	if testing.Short() {
		n = 2000
	}
	if raceEnabled {
		n /= 4
	}
	return n
}
