package lf

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Freelist is a lock-free pool of entries layered on a TranSystem.
//
// Claimed entries come from the shared available stack, or from fresh
// arena storage when the stack is empty. Retired entries go to the
// calling slot's private FIFO list, stamped with the clock, and are moved
// to the shared stack in batches once the watermark passes their stamp.
type Freelist[K, V any] struct {
	_ noCopy

	arena    *arena[K, V]
	head     atomic.Uint64 // tag<<32 | handle of the available stack top
	contract Contract[K, V]
	ts       *TranSystem
	locals   []slotLocal

	allocated atomic.Int64
	available atomic.Int64
	retired   atomic.Int64
	inflight  atomic.Int64

	claims     atomic.Uint64
	retires    atomic.Uint64
	transports atomic.Uint64
}

// slotLocal is the per-slot state a freelist keeps. It is touched only by
// the goroutine owning the slot.
type slotLocal struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		head, tail uint32
		count      int
		scratch    uint32
	}{})%CacheLineSize) % CacheLineSize]byte

	head, tail uint32 // retired list, oldest first
	count      int
	scratch    uint32 // in-flight entry parked for the next claim
}

// NewFreelist creates a freelist bound to ts. minCapacity entries are
// allocated up front onto the available stack; maxCapacity bounds the
// number of entries ever allocated, zero meaning MaxEntries.
func NewFreelist[K, V any](minCapacity, maxCapacity int, c Contract[K, V], ts *TranSystem) (*Freelist[K, V], error) {
	if c == nil || ts == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "freelist needs a contract and a transaction system")
	}
	if maxCapacity == 0 {
		maxCapacity = MaxEntries
	}
	if minCapacity < 0 || maxCapacity < 0 || maxCapacity > MaxEntries || minCapacity > maxCapacity {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"capacity [%d, %d] outside [0, %d]", minCapacity, maxCapacity, MaxEntries)
	}
	fl := &Freelist[K, V]{
		arena:    newArena[K, V](maxCapacity),
		contract: c,
		ts:       ts,
		locals:   make([]slotLocal, len(ts.slots)),
	}
	if minCapacity > 0 {
		var first, last *Entry[K, V]
		for i := 0; i < minCapacity; i++ {
			e, err := fl.allocate()
			if err != nil {
				fl.releaseAll()
				return nil, errors.Wrapf(err, "preallocate %d entries", minCapacity)
			}
			if first == nil {
				last = e
			} else {
				e.stack.Store(first.h)
			}
			first = e
		}
		fl.push(first, last, int64(minCapacity))
	}
	ts.attach(fl)
	return fl, nil
}

// Claim hands out an entry owned by the caller, initialized by the
// contract. It fails with ErrOutOfMemory when nothing can be recycled and
// no fresh entry can be allocated.
func (fl *Freelist[K, V]) Claim(s *Slot) (*Entry[K, V], error) {
	if err := fl.ts.checkSlot(s); err != nil {
		return nil, err
	}
	return fl.claim(s)
}

// Retire gives an entry back. The entry must already be unreachable for
// workers that start a protected section from now on; it is reused only
// after every section active now has ended.
func (fl *Freelist[K, V]) Retire(s *Slot, e *Entry[K, V]) error {
	if err := fl.ts.checkSlot(s); err != nil {
		return err
	}
	if e == nil || e.h == nilHandle || int(e.h) > fl.arena.carved() || fl.arena.at(e.h) != e {
		return errors.Wrap(ErrInvalidArgument, "entry does not belong to this freelist")
	}
	fl.retire(s, e)
	return nil
}

func (fl *Freelist[K, V]) claim(s *Slot) (*Entry[K, V], error) {
	loc := &fl.locals[s.index]
	var e *Entry[K, V]
	if loc.scratch != nilHandle {
		e = fl.arena.at(loc.scratch)
		loc.scratch = nilHandle
		fl.inflight.Add(-1)
	} else if e = fl.pop(); e == nil {
		fl.ts.refreshWatermark()
		fl.transport(loc)
		if e = fl.pop(); e == nil {
			var err error
			if e, err = fl.allocate(); err != nil {
				return nil, err
			}
		}
	}
	if !e.ready {
		if err := fl.prepare(e); err != nil {
			return nil, err
		}
	}
	e.next.Store(0)
	e.stack.Store(nilHandle)
	e.stamp = 0
	fl.contract.Init(&e.Value)
	fl.claims.Add(1)
	return e, nil
}

func (fl *Freelist[K, V]) retire(s *Slot, e *Entry[K, V]) {
	fl.contract.Uninit(&e.Value)
	e.stamp = fl.ts.clock.Add(1)
	loc := &fl.locals[s.index]
	fl.appendRetired(loc, e)
	fl.retired.Add(1)
	fl.retires.Add(1)
	fl.afterRetire(s, loc, 1)
}

// retireBatch retires entries unlinked together under one stamp.
func (fl *Freelist[K, V]) retireBatch(s *Slot, batch []*Entry[K, V]) {
	if len(batch) == 0 {
		return
	}
	stamp := fl.ts.clock.Add(1)
	loc := &fl.locals[s.index]
	for _, e := range batch {
		fl.contract.Uninit(&e.Value)
		e.stamp = stamp
		fl.appendRetired(loc, e)
	}
	fl.retired.Add(int64(len(batch)))
	fl.retires.Add(uint64(len(batch)))
	fl.afterRetire(s, loc, len(batch))
}

func (fl *Freelist[K, V]) afterRetire(s *Slot, loc *slotLocal, n int) {
	before := s.retires
	s.retires += n
	if iv := fl.ts.refreshInterval; before/iv != s.retires/iv {
		fl.ts.refreshWatermark()
	}
	fl.transport(loc)
}

// park stores a claimed but never published entry in the slot's scratch
// reference so the slot's next claim reuses it without a round trip
// through the retired list.
func (fl *Freelist[K, V]) park(s *Slot, e *Entry[K, V]) {
	loc := &fl.locals[s.index]
	fl.inflight.Add(1)
	if loc.scratch == nilHandle {
		loc.scratch = e.h
		return
	}
	fl.inflight.Add(-1)
	e.stack.Store(nilHandle)
	fl.push(e, e, 1)
}

func (fl *Freelist[K, V]) appendRetired(loc *slotLocal, e *Entry[K, V]) {
	e.stack.Store(nilHandle)
	if loc.tail == nilHandle {
		loc.head = e.h
	} else {
		fl.arena.at(loc.tail).stack.Store(e.h)
	}
	loc.tail = e.h
	loc.count++
}

// transport moves the oldest retired entries whose stamps are below the
// cached watermark onto the available stack with a single push.
func (fl *Freelist[K, V]) transport(loc *slotLocal) {
	if loc.head == nilHandle {
		return
	}
	w := fl.ts.watermark.Load()
	first := fl.arena.at(loc.head)
	var last *Entry[K, V]
	n := 0
	h := loc.head
	for h != nilHandle {
		e := fl.arena.at(h)
		if e.stamp >= w {
			break
		}
		last = e
		n++
		h = e.stack.Load()
	}
	if n == 0 {
		return
	}
	loc.head = h
	if h == nilHandle {
		loc.tail = nilHandle
	}
	loc.count -= n
	fl.retired.Add(-int64(n))
	fl.push(first, last, int64(n))
	fl.transports.Add(1)
}

// push links the chain first..last (already linked through stack) on top
// of the available stack.
func (fl *Freelist[K, V]) push(first, last *Entry[K, V], n int64) {
	var spins int
	for {
		old := fl.head.Load()
		last.stack.Store(linkHandle(old))
		next := (old>>32+1)<<32 | uint64(first.h)
		if fl.head.CompareAndSwap(old, next) {
			fl.available.Add(n)
			return
		}
		delay(&spins)
	}
}

// pop takes the top of the available stack. The tag in the upper half of
// head defeats ABA when an entry is popped and pushed back concurrently.
func (fl *Freelist[K, V]) pop() *Entry[K, V] {
	var spins int
	for {
		old := fl.head.Load()
		h := linkHandle(old)
		if h == nilHandle {
			return nil
		}
		e := fl.arena.at(h)
		next := (old>>32+1)<<32 | uint64(e.stack.Load())
		if fl.head.CompareAndSwap(old, next) {
			fl.available.Add(-1)
			return e
		}
		delay(&spins)
	}
}

// allocate carves fresh storage and prepares it. An entry the contract
// fails to prepare is kept on the available stack so the counters stay
// exact; a later claim retries the preparation.
func (fl *Freelist[K, V]) allocate() (*Entry[K, V], error) {
	e, err := fl.arena.carve()
	if err != nil {
		return nil, err
	}
	fl.allocated.Add(1)
	if err := fl.prepare(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (fl *Freelist[K, V]) prepare(e *Entry[K, V]) error {
	if err := fl.contract.Alloc(&e.Value); err != nil {
		e.stack.Store(nilHandle)
		fl.push(e, e, 1)
		return errors.Mark(errors.Wrap(err, "prepare entry"), ErrOutOfMemory)
	}
	e.ready = true
	return nil
}

func (fl *Freelist[K, V]) releaseSlot(s *Slot) {
	loc := &fl.locals[s.index]
	if loc.scratch != nilHandle {
		e := fl.arena.at(loc.scratch)
		loc.scratch = nilHandle
		fl.inflight.Add(-1)
		e.stack.Store(nilHandle)
		fl.push(e, e, 1)
	}
	fl.ts.refreshWatermark()
	fl.transport(loc)
	if loc.count > 0 {
		fl.ts.logger.Debug("lf: slot returned with pending retired entries",
			"slot", s.index, "pending", loc.count)
	}
}

// Destroy releases every prepared entry through the contract and detaches
// the freelist from its transaction system. It must not run concurrently
// with any other operation on the freelist or tables built on it.
// Afterwards Stats reports zero entries in every state.
func (fl *Freelist[K, V]) Destroy() {
	fl.ts.detach(fl)
	fl.releaseAll()
	fl.head.Store(0)
	for i := range fl.locals {
		fl.locals[i] = slotLocal{}
	}
	fl.allocated.Store(0)
	fl.available.Store(0)
	fl.retired.Store(0)
	fl.inflight.Store(0)
}

func (fl *Freelist[K, V]) releaseAll() {
	fl.arena.each(func(e *Entry[K, V]) {
		if e.ready {
			fl.contract.Release(&e.Value)
			e.ready = false
		}
	})
}

// FreelistStats is a point-in-time view of freelist counters. At a
// quiescent point Allocated equals Available + Retired + InFlight plus
// the entries linked into tables or held by callers.
type FreelistStats struct {
	Allocated  int64
	Available  int64
	Retired    int64
	InFlight   int64
	Claims     uint64
	Retires    uint64
	Transports uint64
}

// Stats returns the freelist counters.
func (fl *Freelist[K, V]) Stats() FreelistStats {
	return FreelistStats{
		Allocated:  fl.allocated.Load(),
		Available:  fl.available.Load(),
		Retired:    fl.retired.Load(),
		InFlight:   fl.inflight.Load(),
		Claims:     fl.claims.Load(),
		Retires:    fl.retires.Load(),
		Transports: fl.transports.Load(),
	}
}
