package lf

import "iter"

// Iterator walks the live entries of a HashTable bucket by bucket inside
// one protected section held by its slot, so nothing it reaches is
// reclaimed before the walk moves on. Entries inserted or removed during
// the walk may or may not be seen. Under LockOnFind each yielded entry is
// locked until the next call to Next or Close.
//
// An Iterator is not restartable. The protected section ends when Next
// reports the end or when Close is called.
type Iterator[K, V any] struct {
	t      *HashTable[K, V]
	s      *Slot
	bucket int
	curr   *Entry[K, V]
	locked *Entry[K, V]
	done   bool
}

// Iterator starts a walk over t using slot s.
func (t *HashTable[K, V]) Iterator(s *Slot) (*Iterator[K, V], error) {
	if err := t.enter(s); err != nil {
		return nil, err
	}
	return &Iterator[K, V]{t: t, s: s}, nil
}

// Next returns the next live entry, or false once the table is exhausted.
func (it *Iterator[K, V]) Next() (*Entry[K, V], bool) {
	if it.done {
		return nil, false
	}
	it.unlock()
	lock := it.t.flags&LockOnFind != 0
	buckets := it.t.buckets
	for {
		var h uint32
		if it.curr != nil {
			h = linkHandle(it.curr.next.Load())
		}
		for h == nilHandle {
			if it.bucket >= len(buckets) {
				it.finish()
				return nil, false
			}
			h = linkHandle(buckets[it.bucket].Load())
			it.bucket++
		}
		e := it.t.fl.arena.at(h)
		it.curr = e
		if e.deleted() {
			continue
		}
		if lock {
			e.mu.Lock()
			if e.deleted() {
				e.mu.Unlock()
				continue
			}
			it.locked = e
		}
		return e, true
	}
}

// Close ends the walk early. It is safe to call after exhaustion.
func (it *Iterator[K, V]) Close() {
	it.unlock()
	it.finish()
}

func (it *Iterator[K, V]) unlock() {
	if it.locked != nil {
		it.locked.mu.Unlock()
		it.locked = nil
	}
}

func (it *Iterator[K, V]) finish() {
	if !it.done {
		it.done = true
		it.curr = nil
		it.s.exit()
	}
}

// All returns an iterator over live entries for use with range. The walk
// yields nothing if s cannot be used with t.
func (t *HashTable[K, V]) All(s *Slot) iter.Seq[*Entry[K, V]] {
	return func(yield func(*Entry[K, V]) bool) {
		it, err := t.Iterator(s)
		if err != nil {
			return
		}
		defer it.Close()
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			if !yield(e) {
				return
			}
		}
	}
}
