package lf

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// HashTable is a fixed-size hash table of singly-linked chains built from
// freelist entries.
//
// Every chain mutation is a single compare-and-swap on a bucket head or on
// an entry's next link, so operations never block each other structurally.
// Removal first sets the mark bit on the victim's own next link; the
// worker that sets it owns the retirement, and a marked link is never
// modified again. Finders treat marked entries as absent.
//
// The payload mutex of an entry is used according to the contract's
// LockFlags and never guards chain links.
type HashTable[K, V any] struct {
	_ noCopy

	buckets []atomic.Uint64
	fl      *Freelist[K, V]
	c       Contract[K, V]
	flags   LockFlags
}

// NewHashTable creates a table of bucketCount chains drawing entries from
// fl. The entry contract and locking policy are taken from fl.
func NewHashTable[K, V any](fl *Freelist[K, V], bucketCount int) (*HashTable[K, V], error) {
	if fl == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "hash table needs a freelist")
	}
	if bucketCount <= 0 || bucketCount > math.MaxInt32 {
		return nil, errors.Wrapf(ErrInvalidArgument, "bucket count %d", bucketCount)
	}
	flags := fl.contract.LockFlags()
	if !flags.validate() {
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported lock policy (%s)", flags)
	}
	return &HashTable[K, V]{
		buckets: make([]atomic.Uint64, bucketCount),
		fl:      fl,
		c:       fl.contract,
		flags:   flags,
	}, nil
}

// Destroy drops the bucket array. The freelist and transaction system are
// destroyed separately by their owner.
func (t *HashTable[K, V]) Destroy() {
	t.buckets = nil
}

// BucketCount returns the fixed number of buckets.
func (t *HashTable[K, V]) BucketCount() int {
	return len(t.buckets)
}

// Freelist returns the freelist the table draws entries from.
func (t *HashTable[K, V]) Freelist() *Freelist[K, V] {
	return t.fl
}

func (t *HashTable[K, V]) bucket(key K) *atomic.Uint64 {
	n := len(t.buckets)
	i := t.c.Hash(key, n)
	if uint(i) >= uint(n) {
		i = int(uint(i) % uint(n))
	}
	return &t.buckets[i]
}

func (t *HashTable[K, V]) enter(s *Slot) error {
	if err := t.fl.ts.checkSlot(s); err != nil {
		return err
	}
	s.enter(false)
	return nil
}

// FindOrInsert returns the live entry for key, inserting a fresh one when
// none exists.
//
// With LockOnFind the entry is returned with its mutex held, which keeps
// Delete and Clear from retiring it until the caller unlocks it or
// removes it with DeleteLocked. Without
// it the reference stays valid only while the caller keeps a protected
// section open around the call.
func (t *HashTable[K, V]) FindOrInsert(s *Slot, key K) (*Entry[K, V], error) {
	if err := t.enter(s); err != nil {
		return nil, err
	}
	lockOnFind := t.flags&LockOnFind != 0
	b := t.bucket(key)
	var (
		fresh *Entry[K, V]
		spins int
	)
	for {
		head := b.Load()
		if _, e := t.search(b, key); e != nil {
			if lockOnFind {
				e.mu.Lock()
				if e.deleted() {
					// Removed while we waited for the lock.
					e.mu.Unlock()
					continue
				}
			}
			if fresh != nil {
				// Lost the race to a concurrent insert of the same key.
				if lockOnFind {
					fresh.mu.Unlock()
				}
				t.fl.park(s, fresh)
			}
			s.exit()
			return e, nil
		}
		if fresh == nil {
			var err error
			if fresh, err = t.fl.claim(s); err != nil {
				s.exit()
				return nil, err
			}
			t.c.CopyKey(&fresh.key, key)
			if lockOnFind {
				// Unpublished, so this never blocks.
				fresh.mu.Lock()
			}
		}
		fresh.next.Store(head)
		if b.CompareAndSwap(head, uint64(fresh.h)) {
			s.exit()
			return fresh, nil
		}
		delay(&spins)
	}
}

// Delete removes the live entry for key and retires it. It reports
// whether this call removed an entry; a concurrent Delete or Clear that
// got there first makes it report false.
//
// With LockOnDelete or LockOnFind the entry mutex is taken before the
// entry is unlinked and released afterwards, so an entry a finder still
// holds is never retired under it.
func (t *HashTable[K, V]) Delete(s *Slot, key K) (bool, error) {
	if err := t.enter(s); err != nil {
		return false, err
	}
	defer s.exit()
	lockOnDelete := t.flags&(LockOnDelete|LockOnFind) != 0
	b := t.bucket(key)
	for {
		link, e := t.search(b, key)
		if e == nil {
			return false, nil
		}
		if lockOnDelete {
			e.mu.Lock()
			if e.deleted() {
				e.mu.Unlock()
				continue
			}
		}
		if !t.mark(e) {
			if lockOnDelete {
				e.mu.Unlock()
			}
			continue
		}
		t.unlink(b, link, e)
		if lockOnDelete {
			e.mu.Unlock()
		}
		t.fl.retire(s, e)
		return true, nil
	}
}

// DeleteLocked removes exactly the entry e, whose mutex the caller holds
// from a FindOrInsert under LockOnFind. With UnlockAfterDelete the mutex
// is released when e is removed. If e is already gone (a concurrent Clear
// detached it) DeleteLocked reports false and the caller still owns the
// mutex. Without LockOnFind no finder holds the mutex and DeleteLocked
// fails with ErrInvalidArgument.
func (t *HashTable[K, V]) DeleteLocked(s *Slot, e *Entry[K, V]) (bool, error) {
	if t.flags&LockOnFind == 0 {
		return false, errors.Wrapf(ErrInvalidArgument, "locked delete under lock policy (%s)", t.flags)
	}
	if e == nil {
		return false, errors.Wrap(ErrInvalidArgument, "nil entry")
	}
	if err := t.enter(s); err != nil {
		return false, err
	}
	defer s.exit()
	b := t.bucket(e.key)
	link := t.findLink(b, e)
	if link == nil || !t.mark(e) {
		return false, nil
	}
	t.unlink(b, link, e)
	if t.flags&UnlockAfterDelete != 0 {
		e.mu.Unlock()
	}
	t.fl.retire(s, e)
	return true, nil
}

// Clear detaches every chain and retires all entries it removed. Entries
// a concurrent Delete already marked are left to that Delete.
func (t *HashTable[K, V]) Clear(s *Slot) error {
	if err := t.enter(s); err != nil {
		return err
	}
	defer s.exit()
	waitMutex := t.flags.usesMutex()
	var batch []*Entry[K, V]
	for i := range t.buckets {
		h := linkHandle(t.buckets[i].Swap(0))
		for h != nilHandle {
			e := t.fl.arena.at(h)
			var n uint64
			owned := false
			for {
				n = e.next.Load()
				if isMarked(n) {
					break
				}
				if e.next.CompareAndSwap(n, n|markBit) {
					owned = true
					break
				}
			}
			h = linkHandle(n)
			if owned {
				if waitMutex {
					// Let a current holder finish with the payload.
					e.mu.Lock()
					e.mu.Unlock()
				}
				batch = append(batch, e)
			}
		}
	}
	t.fl.retireBatch(s, batch)
	return nil
}

// search walks the chain at b for a live entry with key. It returns the
// entry and the link that pointed at it.
func (t *HashTable[K, V]) search(b *atomic.Uint64, key K) (*atomic.Uint64, *Entry[K, V]) {
	link := b
	for {
		h := linkHandle(link.Load())
		if h == nilHandle {
			return nil, nil
		}
		e := t.fl.arena.at(h)
		if !isMarked(e.next.Load()) && t.c.KeyEqual(e.key, key) {
			return link, e
		}
		link = &e.next
	}
}

// findLink walks the chain at b for the link currently pointing at e,
// marked or not. Nil means e is no longer reachable from b.
func (t *HashTable[K, V]) findLink(b *atomic.Uint64, e *Entry[K, V]) *atomic.Uint64 {
	link := b
	for {
		h := linkHandle(link.Load())
		if h == nilHandle {
			return nil
		}
		if h == e.h {
			return link
		}
		link = &t.fl.arena.at(h).next
	}
}

// mark sets the deletion mark on e. It fails if somebody else marked it.
func (t *HashTable[K, V]) mark(e *Entry[K, V]) bool {
	for {
		n := e.next.Load()
		if isMarked(n) {
			return false
		}
		if e.next.CompareAndSwap(n, n|markBit) {
			return true
		}
	}
}

// unlink physically removes the marked entry e. When link no longer holds
// e unmarked (its predecessor changed or is itself being removed) the
// chain is walked again; if e has become unreachable, a concurrent Clear
// detached it and nothing is left to do.
func (t *HashTable[K, V]) unlink(b, link *atomic.Uint64, e *Entry[K, V]) {
	next := e.next.Load() &^ markBit
	self := uint64(e.h)
	var spins int
	for !link.CompareAndSwap(self, next) {
		delay(&spins)
		if link = t.findLink(b, e); link == nil {
			return
		}
	}
}

// Len counts live entries by walking every chain.
func (t *HashTable[K, V]) Len(s *Slot) (int, error) {
	st, err := t.Stats(s)
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

// Stats walks the table inside a protected section held by s. The result
// is exact only when no other worker mutates the table.
func (t *HashTable[K, V]) Stats(s *Slot) (*HashStats, error) {
	if err := t.enter(s); err != nil {
		return nil, err
	}
	defer s.exit()
	stats := &HashStats{
		Buckets:    len(t.buckets),
		MinEntries: math.MaxInt,
	}
	for i := range t.buckets {
		nentries := 0
		for h := linkHandle(t.buckets[i].Load()); h != nilHandle; {
			e := t.fl.arena.at(h)
			n := e.next.Load()
			if isMarked(n) {
				stats.Marked++
			} else {
				nentries++
			}
			h = linkHandle(n)
		}
		stats.Size += nentries
		if nentries == 0 {
			stats.EmptyBuckets++
		}
		stats.MinEntries = min(stats.MinEntries, nentries)
		stats.MaxEntries = max(stats.MaxEntries, nentries)
	}
	return stats, nil
}

// HashStats is HashTable statistics.
//
// Warning: statistics are intended for diagnostics and tests, not for
// production decisions.
type HashStats struct {
	// Buckets is the fixed number of chains.
	Buckets int
	// EmptyBuckets is the number of chains without live entries.
	EmptyBuckets int
	// Size is the number of live entries.
	Size int
	// Marked is the number of removed entries still linked because their
	// remover has not finished unlinking them.
	Marked int
	// MinEntries is the minimum number of live entries in a chain.
	MinEntries int
	// MaxEntries is the maximum number of live entries in a chain.
	MaxEntries int
}

// ToString returns string representation of table stats.
func (s *HashStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("HashStats{\n")
	sb.WriteString(fmt.Sprintf("Buckets:      %d\n", s.Buckets))
	sb.WriteString(fmt.Sprintf("EmptyBuckets: %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("Size:         %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Marked:       %d\n", s.Marked))
	sb.WriteString(fmt.Sprintf("MinEntries:   %d\n", s.MinEntries))
	sb.WriteString(fmt.Sprintf("MaxEntries:   %d\n", s.MaxEntries))
	sb.WriteString("}\n")
	return sb.String()
}
