package lf

import (
	"sync"
	"sync/atomic"
)

// LockFlags selects how HashTable operations use the payload mutex of an
// entry. The mutex only guards payload fields; chain links are always
// updated with compare-and-swap regardless of the policy.
type LockFlags uint8

const (
	// LockOnFind makes FindOrInsert return with the entry mutex held.
	LockOnFind LockFlags = 1 << iota
	// LockOnDelete makes Delete acquire the entry mutex before unlinking.
	LockOnDelete
	// UnlockAfterDelete makes Delete/DeleteLocked release the entry mutex
	// once the entry is unlinked.
	UnlockAfterDelete
)

// usesMutex reports whether any flag touches the payload mutex.
func (f LockFlags) usesMutex() bool {
	return f&(LockOnFind|LockOnDelete) != 0
}

// validate rejects combinations that would leave a retired entry locked
// with no handle returned to the caller, or unlock a mutex nobody took.
func (f LockFlags) validate() bool {
	switch f {
	case 0,
		LockOnFind | LockOnDelete | UnlockAfterDelete,
		LockOnFind | UnlockAfterDelete,
		LockOnDelete | UnlockAfterDelete:
		return true
	}
	return false
}

func (f LockFlags) String() string {
	yn := func(b bool) string {
		if b {
			return "y"
		}
		return "n"
	}
	return "lf=" + yn(f&LockOnFind != 0) +
		", ld=" + yn(f&LockOnDelete != 0) +
		", ud=" + yn(f&UnlockAfterDelete != 0)
}

// Contract is the extension point a payload type implements so that a
// Freelist and a HashTable can manage entries of it.
//
// Alloc prepares the payload of freshly carved storage and may fail, which
// surfaces as ErrOutOfMemory. Release is called once per prepared entry
// when the freelist is destroyed. Init runs on every claim and Uninit on
// every retire.
type Contract[K, V any] interface {
	Alloc(v *V) error
	Release(v *V)
	Init(v *V)
	Uninit(v *V)
	CopyKey(dst *K, src K)
	KeyEqual(a, b K) bool
	// Hash maps key into [0, buckets).
	Hash(key K, buckets int) int
	LockFlags() LockFlags
}

// Descriptor is a function-table Contract. Nil payload callbacks are
// no-ops and a nil CopyKeyFn is a plain assignment; KeyEqualFn and HashFn
// are required.
type Descriptor[K, V any] struct {
	AllocFn    func(v *V) error
	ReleaseFn  func(v *V)
	InitFn     func(v *V)
	UninitFn   func(v *V)
	CopyKeyFn  func(dst *K, src K)
	KeyEqualFn func(a, b K) bool
	HashFn     func(key K, buckets int) int
	Flags      LockFlags
}

func (d *Descriptor[K, V]) Alloc(v *V) error {
	if d.AllocFn == nil {
		return nil
	}
	return d.AllocFn(v)
}

func (d *Descriptor[K, V]) Release(v *V) {
	if d.ReleaseFn != nil {
		d.ReleaseFn(v)
	}
}

func (d *Descriptor[K, V]) Init(v *V) {
	if d.InitFn != nil {
		d.InitFn(v)
	}
}

func (d *Descriptor[K, V]) Uninit(v *V) {
	if d.UninitFn != nil {
		d.UninitFn(v)
	}
}

func (d *Descriptor[K, V]) CopyKey(dst *K, src K) {
	if d.CopyKeyFn != nil {
		d.CopyKeyFn(dst, src)
		return
	}
	*dst = src
}

func (d *Descriptor[K, V]) KeyEqual(a, b K) bool { return d.KeyEqualFn(a, b) }

func (d *Descriptor[K, V]) Hash(key K, buckets int) int { return d.HashFn(key, buckets) }

func (d *Descriptor[K, V]) LockFlags() LockFlags { return d.Flags }

// Handles address entries inside a freelist arena. Zero is the nil handle.
// Chain links reserve the top bit as the deletion mark.
const (
	nilHandle  uint32 = 0
	markBit    uint64 = 1 << 63
	handleMask uint64 = 1<<32 - 1
)

//go:nosplit
func linkHandle(link uint64) uint32 { return uint32(link & handleMask) }

//go:nosplit
func isMarked(link uint64) bool { return link&markBit != 0 }

// Entry is a record managed by a Freelist. While live it is linked into a
// HashTable bucket chain; while free or retired it sits on a freelist
// stack or a slot's retired list.
//
// Only Value belongs to the caller. Value must not be touched after the
// entry has been deleted and the protected section (or the payload mutex,
// depending on the locking policy) that covered the access has ended.
type Entry[K, V any] struct {
	_ noCopy

	// next is the bucket-chain link: a handle plus markBit once the entry
	// has been logically removed. A marked link never changes again until
	// the entry is reclaimed.
	next atomic.Uint64
	// stack is the freelist link, used by the available stack and the
	// owning slot's retired list.
	stack atomic.Uint32
	// h is this entry's own handle; immutable.
	h uint32
	// ready is set once the contract prepared the payload.
	ready bool
	// stamp is the clock value recorded by Retire.
	stamp uint64

	mu  sync.Mutex
	key K

	Value V
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K { return e.key }

// Lock acquires the payload mutex.
func (e *Entry[K, V]) Lock() { e.mu.Lock() }

// Unlock releases the payload mutex.
func (e *Entry[K, V]) Unlock() { e.mu.Unlock() }

// TryLock tries to acquire the payload mutex without blocking.
func (e *Entry[K, V]) TryLock() bool { return e.mu.TryLock() }

// deleted reports whether the entry has been logically removed from its
// chain.
func (e *Entry[K, V]) deleted() bool { return isMarked(e.next.Load()) }

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
//nolint:unused
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
