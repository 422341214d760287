package lf

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

const (
	arenaChunkShift = 10
	arenaChunkLen   = 1 << arenaChunkShift
	arenaChunkMask  = arenaChunkLen - 1

	// MaxEntries is the hard ceiling on entries a single freelist can
	// allocate; handles are 32 bits wide with zero reserved.
	MaxEntries = 1 << 26
)

type arenaChunk[K, V any] [arenaChunkLen]Entry[K, V]

// arena hands out entries addressed by stable handles. Storage is carved
// in chunks that are installed with compare-and-swap and never moved, so
// a handle stays valid for the arena's lifetime.
type arena[K, V any] struct {
	chunks []atomic.Pointer[arenaChunk[K, V]]
	next   atomic.Uint32 // next index to carve
	limit  uint32
}

func newArena[K, V any](limit int) *arena[K, V] {
	return &arena[K, V]{
		chunks: make([]atomic.Pointer[arenaChunk[K, V]], (limit+arenaChunkMask)>>arenaChunkShift),
		limit:  uint32(limit),
	}
}

// carve reserves the next index and returns its entry with the handle set.
func (a *arena[K, V]) carve() (*Entry[K, V], error) {
	var idx uint32
	for {
		idx = a.next.Load()
		if idx >= a.limit {
			return nil, errors.Wrapf(ErrOutOfMemory, "freelist capacity %d reached", a.limit)
		}
		if a.next.CompareAndSwap(idx, idx+1) {
			break
		}
	}
	slot := &a.chunks[idx>>arenaChunkShift]
	c := slot.Load()
	if c == nil {
		nc := new(arenaChunk[K, V])
		if slot.CompareAndSwap(nil, nc) {
			c = nc
		} else {
			c = slot.Load()
		}
	}
	e := &c[idx&arenaChunkMask]
	e.h = idx + 1
	return e, nil
}

// at resolves a non-nil handle. The chunk is guaranteed to exist because
// the handle was published after carve installed it.
//
//go:nosplit
func (a *arena[K, V]) at(h uint32) *Entry[K, V] {
	idx := h - 1
	return &a.chunks[idx>>arenaChunkShift].Load()[idx&arenaChunkMask]
}

// carved returns how many indexes have been handed out.
func (a *arena[K, V]) carved() int {
	return int(a.next.Load())
}

// each calls fn for every carved entry. Not safe against concurrent carve.
func (a *arena[K, V]) each(fn func(e *Entry[K, V])) {
	n := a.next.Load()
	for idx := uint32(0); idx < n; idx++ {
		c := a.chunks[idx>>arenaChunkShift].Load()
		if c == nil {
			continue
		}
		fn(&c[idx&arenaChunkMask])
	}
}
