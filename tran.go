// Package lf provides lock-free building blocks for sharing pools of
// fixed-type records between many workers: a transaction system that
// implements epoch-style deferred reclamation, a freelist that recycles
// entries once no worker can still observe them, and a fixed-size hash
// table whose chains are mutated only with compare-and-swap.
//
// A worker requests a Slot once, brackets table work with Begin/End and
// returns the slot when done. Entries removed from a table are retired
// into the slot and only become claimable again after every protected
// section that was active at retirement time has ended.
package lf

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const (
	// MaxSlots is the hard ceiling on the number of transaction slots.
	MaxSlots = 4096

	// DefaultRefreshInterval is how many retires a slot performs between
	// two recomputations of the reclamation watermark.
	DefaultRefreshInterval = 100

	// inactiveSnapshot is published by slots outside a protected section.
	inactiveSnapshot = ^uint64(0)
)

// TranConfig holds TranSystem options.
type TranConfig struct {
	RefreshInterval int
	Logger          *slog.Logger
}

// WithRefreshInterval sets how many retires a slot performs before it
// recomputes the watermark. Smaller values reclaim sooner at the cost of
// scanning the slot registry more often.
func WithRefreshInterval(n int) func(*TranConfig) {
	return func(c *TranConfig) {
		c.RefreshInterval = n
	}
}

// WithLogger routes diagnostic events (slot exhaustion, slots returned
// with pending retired entries, destroy with slots in use) to l.
func WithLogger(l *slog.Logger) func(*TranConfig) {
	return func(c *TranConfig) {
		c.Logger = l
	}
}

// slotOwner is implemented by structures that keep per-slot state and
// must settle it when the slot is returned.
type slotOwner interface {
	releaseSlot(s *Slot)
}

// TranSystem owns the slot registry and the global logical clock.
type TranSystem struct {
	slots           []Slot
	clock           atomic.Uint64
	watermark       atomic.Uint64
	inUse           atomic.Int32
	refreshInterval int
	logger          *slog.Logger

	ownersMu sync.Mutex
	owners   atomic.Pointer[[]slotOwner]
}

// Slot is a worker's registry entry. A slot is used by one goroutine at a
// time; only its published snapshot is read by others.
type Slot struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		snapshot atomic.Uint64
		inUse    atomic.Bool
		ts       *TranSystem
		index    int
		depth    int
		retires  int
	}{})%CacheLineSize) % CacheLineSize]byte

	snapshot atomic.Uint64
	inUse    atomic.Bool
	ts       *TranSystem
	index    int
	depth    int // protected section nesting, owner only
	retires  int // retires since the slot was claimed, owner only
}

// NewTranSystem creates a registry of maxSlots slots with the clock at
// zero.
func NewTranSystem(maxSlots int, options ...func(*TranConfig)) (*TranSystem, error) {
	if maxSlots <= 0 || maxSlots > MaxSlots {
		return nil, errors.Wrapf(ErrInvalidArgument, "max slots %d outside [1, %d]", maxSlots, MaxSlots)
	}
	c := &TranConfig{RefreshInterval: DefaultRefreshInterval}
	for _, o := range options {
		o(c)
	}
	if c.RefreshInterval <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "refresh interval %d must be positive", c.RefreshInterval)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	ts := &TranSystem{
		slots:           make([]Slot, maxSlots),
		refreshInterval: c.RefreshInterval,
		logger:          c.Logger,
	}
	for i := range ts.slots {
		s := &ts.slots[i]
		s.ts = ts
		s.index = i
		s.snapshot.Store(inactiveSnapshot)
	}
	ts.watermark.Store(1)
	return ts, nil
}

// RequestSlot claims an unused slot. It fails with ErrSlotsExhausted when
// every slot is taken.
func (ts *TranSystem) RequestSlot() (*Slot, error) {
	for i := range ts.slots {
		s := &ts.slots[i]
		if !s.inUse.Load() && s.inUse.CompareAndSwap(false, true) {
			s.depth = 0
			s.retires = 0
			ts.inUse.Add(1)
			return s, nil
		}
	}
	ts.logger.Warn("lf: transaction slots exhausted", "max_slots", len(ts.slots))
	return nil, errors.Wrapf(ErrSlotsExhausted, "all %d slots claimed", len(ts.slots))
}

// ReturnSlot gives s back to the registry. The slot's in-flight entry is
// returned to the available pool and every retired entry that is already
// safe is transported there too; entries still observable stay on the
// slot's retired list for its next owner to reclaim.
func (ts *TranSystem) ReturnSlot(s *Slot) error {
	if err := ts.checkSlot(s); err != nil {
		return err
	}
	if s.depth != 0 {
		return errors.Wrapf(ErrInvalidArgument, "slot %d returned inside a protected section", s.index)
	}
	if owners := ts.owners.Load(); owners != nil {
		for _, o := range *owners {
			o.releaseSlot(s)
		}
	}
	s.retires = 0
	s.inUse.Store(false)
	ts.inUse.Add(-1)
	return nil
}

// WithSlot runs fn with a freshly requested slot and returns the slot on
// every exit path, closing any protected section fn left open.
func (ts *TranSystem) WithSlot(fn func(s *Slot) error) (err error) {
	s, err := ts.RequestSlot()
	if err != nil {
		return err
	}
	defer func() {
		for s.depth > 0 {
			_ = s.End()
		}
		if rerr := ts.ReturnSlot(s); err == nil {
			err = rerr
		}
	}()
	return fn(s)
}

// Destroy detaches every owner. Slots must not be used afterwards.
func (ts *TranSystem) Destroy() {
	if n := ts.inUse.Load(); n != 0 {
		ts.logger.Warn("lf: transaction system destroyed with slots in use", "slots_in_use", n)
	}
	ts.ownersMu.Lock()
	ts.owners.Store(nil)
	ts.ownersMu.Unlock()
}

// Clock returns the current value of the logical clock.
func (ts *TranSystem) Clock() uint64 {
	return ts.clock.Load()
}

// Watermark returns the cached reclamation watermark: entries retired
// with a stamp below it are unobservable.
func (ts *TranSystem) Watermark() uint64 {
	return ts.watermark.Load()
}

// refreshWatermark recomputes the minimum snapshot over active slots and
// raises the cached watermark to it. The clock is read before the slots,
// so an entry stamped after the read can never fall below the result.
func (ts *TranSystem) refreshWatermark() uint64 {
	w := ts.clock.Load() + 1
	for i := range ts.slots {
		if v := ts.slots[i].snapshot.Load(); v < w {
			w = v
		}
	}
	for {
		cur := ts.watermark.Load()
		if w <= cur {
			return cur
		}
		if ts.watermark.CompareAndSwap(cur, w) {
			return w
		}
	}
}

func (ts *TranSystem) attach(o slotOwner) {
	ts.ownersMu.Lock()
	defer ts.ownersMu.Unlock()
	var next []slotOwner
	if cur := ts.owners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, o)
	ts.owners.Store(&next)
}

func (ts *TranSystem) detach(o slotOwner) {
	ts.ownersMu.Lock()
	defer ts.ownersMu.Unlock()
	cur := ts.owners.Load()
	if cur == nil {
		return
	}
	next := make([]slotOwner, 0, len(*cur))
	for _, x := range *cur {
		if x != o {
			next = append(next, x)
		}
	}
	ts.owners.Store(&next)
}

func (ts *TranSystem) checkSlot(s *Slot) error {
	if s == nil || s.ts != ts {
		return errors.Wrap(ErrInvalidArgument, "slot does not belong to this transaction system")
	}
	if !s.inUse.Load() {
		return errors.Wrapf(ErrInvalidArgument, "slot %d is not claimed", s.index)
	}
	return nil
}

// Index returns the slot's position in the registry.
func (s *Slot) Index() int {
	return s.index
}

// Protected reports whether the slot is inside a protected section.
func (s *Slot) Protected() bool {
	return s.depth > 0
}

// Begin enters a protected section. Entry references obtained until the
// matching End are not reclaimed. When advance is set the clock is
// incremented first. Sections nest; only the outermost Begin publishes a
// snapshot.
func (s *Slot) Begin(advance bool) error {
	if !s.inUse.Load() {
		return errors.Wrapf(ErrInvalidArgument, "slot %d is not claimed", s.index)
	}
	s.enter(advance)
	return nil
}

// End leaves a protected section, clearing the published snapshot when
// the outermost section ends.
func (s *Slot) End() error {
	if s.depth == 0 {
		return errors.Wrapf(ErrNotProtected, "slot %d", s.index)
	}
	s.exit()
	return nil
}

func (s *Slot) enter(advance bool) {
	if s.depth == 0 {
		var snap uint64
		if advance {
			snap = s.ts.clock.Add(1)
		} else {
			snap = s.ts.clock.Load()
		}
		s.snapshot.Store(snap)
	}
	s.depth++
}

func (s *Slot) exit() {
	s.depth--
	if s.depth == 0 {
		s.snapshot.Store(inactiveSnapshot)
	}
}

// TranStats is a point-in-time view of a TranSystem.
type TranStats struct {
	MaxSlots    int
	SlotsInUse  int
	ActiveSlots int
	Clock       uint64
	Watermark   uint64
}

// Stats returns registry diagnostics. Values read concurrently with slot
// activity are approximate.
func (ts *TranSystem) Stats() TranStats {
	st := TranStats{
		MaxSlots:   len(ts.slots),
		SlotsInUse: int(ts.inUse.Load()),
		Clock:      ts.clock.Load(),
		Watermark:  ts.watermark.Load(),
	}
	for i := range ts.slots {
		if ts.slots[i].snapshot.Load() != inactiveSnapshot {
			st.ActiveSlots++
		}
	}
	return st
}
