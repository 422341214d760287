package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/lang/fastrand"
	"github.com/bytedance/gopkg/util/gopool"
	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/lf"
	"github.com/llxisdsh/lf/metrics"
)

// counter is the payload every suite stores.
type counter struct {
	n int
}

type policy struct {
	name  string
	flags lf.LockFlags
}

var policies = []policy{
	{"none", 0},
	{"locked", lf.LockOnFind | lf.LockOnDelete | lf.UnlockAfterDelete},
	{"counter", lf.LockOnFind | lf.UnlockAfterDelete},
}

// result is the outcome of one suite run at one worker count.
type result struct {
	Suite   string
	Policy  string
	Workers int
	Ops     int
	Elapsed time.Duration
	Err     error
	Stats   lf.FreelistStats
}

func (r result) ok() bool { return r.Err == nil }

type runner struct {
	cfg       Config
	logger    *slog.Logger
	pool      gopool.Pool
	collector *metrics.Collector
}

func newRunner(cfg Config, logger *slog.Logger, collector *metrics.Collector) *runner {
	pool := gopool.NewPool("lfstress", int32(cfg.MaxWorkers), gopool.NewConfig())
	pool.SetPanicHandler(func(_ context.Context, p interface{}) {
		logger.Error("worker panic", "panic", p)
	})
	return &runner{cfg: cfg, logger: logger, pool: pool, collector: collector}
}

func counterContract(flags lf.LockFlags) *lf.Descriptor[int, counter] {
	d := lf.IntKeys[counter](flags)
	d.InitFn = func(v *counter) { v.n = 0 }
	return d
}

// env is the engine stack a single run works on.
type env struct {
	ts *lf.TranSystem
	fl *lf.Freelist[int, counter]
	ht *lf.HashTable[int, counter]
}

func (r *runner) newEnv(workers int, flags lf.LockFlags, table bool) (*env, error) {
	// One extra slot for validation after the workers are done.
	ts, err := lf.NewTranSystem(workers+1, lf.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	fl, err := lf.NewFreelist[int, counter](100, 0, counterContract(flags), ts)
	if err != nil {
		return nil, err
	}
	e := &env{ts: ts, fl: fl}
	if table {
		if e.ht, err = lf.NewHashTable(fl, r.cfg.Buckets); err != nil {
			return nil, err
		}
	}
	if r.collector != nil {
		r.collector.SetTranSystem(ts)
		r.collector.AddFreelist("stress", fl)
	}
	return e, nil
}

func (e *env) destroy() {
	if e.ht != nil {
		e.ht.Destroy()
	}
	e.fl.Destroy()
	e.ts.Destroy()
}

// parallel runs proc on n pooled workers, each holding its own slot, and
// returns the first error.
func (r *runner) parallel(ts *lf.TranSystem, n int, proc func(s *lf.Slot) error) error {
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		r.pool.Go(func() {
			defer wg.Done()
			errs[i] = ts.WithSlot(proc)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) runAll() []result {
	var results []result
	for _, suite := range r.cfg.Suites {
		for _, workers := range r.cfg.workerCounts() {
			switch suite {
			case "freelist":
				results = append(results, r.record(suite, "-", workers, func() (lf.FreelistStats, error) {
					return r.freelistRun(workers)
				}))
			case "iterator":
				results = append(results, r.record(suite, policies[0].name, workers, func() (lf.FreelistStats, error) {
					return r.iteratorRun(workers)
				}))
			case "hash", "clear":
				for _, p := range policies {
					results = append(results, r.record(suite, p.name, workers, func() (lf.FreelistStats, error) {
						return r.hashRun(workers, p, suite == "clear")
					}))
				}
			}
		}
	}
	return results
}

func (r *runner) record(suite, pol string, workers int, run func() (lf.FreelistStats, error)) result {
	start := time.Now()
	st, err := run()
	res := result{
		Suite:   suite,
		Policy:  pol,
		Workers: workers,
		Ops:     r.cfg.Ops,
		Elapsed: time.Since(start),
		Err:     err,
		Stats:   st,
	}
	if err != nil {
		r.logger.Error("run failed", "suite", suite, "policy", pol, "workers", workers, "err", err)
	} else {
		r.logger.Info("run ok", "suite", suite, "policy", pol, "workers", workers,
			"elapsed", res.Elapsed, "allocated", st.Allocated)
	}
	return res
}

func conservation(st lf.FreelistStats, live int) error {
	if got := int64(live) + st.Available + st.Retired + st.InFlight; got != st.Allocated {
		return errors.Newf("leak check fail (%d + %d + %d + %d != %d)",
			live, st.Available, st.Retired, st.InFlight, st.Allocated)
	}
	return nil
}

// freelistRun alternates claims and retires inside advancing sections.
func (r *runner) freelistRun(workers int) (lf.FreelistStats, error) {
	e, err := r.newEnv(workers, 0, false)
	if err != nil {
		return lf.FreelistStats{}, err
	}
	defer e.destroy()
	ops := r.cfg.Ops
	err = r.parallel(e.ts, workers, func(s *lf.Slot) error {
		var held []*lf.Entry[int, counter]
		for i := 0; i < ops; i++ {
			if err := s.Begin(true); err != nil {
				return err
			}
			if i%2 == 0 {
				ent, err := e.fl.Claim(s)
				if err != nil {
					return err
				}
				held = append(held, ent)
			} else {
				ent := held[len(held)-1]
				held = held[:len(held)-1]
				if err := e.fl.Retire(s, ent); err != nil {
					return err
				}
			}
			if err := s.End(); err != nil {
				return err
			}
		}
		for _, ent := range held {
			if err := e.fl.Retire(s, ent); err != nil {
				return err
			}
		}
		return nil
	})
	st := e.fl.Stats()
	if err != nil {
		return st, err
	}
	if st.Claims != st.Retires {
		return st, errors.Newf("counting fail (claims %d != retires %d)", st.Claims, st.Retires)
	}
	return st, conservation(st, 0)
}

// iteratorRun fills the table with keys 0..Keys-1 and lets every worker
// walk it, checking the sum of values.
func (r *runner) iteratorRun(workers int) (lf.FreelistStats, error) {
	e, err := r.newEnv(workers, 0, true)
	if err != nil {
		return lf.FreelistStats{}, err
	}
	defer e.destroy()
	keys := r.cfg.Keys
	err = e.ts.WithSlot(func(s *lf.Slot) error {
		for k := 0; k < keys; k++ {
			ent, err := e.ht.FindOrInsert(s, k)
			if err != nil {
				return err
			}
			ent.Value.n = k
		}
		return nil
	})
	if err != nil {
		return e.fl.Stats(), err
	}
	want := keys * (keys - 1) / 2
	rounds := max(1, r.cfg.Ops/keys)
	err = r.parallel(e.ts, workers, func(s *lf.Slot) error {
		for round := 0; round < rounds; round++ {
			sum, n := 0, 0
			for ent := range e.ht.All(s) {
				sum += ent.Value.n
				n++
			}
			if n != keys || sum != want {
				return errors.Newf("iteration fail (%d entries summing to %d, want %d and %d)", n, sum, keys, want)
			}
		}
		return nil
	})
	st := e.fl.Stats()
	if err != nil {
		return st, err
	}
	return st, conservation(st, keys)
}

// hashRun drives the table with the procedure matching the policy, with
// periodic clears when withClear is set.
func (r *runner) hashRun(workers int, p policy, withClear bool) (lf.FreelistStats, error) {
	e, err := r.newEnv(workers, p.flags, true)
	if err != nil {
		return lf.FreelistStats{}, err
	}
	defer e.destroy()

	var removed atomic.Int64
	var proc func(s *lf.Slot) error
	switch p.name {
	case "none":
		proc = r.procNone(e, withClear)
	case "locked":
		proc = r.procLocked(e, withClear)
	default:
		proc = r.procCounter(e, withClear, &removed)
	}
	if err := r.parallel(e.ts, workers, proc); err != nil {
		return e.fl.Stats(), err
	}

	var live int
	err = e.ts.WithSlot(func(s *lf.Slot) error {
		stats, err := e.ht.Stats(s)
		if err != nil {
			return err
		}
		live = stats.Size
		if stats.Marked != 0 {
			return errors.Newf("%d removed entries still linked", stats.Marked)
		}
		if p.name != "counter" || withClear {
			return nil
		}
		sum := removed.Load()
		for ent := range e.ht.All(s) {
			sum += int64(ent.Value.n)
		}
		if want := int64(workers * r.cfg.Ops); sum != want {
			return errors.Newf("op count check failed (%d != %d)", sum, want)
		}
		return nil
	})
	st := e.fl.Stats()
	if err != nil {
		return st, err
	}
	return st, conservation(st, live)
}

func (r *runner) procNone(e *env, withClear bool) func(s *lf.Slot) error {
	ops, keys := r.cfg.Ops, r.cfg.Keys
	return func(s *lf.Slot) error {
		for i := 0; i < ops; i++ {
			key := fastrand.Intn(keys)
			switch {
			case withClear && i%1000 == 999:
				if err := e.ht.Clear(s); err != nil {
					return err
				}
			case i%10 < 5:
				if err := s.Begin(false); err != nil {
					return err
				}
				ent, err := e.ht.FindOrInsert(s, key)
				if err != nil {
					return err
				}
				if ent.Key() != key {
					return errors.Newf("find fail (key %d != %d)", ent.Key(), key)
				}
				if err := s.End(); err != nil {
					return err
				}
			default:
				if _, err := e.ht.Delete(s, key); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func (r *runner) procLocked(e *env, withClear bool) func(s *lf.Slot) error {
	ops, keys := r.cfg.Ops, r.cfg.Keys
	return func(s *lf.Slot) error {
		for i := 0; i < ops; i++ {
			key := fastrand.Intn(keys)
			switch {
			case withClear && i%1000 == 999:
				if err := e.ht.Clear(s); err != nil {
					return err
				}
			case i%10 < 5:
				ent, err := e.ht.FindOrInsert(s, key)
				if err != nil {
					return err
				}
				ent.Value.n++
				ent.Unlock()
			default:
				if _, err := e.ht.Delete(s, key); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// procCounter bumps a per-key counter under the entry mutex and deletes
// the entry at ten, adding its count to removed.
func (r *runner) procCounter(e *env, withClear bool, removed *atomic.Int64) func(s *lf.Slot) error {
	ops, keys := r.cfg.Ops, r.cfg.Keys
	return func(s *lf.Slot) error {
		for i := 0; i < ops; i++ {
			if withClear && i%1000 == 999 {
				if err := e.ht.Clear(s); err != nil {
					return err
				}
				continue
			}
			key := fastrand.Intn(keys)
			ent, err := e.ht.FindOrInsert(s, key)
			if err != nil {
				return err
			}
			ent.Value.n++
			if ent.Value.n < 10 {
				ent.Unlock()
				continue
			}
			n := ent.Value.n
			ok, err := e.ht.DeleteLocked(s, ent)
			if err != nil {
				return err
			}
			switch {
			case ok:
				removed.Add(int64(n))
			case withClear:
				ent.Unlock()
			default:
				return errors.Newf("delete fail (key %d)", key)
			}
		}
		return nil
	}
}
