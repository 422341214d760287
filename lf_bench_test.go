package lf

import (
	"math/rand/v2"
	"testing"
)

func BenchmarkFreelistClaimRetire(b *testing.B) {
	ts, _ := NewTranSystem(MaxSlots)
	fl, _ := NewFreelist[int, xentry](1024, 0, xentryDesc(0), ts)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := ts.RequestSlot()
		if err != nil {
			b.Error(err)
			return
		}
		defer ts.ReturnSlot(s)
		for pb.Next() {
			_ = s.Begin(false)
			e, err := fl.Claim(s)
			if err != nil {
				b.Error(err)
				return
			}
			_ = fl.Retire(s, e)
			_ = s.End()
		}
	})
}

func benchmarkHash(b *testing.B, flags LockFlags, findPercent int) {
	ts, _ := NewTranSystem(MaxSlots)
	fl, _ := NewFreelist[int, xentry](1024, 0, xentryDesc(flags), ts)
	ht, _ := NewHashTable(fl, 1021)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := ts.RequestSlot()
		if err != nil {
			b.Error(err)
			return
		}
		defer ts.ReturnSlot(s)
		r := rand.New(rand.NewPCG(uint64(s.Index()), 0))
		for pb.Next() {
			key := r.IntN(10000)
			if r.IntN(100) < findPercent {
				_ = s.Begin(false)
				e, err := ht.FindOrInsert(s, key)
				if err != nil {
					b.Error(err)
					return
				}
				if flags&LockOnFind != 0 {
					e.Unlock()
				}
				_ = s.End()
			} else {
				_, _ = ht.Delete(s, key)
			}
		}
	})
}

func BenchmarkHashFindOrInsert(b *testing.B) {
	b.Run("none", func(b *testing.B) { benchmarkHash(b, policyNone, 90) })
	b.Run("locked", func(b *testing.B) { benchmarkHash(b, policyAll, 90) })
}

func BenchmarkHashMixed(b *testing.B) {
	b.Run("none", func(b *testing.B) { benchmarkHash(b, policyNone, 50) })
	b.Run("locked", func(b *testing.B) { benchmarkHash(b, policyAll, 50) })
}
