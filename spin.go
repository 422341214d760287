package lf

import (
	"runtime"
	_ "unsafe"
)

// enableSpin controls whether a losing compare-and-swap spins with the
// CPU's PAUSE instruction before yielding. Spinning helps short bursts of
// contention on bucket heads and the available stack; once the runtime
// refuses further spinning the goroutine yields its P instead.
const enableSpin = true

// delay backs off after a failed compare-and-swap. It never blocks on
// another worker, so retry loops stay lock-free.
func delay(spins *int) {
	if //goland:noinspection ALL
	enableSpin && runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		runtime.Gosched()
		*spins = 0
	}
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
