//go:build race

package lf

// raceEnabled reports whether the binary was built with -race. Stress
// tests scale their operation counts down by it.
const raceEnabled = true
