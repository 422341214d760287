package lf

import "github.com/cockroachdb/errors"

// Error kinds returned by the engine. Call sites wrap them with context,
// so classify with errors.Is.
var (
	// ErrOutOfMemory reports that a fresh entry could not be allocated,
	// either because the freelist reached its capacity or because the
	// entry contract failed to prepare the payload.
	ErrOutOfMemory = errors.New("lf: out of memory")

	// ErrSlotsExhausted reports that every transaction slot is claimed.
	ErrSlotsExhausted = errors.New("lf: transaction slots exhausted")

	// ErrInvalidArgument reports a rejected configuration or a call made
	// with a slot or entry in the wrong state.
	ErrInvalidArgument = errors.New("lf: invalid argument")

	// ErrNotProtected reports End on a slot that is not inside a
	// protected section.
	ErrNotProtected = errors.New("lf: slot is not protected")
)
