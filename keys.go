package lf

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// IntKeys returns a Descriptor for int keys hashed by modulo, which keeps
// consecutive keys in distinct buckets. Payload callbacks are left nil
// for the caller to fill in.
func IntKeys[V any](flags LockFlags) *Descriptor[int, V] {
	return &Descriptor[int, V]{
		KeyEqualFn: func(a, b int) bool { return a == b },
		HashFn: func(key, buckets int) int {
			h := key % buckets
			if h < 0 {
				h += buckets
			}
			return h
		},
		Flags: flags,
	}
}

// StringKeys returns a Descriptor for string keys hashed with xxhash.
func StringKeys[V any](flags LockFlags) *Descriptor[string, V] {
	return &Descriptor[string, V]{
		KeyEqualFn: func(a, b string) bool { return a == b },
		HashFn: func(key string, buckets int) int {
			return int(xxhash.Sum64String(key) % uint64(buckets))
		},
		Flags: flags,
	}
}

// BytesKeys returns a Descriptor for byte-slice keys hashed with xxhash.
// CopyKey copies into the entry's own buffer, reusing its capacity across
// claim cycles, so callers may reuse the slice they pass in.
func BytesKeys[V any](flags LockFlags) *Descriptor[[]byte, V] {
	return &Descriptor[[]byte, V]{
		CopyKeyFn: func(dst *[]byte, src []byte) {
			*dst = append((*dst)[:0], src...)
		},
		KeyEqualFn: bytes.Equal,
		HashFn: func(key []byte, buckets int) int {
			return int(xxhash.Sum64(key) % uint64(buckets))
		},
		Flags: flags,
	}
}
