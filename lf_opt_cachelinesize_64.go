//go:build lf_opt_cachelinesize_64

package lf

// CacheLineSize is fixed to 64 bytes by build tag.
const CacheLineSize = 64
