//go:build lf_opt_cachelinesize_128

package lf

// CacheLineSize is fixed to 128 bytes by build tag.
const CacheLineSize = 128
