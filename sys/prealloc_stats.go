package sys

// PreallocCacheStats returns the current preallocation cache hit and miss
// counters, for diagnostics and metrics only.
func PreallocCacheStats() (hits uint64, misses uint64) {
	return preallocCacheHits.Load(), preallocCacheMisses.Load()
}
