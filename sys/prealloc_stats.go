package sys

// PreallocCacheStats returns the current preallocation cache hit and miss
// counters, for diagnostics or metrics export.
func PreallocCacheStats() (hits uint64, misses uint64) {
	hits = preallocCacheHits.Load()
	misses = preallocCacheMisses.Load()
	return
}
