package oracle

// sequenceTracker validates price sequences per market.
// Stale or duplicate sequences are ignored, gaps are tolerated and counted.
// Not thread-safe: the owning Feed serializes access.
type sequenceTracker struct {
	lastSeq   map[string]int64
	priceGaps map[string]int64
	stale     map[string]int64
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{
		lastSeq:   make(map[string]int64),
		priceGaps: make(map[string]int64),
		stale:     make(map[string]int64),
	}
}

// accept reports whether seq advances the market's sequence, and records it if so
func (st *sequenceTracker) accept(market string, seq int64) bool {
	last, seen := st.lastSeq[market]
	if seen && seq <= last {
		st.stale[market]++
		return false
	}
	if seen && seq > last+1 {
		st.priceGaps[market]++
	}
	st.lastSeq[market] = seq
	return true
}

func (st *sequenceTracker) gaps(market string) int64 {
	return st.priceGaps[market]
}

func (st *sequenceTracker) staleCount(market string) int64 {
	return st.stale[market]
}
