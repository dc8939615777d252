package trace

// TraceSummary aggregates statistics from a PlaybackTrace.
type TraceSummary struct {
	Seeks             int
	BackfillsApplied  int
	BackfillsDropped  int
	CacheAnswerRatio  float64 // topics answered from cache / topics asked, over applied backfills
	Evictions         int
	EvictedBytes      int64
	Stalls            int
	PartialAdvances   int
	EvictionsByReason map[string]int
}

// Summarize computes aggregate statistics from a PlaybackTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(pt *PlaybackTrace) *TraceSummary {
	summary := &TraceSummary{
		EvictionsByReason: make(map[string]int),
	}
	if pt == nil {
		return summary
	}
	snap := pt.Snapshot()

	summary.Seeks = len(snap.Seeks)

	asked, fromCache := 0, 0
	for _, b := range snap.Backfills {
		if !b.Applied {
			summary.BackfillsDropped++
			continue
		}
		summary.BackfillsApplied++
		asked += b.Topics
		fromCache += b.FromCache
	}
	if asked > 0 {
		summary.CacheAnswerRatio = float64(fromCache) / float64(asked)
	}

	for _, e := range snap.Evictions {
		summary.Evictions++
		summary.EvictedBytes += e.Bytes
		summary.EvictionsByReason[e.Reason]++
	}

	for _, s := range snap.Stalls {
		summary.Stalls++
		if s.Partial {
			summary.PartialAdvances++
		}
	}
	return summary
}
