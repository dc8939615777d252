// Package trace provides decision-trace recording for playback analysis.
// This package has no dependencies on player/; it stores pure data types.
// Times are log-clock nanoseconds.
package trace

// SeekRecord captures a seek request after clamping.
type SeekRecord struct {
	Generation uint64
	Requested  int64
	Clamped    int64
}

// BackfillRecord captures the outcome of one backfill query.
type BackfillRecord struct {
	Generation uint64
	Time       int64
	Topics     int
	FromCache  int  // topics answered from cached blocks
	Messages   int  // messages delivered (or that would have been)
	Applied    bool // false when a newer seek superseded it
	Reason     string
}

// EvictionRecord captures a block dropped from the cache.
type EvictionRecord struct {
	Start  int64
	End    int64
	Bytes  int64
	Cursor int64
	Reason string // "room" before an extension, "budget" after an insertion
}

// StallRecord captures a tick where playback could not advance to its target.
type StallRecord struct {
	Current int64
	Target  int64
	Partial bool // advanced to the end of cached data rather than not at all
}
