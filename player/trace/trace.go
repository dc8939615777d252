package trace

import "sync"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures seek, backfill, eviction and stall decisions.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// PlaybackTrace collects decision records during a playback session.
// Records may be added from the player loop while a host reads a Snapshot.
type PlaybackTrace struct {
	Config TraceConfig

	mu        sync.Mutex
	seeks     []SeekRecord
	backfills []BackfillRecord
	evictions []EvictionRecord
	stalls    []StallRecord
}

// NewPlaybackTrace creates a PlaybackTrace ready for recording.
func NewPlaybackTrace(config TraceConfig) *PlaybackTrace {
	return &PlaybackTrace{
		Config:    config,
		seeks:     make([]SeekRecord, 0),
		backfills: make([]BackfillRecord, 0),
		evictions: make([]EvictionRecord, 0),
		stalls:    make([]StallRecord, 0),
	}
}

// Enabled reports whether records are kept. Safe on a nil trace.
func (pt *PlaybackTrace) Enabled() bool {
	return pt != nil && pt.Config.Level == TraceLevelDecisions
}

// RecordSeek appends a seek record.
func (pt *PlaybackTrace) RecordSeek(record SeekRecord) {
	if !pt.Enabled() {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.seeks = append(pt.seeks, record)
}

// RecordBackfill appends a backfill record.
func (pt *PlaybackTrace) RecordBackfill(record BackfillRecord) {
	if !pt.Enabled() {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.backfills = append(pt.backfills, record)
}

// RecordEviction appends an eviction record.
func (pt *PlaybackTrace) RecordEviction(record EvictionRecord) {
	if !pt.Enabled() {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.evictions = append(pt.evictions, record)
}

// RecordStall appends a stall record.
func (pt *PlaybackTrace) RecordStall(record StallRecord) {
	if !pt.Enabled() {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.stalls = append(pt.stalls, record)
}

// Snapshot is a copy of the records collected so far.
type Snapshot struct {
	Seeks     []SeekRecord
	Backfills []BackfillRecord
	Evictions []EvictionRecord
	Stalls    []StallRecord
}

// Snapshot copies the collected records. Safe on a nil trace.
func (pt *PlaybackTrace) Snapshot() Snapshot {
	if pt == nil {
		return Snapshot{}
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return Snapshot{
		Seeks:     append([]SeekRecord(nil), pt.seeks...),
		Backfills: append([]BackfillRecord(nil), pt.backfills...),
		Evictions: append([]EvictionRecord(nil), pt.evictions...),
		Stalls:    append([]StallRecord(nil), pt.stalls...),
	}
}
