// Package player provides the iterable playback and merge engine for logscope.
//
// # Reading Guide
//
// Start with these files to understand the engine:
//   - source.go: the IterableSource contract every log decoder implements
//   - merge.go: the k-way chronological merge of per-source event streams
//   - multi_source.go: N sources presented as one, with merged Initialization
//   - cache.go: bounded, time-windowed read-ahead into sealed Blocks
//   - controller.go and state.go: playback clock and lifecycle
//   - player.go: the session object and its single control loop
//
// # Architecture
//
// The player package defines the contract and the engine; decoders live in
// sub-packages:
//   - player/source/jsonl: JSON Lines logs
//   - player/source/csvlog: YAML header + CSV rows
//   - player/source/db3: rosbag2-style SQLite files
//   - player/trace: decision trace recording
//
// Decoders register themselves in init() via RegisterSourceFactory, keyed by file
// extension. OpenSource picks the factory for a path; hosts blank-import the
// decoders they want available.
//
// # Concurrency
//
// A Player runs one control loop goroutine that owns the state machine, the
// controller and the block cache. Source I/O runs on worker goroutines and is
// reported back over channels. Results tagged with an older seek generation are
// dropped, so the most recent seek always wins.
package player
