package player

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// IterableSource is the contract every log decoder implements.
//
// Initialize is called once before anything else. MessageIterator and
// BackfillMessages may be called any number of times afterwards, and
// iterators returned by MessageIterator are independent of each other.
type IterableSource interface {
	Initialize(ctx context.Context) (*Initialization, error)
	MessageIterator(ctx context.Context, args IteratorArgs) (Iterator, error)
	BackfillMessages(ctx context.Context, args BackfillArgs) ([]MessageEvent, error)
	Close() error
}

// Iterator is a lazy, pull-based, time-ordered event sequence.
// Next returns io.EOF once the sequence is exhausted. Close cancels the
// sequence and releases its resources; it is safe to call more than once.
type Iterator interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// IteratorArgs filters a message iterator.
type IteratorArgs struct {
	Topics []string // Empty means no messages (stamps and alerts only).
	Start  Time     // Inclusive.
	End    Time     // Inclusive; MaxTime for open-ended.
}

// Includes reports whether a message on topic at t passes the filter.
func (a IteratorArgs) Includes(topic string, t Time) bool {
	if t < a.Start || t > a.End {
		return false
	}
	for _, name := range a.Topics {
		if name == topic {
			return true
		}
	}
	return false
}

// BackfillArgs asks for the most recent message at or before Time per topic.
type BackfillArgs struct {
	Topics []string
	Time   Time
}

// SourceFactory opens the source identified by url without initializing it.
type SourceFactory func(ctx context.Context, url string) (IterableSource, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]SourceFactory{}
)

// RegisterSourceFactory makes a decoder available for files ending in ext.
// Sub-packages call it from init().
func RegisterSourceFactory(ext string, factory SourceFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(ext)] = factory
}

// RegisteredExtensions returns the registered file extensions, sorted.
func RegisteredExtensions() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	exts := make([]string, 0, len(factories))
	for ext := range factories {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// OpenSource returns an uninitialized source for url using the factory
// registered for its extension.
func OpenSource(ctx context.Context, url string) (IterableSource, error) {
	ext := strings.ToLower(filepath.Ext(url))
	factoriesMu.RLock()
	factory, ok := factories[ext]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no decoder registered for %q (extension %q)", url, ext)
	}
	return factory(ctx, url)
}
