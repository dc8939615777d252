package player

import "sort"

// Preload is the per-topic subscription hint.
type Preload string

const (
	// PreloadFull keeps the topic's history cached for the read-ahead window and behind the cursor.
	PreloadFull Preload = "full"
	// PreloadPartial only tracks the latest value; cached history behind the cursor is dropped.
	PreloadPartial Preload = "partial"
)

// Subscription asks for messages on one topic.
type Subscription struct {
	Topic   string
	Preload Preload
}

// splitSubscriptions returns the sorted unique topics of subs and the subset
// that is latest-only. A topic subscribed both ways counts as full.
func splitSubscriptions(subs []Subscription) ([]string, map[string]struct{}) {
	full := make(map[string]bool)
	for _, s := range subs {
		if s.Preload == PreloadPartial {
			if _, ok := full[s.Topic]; !ok {
				full[s.Topic] = false
			}
			continue
		}
		full[s.Topic] = true
	}
	topics := make([]string, 0, len(full))
	partial := make(map[string]struct{})
	for t, isFull := range full {
		topics = append(topics, t)
		if !isFull {
			partial[t] = struct{}{}
		}
	}
	sort.Strings(topics)
	return topics, partial
}
