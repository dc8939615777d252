package player

import "sort"

// Block is a sealed chunk of cached messages.
//
// A block covers [Start, End): it holds every message of its topics with
// Start <= time < End. Blocks are immutable once sealed; compaction builds a
// replacement.
type Block struct {
	Start       Time
	End         Time
	Messages    []MessageEvent
	SizeInBytes int64
	Topics      map[string]struct{}
}

func newBlock(start Time, topics []string) *Block {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return &Block{Start: start, End: start, Topics: set}
}

// Contains reports whether t lies in [Start, End).
func (b *Block) Contains(t Time) bool {
	return b.Start <= t && t < b.End
}

// Holds reports whether the block caches topic.
func (b *Block) Holds(topic string) bool {
	_, ok := b.Topics[topic]
	return ok
}

func (b *Block) add(msg MessageEvent) {
	b.Messages = append(b.Messages, msg)
	b.SizeInBytes += msg.Size()
}

// cut removes and returns the messages from index i on.
func (b *Block) cut(i int) []MessageEvent {
	out := append([]MessageEvent(nil), b.Messages[i:]...)
	for _, msg := range out {
		b.SizeInBytes -= msg.Size()
	}
	b.Messages = b.Messages[:i]
	return out
}

// latest returns the last message on topic at or before t.
func (b *Block) latest(topic string, t Time) (MessageEvent, bool) {
	// Messages are time-ordered; skip everything after t.
	n := sort.Search(len(b.Messages), func(i int) bool { return b.Messages[i].ReceiveTime > t })
	for i := n - 1; i >= 0; i-- {
		if b.Messages[i].Topic == topic {
			return b.Messages[i], true
		}
	}
	return MessageEvent{}, false
}

// without returns a copy of b minus the given topics.
func (b *Block) without(drop map[string]struct{}) *Block {
	out := &Block{Start: b.Start, End: b.End, Topics: make(map[string]struct{}, len(b.Topics))}
	for t := range b.Topics {
		if _, ok := drop[t]; !ok {
			out.Topics[t] = struct{}{}
		}
	}
	for _, msg := range b.Messages {
		if _, ok := drop[msg.Topic]; !ok {
			out.add(msg)
		}
	}
	return out
}
