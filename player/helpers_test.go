package player

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// ms returns a Time t milliseconds after zero.
func ms(t int64) Time {
	return Time(t * int64(time.Millisecond))
}

// testMsg returns a message on topic at t with a payload of size bytes.
func testMsg(topic string, t Time, size int) MessageEvent {
	return MessageEvent{Topic: topic, SchemaName: "test/" + topic, ReceiveTime: t, PublishTime: t, Payload: make([]byte, size)}
}

// sliceIterator yields fixed events, optionally failing at a position.
type sliceIterator struct {
	events []Event
	pos    int
	failAt int // -1 never
	err    error
	closed bool
}

func newSliceIterator(times ...Time) *sliceIterator {
	it := &sliceIterator{failAt: -1}
	for _, t := range times {
		it.events = append(it.events, NewMessageEvent(testMsg("/t", t, 1)))
	}
	return it
}

func (it *sliceIterator) Next(ctx context.Context) (Event, error) {
	if it.closed {
		return Event{}, io.EOF
	}
	if it.failAt >= 0 && it.pos == it.failAt {
		return Event{}, it.err
	}
	if it.pos >= len(it.events) {
		return Event{}, io.EOF
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

// drain reads it to exhaustion.
func drain(t *testing.T, it Iterator) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected iterator error: %v", err)
		}
		out = append(out, ev)
	}
}

func eventTimes(events []Event) []Time {
	out := make([]Time, len(events))
	for i, ev := range events {
		out[i] = ev.Time
	}
	return out
}

func messageTimes(msgs []MessageEvent) []Time {
	out := make([]Time, len(msgs))
	for i, m := range msgs {
		out[i] = m.ReceiveTime
	}
	return out
}
