package player

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// mergeCursor is the next pending event of one child sequence.
type mergeCursor struct {
	event Event
	child int    // index of the child sequence
	seq   uint64 // arrival order, unique across the merge
}

// cursorHeap implements a priority queue with deterministic ordering.
// Ordering: time → child index → arrival sequence.
type cursorHeap struct {
	cursors []mergeCursor
}

// Len implements heap.Interface
func (h *cursorHeap) Len() int {
	return len(h.cursors)
}

// Less implements heap.Interface with deterministic ordering.
// Equal timestamps from different children are yielded lowest child index
// first; within one child the child's own order is kept.
func (h *cursorHeap) Less(i, j int) bool {
	ci, cj := h.cursors[i], h.cursors[j]
	if ci.event.Time != cj.event.Time {
		return ci.event.Time < cj.event.Time
	}
	if ci.child != cj.child {
		return ci.child < cj.child
	}
	return ci.seq < cj.seq
}

// Swap implements heap.Interface
func (h *cursorHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

// Push implements heap.Interface
func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(mergeCursor))
}

// Pop implements heap.Interface
func (h *cursorHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	item := old[n-1]
	h.cursors = old[0 : n-1]
	return item
}

// mergeIterator lazily interleaves N individually time-sorted iterators.
//
// Thread-safety: NOT thread-safe. Next must be called from one goroutine.
type mergeIterator struct {
	children []Iterator
	ids      []string
	heap     *cursorHeap
	primed   bool
	refill   int // child whose event was yielded last and must be pulled again; -1 if none
	seq      uint64
	err      error
	closed   bool
}

// MergeIterators returns one iterator yielding every event of children exactly
// once in non-decreasing time order. Each child must itself be non-decreasing.
//
// The first call to Next pulls the head of every child concurrently; after
// that only the child that produced the previous event is pulled. If any child
// fails, all children are closed and the error is returned as a
// *StreamReadError from then on; no partial output is passed off as complete.
func MergeIterators(children []Iterator) Iterator {
	return newMergeIterator(children, nil)
}

// newMergeIterator is MergeIterators with source IDs used to attribute errors.
func newMergeIterator(children []Iterator, ids []string) *mergeIterator {
	return &mergeIterator{
		children: children,
		ids:      ids,
		heap:     &cursorHeap{cursors: make([]mergeCursor, 0, len(children))},
		refill:   -1,
	}
}

func (m *mergeIterator) Next(ctx context.Context) (Event, error) {
	if m.err != nil {
		return Event{}, m.err
	}
	if m.closed {
		return Event{}, io.EOF
	}
	if !m.primed {
		if err := m.prime(ctx); err != nil {
			return Event{}, m.fail(err)
		}
		m.primed = true
	}
	if m.refill >= 0 {
		child := m.refill
		m.refill = -1
		if err := m.pull(ctx, child); err != nil {
			return Event{}, m.fail(err)
		}
	}
	if m.heap.Len() == 0 {
		return Event{}, io.EOF
	}
	top := heap.Pop(m.heap).(mergeCursor)
	m.refill = top.child
	return top.event, nil
}

// prime requests the first element of every child concurrently.
func (m *mergeIterator) prime(ctx context.Context) error {
	heads := make([]*Event, len(m.children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range m.children {
		i, child := i, child
		g.Go(func() error {
			ev, err := child.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return m.wrap(i, err)
			}
			heads[i] = &ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, ev := range heads {
		if ev != nil {
			m.push(i, *ev)
		}
	}
	return nil
}

// pull requests the next element of one child and reinserts it if present.
func (m *mergeIterator) pull(ctx context.Context, child int) error {
	ev, err := m.children[child].Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return m.wrap(child, err)
	}
	m.push(child, ev)
	return nil
}

func (m *mergeIterator) push(child int, ev Event) {
	m.seq++
	heap.Push(m.heap, mergeCursor{event: ev, child: child, seq: m.seq})
}

func (m *mergeIterator) wrap(child int, err error) error {
	var re *StreamReadError
	if errors.As(err, &re) {
		return err
	}
	id := fmt.Sprintf("#%d", child)
	if child < len(m.ids) {
		id = m.ids[child]
	}
	return &StreamReadError{SourceID: id, Err: err}
}

// fail records err and cancels every child.
func (m *mergeIterator) fail(err error) error {
	m.err = err
	_ = m.Close()
	return err
}

func (m *mergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, child := range m.children {
		if err := child.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.heap.cursors = nil
	return errors.Join(errs...)
}
