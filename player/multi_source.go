package player

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SourceInput names one member of a composite. Either URL is opened through
// the composite's opener, or Source is used as given.
type SourceInput struct {
	ID     string
	URL    string
	Source IterableSource
}

// childSource is one initialized member of a MultiSource.
type childSource struct {
	id  string
	src IterableSource
	ini *Initialization
}

// MultiSource presents N sources as one IterableSource.
//
// Children keep their input order; that order is the merge tie-break for
// equal timestamps. Children are additionally ranked by start time, which only
// decides the order iterators are opened in.
type MultiSource struct {
	inputs   []SourceInput
	open     SourceFactory
	policy   SchemaConflictPolicy
	children []childSource
	schedule []int
	merged   *Initialization
}

// MultiSourceOption configures a MultiSource.
type MultiSourceOption func(*MultiSource)

// WithOpener replaces OpenSource for URL inputs.
func WithOpener(open SourceFactory) MultiSourceOption {
	return func(m *MultiSource) {
		m.open = open
	}
}

// WithSchemaConflictPolicy sets how conflicting topic schemas are merged.
func WithSchemaConflictPolicy(policy SchemaConflictPolicy) MultiSourceOption {
	return func(m *MultiSource) {
		m.policy = policy
	}
}

// NewMultiSource returns a composite over the files or URLs in urls.
func NewMultiSource(urls []string, opts ...MultiSourceOption) *MultiSource {
	inputs := make([]SourceInput, len(urls))
	for i, url := range urls {
		inputs[i] = SourceInput{ID: url, URL: url}
	}
	return ComposeSources(inputs, opts...)
}

// ComposeSources returns a composite over already constructed or URL inputs.
func ComposeSources(inputs []SourceInput, opts ...MultiSourceOption) *MultiSource {
	m := &MultiSource{
		inputs: inputs,
		open:   OpenSource,
		policy: SchemaConflictFirstSeen,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize opens and initializes every child concurrently, then merges their
// Initializations. Any child failure fails the composite with a
// *SourceInitError and closes the children that did open.
func (m *MultiSource) Initialize(ctx context.Context) (*Initialization, error) {
	if m.merged != nil {
		return m.merged, nil
	}
	children := make([]childSource, len(m.inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range m.inputs {
		i, in := i, in
		g.Go(func() error {
			id := in.ID
			if id == "" {
				id = fmt.Sprintf("source-%d", i)
			}
			children[i].id = id
			src := in.Source
			if src == nil {
				opened, err := m.open(gctx, in.URL)
				if err != nil {
					return &SourceInitError{SourceID: id, Err: err}
				}
				src = opened
			}
			children[i].src = src
			ini, err := src.Initialize(gctx)
			if err != nil {
				return &SourceInitError{SourceID: id, Err: err}
			}
			children[i].ini = ini
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range children {
			if c.src != nil {
				_ = c.src.Close()
			}
		}
		return nil, err
	}

	inits := make([]*Initialization, len(children))
	for i, c := range children {
		inits[i] = c.ini
	}
	merged, err := MergeInitializations(m.policy, inits...)
	if err != nil {
		for _, c := range children {
			_ = c.src.Close()
		}
		return nil, err
	}

	m.schedule = make([]int, len(children))
	for i := range m.schedule {
		m.schedule[i] = i
	}
	sort.SliceStable(m.schedule, func(a, b int) bool {
		return children[m.schedule[a]].ini.Start < children[m.schedule[b]].ini.Start
	})

	m.children = children
	m.merged = merged
	logrus.Debugf("MultiSource: initialized %d sources, range [%v, %v], %d topics", len(children), merged.Start, merged.End, len(merged.Topics))
	return merged, nil
}

// Initialization returns the merged Initialization, or nil before Initialize.
func (m *MultiSource) Initialization() *Initialization {
	return m.merged
}

// MessageIterator opens one iterator per child with identical filters and
// merges them chronologically. Children whose range cannot intersect the
// filter are skipped.
func (m *MultiSource) MessageIterator(ctx context.Context, args IteratorArgs) (Iterator, error) {
	if m.merged == nil {
		return nil, ErrNotInitialized
	}
	opened := make([]Iterator, len(m.children))
	closeAll := func() {
		for _, it := range opened {
			if it != nil {
				_ = it.Close()
			}
		}
	}
	for _, idx := range m.schedule {
		c := m.children[idx]
		if c.ini.End < args.Start || c.ini.Start > args.End {
			continue
		}
		it, err := c.src.MessageIterator(ctx, args)
		if err != nil {
			closeAll()
			return nil, &StreamReadError{SourceID: c.id, Err: err}
		}
		opened[idx] = it
	}

	iters := make([]Iterator, 0, len(opened))
	ids := make([]string, 0, len(opened))
	for idx, it := range opened {
		if it != nil {
			iters = append(iters, it)
			ids = append(ids, m.children[idx].id)
		}
	}
	return newMergeIterator(iters, ids), nil
}

// BackfillMessages asks every child concurrently and keeps, per topic, the
// single most recent message at or before args.Time. On equal times the later
// child wins, matching the order the merged stream would deliver them in.
func (m *MultiSource) BackfillMessages(ctx context.Context, args BackfillArgs) ([]MessageEvent, error) {
	if m.merged == nil {
		return nil, ErrNotInitialized
	}
	results := make([][]MessageEvent, len(m.children))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range m.children {
		if c.ini.Start > args.Time {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			msgs, err := c.src.BackfillMessages(gctx, args)
			if err != nil {
				return &StreamReadError{SourceID: c.id, Err: err}
			}
			results[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]MessageEvent, len(args.Topics))
	for _, msgs := range results {
		for _, msg := range msgs {
			if msg.ReceiveTime > args.Time {
				continue
			}
			if prev, ok := best[msg.Topic]; !ok || msg.ReceiveTime >= prev.ReceiveTime {
				best[msg.Topic] = msg
			}
		}
	}
	out := make([]MessageEvent, 0, len(best))
	for _, topic := range args.Topics {
		if msg, ok := best[topic]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Close releases every child.
func (m *MultiSource) Close() error {
	var errs []error
	for _, c := range m.children {
		if c.src == nil {
			continue
		}
		if err := c.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}
