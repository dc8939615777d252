package player

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// MemorySource is an IterableSource over messages held in memory.
// It backs tests and demos and can inject failures.
type MemorySource struct {
	id       string
	messages []MessageEvent
	ini      Initialization
	hasRange bool
	declared []Topic

	initErr      error
	failAfter    int
	failErr      error
	backfillHook func(ctx context.Context, args BackfillArgs) error

	mu        sync.Mutex
	closed    bool
	iterators atomic.Int64
	released  atomic.Int64
	backfills atomic.Int64
}

// MemoryOption configures a MemorySource.
type MemoryOption func(*MemorySource)

// WithTimeRange overrides the start/end reported by Initialize.
func WithTimeRange(start, end Time) MemoryOption {
	return func(s *MemorySource) {
		s.ini.Start, s.ini.End = start, end
		s.hasRange = true
	}
}

// WithDatatype registers a schema in the Initialization.
func WithDatatype(schema Schema) MemoryOption {
	return func(s *MemorySource) {
		s.ini.Datatypes[schema.Name] = schema
	}
}

// WithTopic declares a topic, which may have no messages.
func WithTopic(topic Topic) MemoryOption {
	return func(s *MemorySource) {
		s.declared = append(s.declared, topic)
	}
}

// WithMetadata appends a metadata record to the Initialization.
func WithMetadata(md Metadata) MemoryOption {
	return func(s *MemorySource) {
		s.ini.Metadata = append(s.ini.Metadata, md)
	}
}

// WithAlert adds a non-fatal alert to the Initialization.
func WithAlert(alert Alert) MemoryOption {
	return func(s *MemorySource) {
		s.ini.Alerts = append(s.ini.Alerts, alert)
	}
}

// WithProfile sets the Initialization profile label.
func WithProfile(profile string) MemoryOption {
	return func(s *MemorySource) {
		s.ini.Profile = profile
	}
}

// WithInitError makes Initialize fail with err.
func WithInitError(err error) MemoryOption {
	return func(s *MemorySource) {
		s.initErr = err
	}
}

// WithFailAfter makes every iterator fail with err after yielding n events.
func WithFailAfter(n int, err error) MemoryOption {
	return func(s *MemorySource) {
		s.failAfter, s.failErr = n, err
	}
}

// WithBackfillHook runs hook at the start of every BackfillMessages call; a
// non-nil return fails the call. Hooks may block to simulate slow reads.
func WithBackfillHook(hook func(ctx context.Context, args BackfillArgs) error) MemoryOption {
	return func(s *MemorySource) {
		s.backfillHook = hook
	}
}

// NewMemorySource returns a source named id over messages. Messages are
// ordered by receive time; equal times keep their given order.
func NewMemorySource(id string, messages []MessageEvent, opts ...MemoryOption) *MemorySource {
	sorted := make([]MessageEvent, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ReceiveTime < sorted[j].ReceiveTime })
	for i := range sorted {
		sorted[i].SourceID = id
	}

	s := &MemorySource{
		id:       id,
		messages: sorted,
		ini: Initialization{
			Datatypes:         make(map[string]Schema),
			TopicStats:        make(map[string]TopicStats),
			PublishersByTopic: make(map[string][]string),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buildInitialization()
	return s
}

func (s *MemorySource) buildInitialization() {
	topics := make(map[string]Topic)
	for _, t := range s.declared {
		topics[t.Name] = t
	}
	for _, msg := range s.messages {
		if _, ok := topics[msg.Topic]; !ok {
			topics[msg.Topic] = Topic{Name: msg.Topic, SchemaName: msg.SchemaName}
		}
		stats, ok := s.ini.TopicStats[msg.Topic]
		if !ok {
			stats = TopicStats{FirstMessageTime: msg.ReceiveTime}
		}
		stats.NumMessages++
		stats.LastMessageTime = msg.ReceiveTime
		s.ini.TopicStats[msg.Topic] = stats
	}
	for _, t := range topics {
		s.ini.Topics = append(s.ini.Topics, t)
	}
	sort.Slice(s.ini.Topics, func(i, j int) bool { return s.ini.Topics[i].Name < s.ini.Topics[j].Name })
	if !s.hasRange && len(s.messages) > 0 {
		s.ini.Start = s.messages[0].ReceiveTime
		s.ini.End = s.messages[len(s.messages)-1].ReceiveTime
	}
}

// ID returns the source name.
func (s *MemorySource) ID() string {
	return s.id
}

// OpenIterators returns how many iterators have been created.
func (s *MemorySource) OpenIterators() int64 {
	return s.iterators.Load()
}

// LiveIterators returns how many created iterators have not been closed.
func (s *MemorySource) LiveIterators() int64 {
	return s.iterators.Load() - s.released.Load()
}

// BackfillCalls returns how many backfill queries were served.
func (s *MemorySource) BackfillCalls() int64 {
	return s.backfills.Load()
}

// Closed reports whether Close was called.
func (s *MemorySource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemorySource) Initialize(ctx context.Context) (*Initialization, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := s.ini
	return &out, nil
}

func (s *MemorySource) MessageIterator(ctx context.Context, args IteratorArgs) (Iterator, error) {
	s.iterators.Add(1)
	start := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ReceiveTime >= args.Start })
	return &memoryIterator{src: s, args: args, pos: start}, nil
}

func (s *MemorySource) BackfillMessages(ctx context.Context, args BackfillArgs) ([]MessageEvent, error) {
	s.backfills.Add(1)
	if s.backfillHook != nil {
		if err := s.backfillHook(ctx, args); err != nil {
			return nil, err
		}
	}
	var out []MessageEvent
	for _, topic := range args.Topics {
		for i := len(s.messages) - 1; i >= 0; i-- {
			msg := s.messages[i]
			if msg.Topic == topic && msg.ReceiveTime <= args.Time {
				out = append(out, msg)
				break
			}
		}
	}
	return out, nil
}

func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryIterator struct {
	src     *MemorySource
	args    IteratorArgs
	pos     int
	yielded int
	closed  bool
}

func (it *memoryIterator) Next(ctx context.Context) (Event, error) {
	if it.closed {
		return Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if it.src.failErr != nil && it.yielded >= it.src.failAfter {
		return Event{}, it.src.failErr
	}
	for it.pos < len(it.src.messages) {
		msg := it.src.messages[it.pos]
		it.pos++
		if msg.ReceiveTime > it.args.End {
			break
		}
		if it.args.Includes(msg.Topic, msg.ReceiveTime) {
			it.yielded++
			return NewMessageEvent(msg), nil
		}
	}
	it.pos = len(it.src.messages)
	return Event{}, io.EOF
}

func (it *memoryIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.src.released.Add(1)
	}
	return nil
}
