package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/logscope/logscope/player/trace"
	"github.com/sirupsen/logrus"
)

// CacheConfig bounds a BlockCache.
type CacheConfig struct {
	MaxCacheBytes int64
	MaxBlockBytes int64
}

// streamReader is the read position in the merged stream. While an extension
// is in flight the reader belongs to its ExtendJob.
type streamReader struct {
	iter    Iterator
	next    Time    // every message before next has been read
	pending []Event // read from iter but not yet placed in a block
	done    bool
}

func (r *streamReader) pull(ctx context.Context) (Event, error) {
	if len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		return ev, nil
	}
	return r.iter.Next(ctx)
}

// unread puts events back in front of the stream.
func (r *streamReader) unread(evs ...Event) {
	r.pending = append(evs, r.pending...)
}

func (r *streamReader) close() {
	if r != nil && r.iter != nil {
		_ = r.iter.Close()
		r.iter = nil
	}
}

// BlockCache is a bounded, time-windowed read-ahead buffer over a source.
//
// Total bytes of cached blocks never exceed MaxCacheBytes after an insertion.
// Blocks are capped at min(MaxBlockBytes, MaxCacheBytes/2) so the block under
// the cursor and the block being read can always coexist. Messages sharing one
// time that exceed the cap form a block of their own, up to MaxCacheBytes;
// such a block waits for room, read again once the cursor has played every
// block before it.
//
// Thread-safety: NOT thread-safe. All methods must be called from the
// goroutine that owns the cache; only ExtendJob.Run may run elsewhere.
type BlockCache struct {
	source     IterableSource
	maxBytes   int64
	blockCap   int64
	rangeStart Time
	rangeEnd   Time

	blocks     []*Block // sorted by Start, non-overlapping
	totalBytes int64

	topics  []string            // subscribed topics, sorted
	partial map[string]struct{} // latest-only subset of topics

	reader   *streamReader
	inflight *ExtendJob
	detached []*ExtendJob // cancelled jobs whose results have not come back
	gen      uint64       // bumped whenever the reader is replaced
	err      error

	need   int64 // room the block at needAt waits for
	needAt Time

	metrics *playerMetrics
	trace   *trace.PlaybackTrace
}

// NewBlockCache returns an empty cache reading from source, whose range is
// given by init.
func NewBlockCache(source IterableSource, init *Initialization, cfg CacheConfig) *BlockCache {
	blockCap := cfg.MaxBlockBytes
	if half := cfg.MaxCacheBytes / 2; half < blockCap {
		blockCap = half
	}
	if blockCap < 1 {
		blockCap = 1
	}
	return &BlockCache{
		source:     source,
		maxBytes:   cfg.MaxCacheBytes,
		blockCap:   blockCap,
		rangeStart: init.Start,
		rangeEnd:   init.End,
		partial:    make(map[string]struct{}),
	}
}

// instrument attaches session metrics and the decision trace. Either may be nil.
func (c *BlockCache) instrument(m *playerMetrics, pt *trace.PlaybackTrace) {
	c.metrics = m
	c.trace = pt
}

// TotalBytes returns the bytes held by cached blocks.
func (c *BlockCache) TotalBytes() int64 {
	return c.totalBytes
}

// MaxBytes returns the configured budget.
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// BlockCap returns the effective maximum block size.
func (c *BlockCache) BlockCap() int64 {
	return c.blockCap
}

// Blocks returns the cached blocks in time order.
func (c *BlockCache) Blocks() []*Block {
	return append([]*Block(nil), c.blocks...)
}

// Err returns the read failure that stopped read-ahead, if any.
func (c *BlockCache) Err() error {
	return c.err
}

// Exhausted reports whether the reader has reached the end of the source.
func (c *BlockCache) Exhausted() bool {
	return c.reader != nil && c.reader.done
}

// Extending reports whether an extension job is in flight.
func (c *BlockCache) Extending() bool {
	return c.inflight != nil
}

// ReadHead returns the first unread time, or MaxTime once the source is exhausted.
func (c *BlockCache) ReadHead(cursor Time) Time {
	switch {
	case c.inflight != nil:
		return c.inflight.start
	case c.reader == nil:
		return cursor
	case c.reader.done:
		return MaxTime
	default:
		return c.reader.next
	}
}

// SetSubscriptions changes the cached topics. Adding a topic the blocks do not
// hold clears the cache and restarts reading at cursor; it returns true then.
func (c *BlockCache) SetSubscriptions(subs []Subscription, cursor Time) bool {
	topics, partial := splitSubscriptions(subs)
	old := make(map[string]struct{}, len(c.topics))
	for _, t := range c.topics {
		old[t] = struct{}{}
	}
	added := false
	for _, t := range topics {
		if _, ok := old[t]; !ok {
			added = true
			break
		}
	}
	c.topics = topics
	c.partial = partial
	if added {
		c.Clear()
		c.Reset(cursor)
	}
	return added
}

// Topics returns the subscribed topics.
func (c *BlockCache) Topics() []string {
	return append([]string(nil), c.topics...)
}

// complete reports whether b holds every subscribed topic.
func (c *BlockCache) complete(b *Block) bool {
	for _, t := range c.topics {
		if !b.Holds(t) {
			return false
		}
	}
	return true
}

// chainFrom returns the indices of the contiguous run of complete blocks that
// starts with the block containing t.
func (c *BlockCache) chainFrom(t Time) (first, last int, ok bool) {
	first = -1
	for i, b := range c.blocks {
		if b.Contains(t) && c.complete(b) {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, 0, false
	}
	last = first
	for last+1 < len(c.blocks) {
		next := c.blocks[last+1]
		if next.Start != c.blocks[last].End || !c.complete(next) {
			break
		}
		last++
	}
	return first, last, true
}

// CoveredUntil returns the last time t such that every subscribed message in
// (from, t] is cached. ok is false when nothing after from is cached.
func (c *BlockCache) CoveredUntil(from Time) (Time, bool) {
	_, last, ok := c.chainFrom(from + 1)
	if !ok {
		return from, false
	}
	return c.blocks[last].End - 1, true
}

// MessagesBetween returns cached messages on subscribed topics with
// from < time <= to. ok is false when the range is not fully cached.
func (c *BlockCache) MessagesBetween(from, to Time) ([]MessageEvent, bool) {
	if to <= from {
		return nil, true
	}
	first, last, ok := c.chainFrom(from + 1)
	if !ok || c.blocks[last].End-1 < to {
		return nil, false
	}
	subscribed := make(map[string]struct{}, len(c.topics))
	for _, t := range c.topics {
		subscribed[t] = struct{}{}
	}
	var out []MessageEvent
	for i := first; i <= last; i++ {
		b := c.blocks[i]
		if b.Start > to {
			break
		}
		lo := sort.Search(len(b.Messages), func(k int) bool { return b.Messages[k].ReceiveTime > from })
		for k := lo; k < len(b.Messages) && b.Messages[k].ReceiveTime <= to; k++ {
			if _, ok := subscribed[b.Messages[k].Topic]; ok {
				out = append(out, b.Messages[k])
			}
		}
	}
	return out, true
}

// LoadedRanges returns the closed time ranges fully cached for the current
// subscriptions, merged where contiguous.
func (c *BlockCache) LoadedRanges() []Range {
	var out []Range
	for _, b := range c.blocks {
		if b.End <= b.Start || !c.complete(b) {
			continue
		}
		end := minTime(b.End-1, c.rangeEnd)
		if n := len(out); n > 0 && out[n-1].End+1 >= b.Start {
			out[n-1].End = maxTime(out[n-1].End, end)
			continue
		}
		out = append(out, Range{Start: b.Start, End: end})
	}
	return out
}

// Backfill answers, per topic, the most recent cached message at or before t.
// A topic is answered only when the contiguous cached run ending at t holds it
// and either contains one of its messages or reaches back to the start of the
// data. Unanswered topics are returned in missing.
func (c *BlockCache) Backfill(t Time, topics []string) (found []MessageEvent, missing []string) {
	idx := -1
	for i, b := range c.blocks {
		if b.Contains(t) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, append([]string(nil), topics...)
	}
	for _, topic := range topics {
		resolved := false
		for i := idx; i >= 0; i-- {
			b := c.blocks[i]
			if i < idx && b.End != c.blocks[i+1].Start {
				break
			}
			if !b.Holds(topic) {
				break
			}
			if msg, ok := b.latest(topic, t); ok {
				found = append(found, msg)
				resolved = true
				break
			}
			if b.Start <= c.rangeStart {
				resolved = true
				break
			}
		}
		if !resolved {
			missing = append(missing, topic)
		}
	}
	return found, missing
}

// Reset repositions read-ahead for a new cursor. Cached blocks are kept; the
// reader continues from the end of the cached run covering cursor, or from
// cursor itself. The current stream is kept when it is already there.
// Blocks at or after cursor that miss subscribed topics are dropped.
func (c *BlockCache) Reset(cursor Time) {
	kept := c.blocks[:0]
	for _, b := range c.blocks {
		if b.End > cursor && !c.complete(b) {
			c.totalBytes -= b.SizeInBytes
			continue
		}
		kept = append(kept, b)
	}
	c.blocks = kept

	start := cursor
	if _, last, ok := c.chainFrom(cursor); ok {
		start = c.blocks[last].End
	}
	if c.inflight != nil && c.inflight.start == start {
		return
	}
	if c.inflight == nil && c.reader != nil && c.err == nil &&
		(c.reader.next == start || start == cursor && c.reader.next == cursor+1) {
		return
	}
	c.replaceReader(start)
	c.metrics.updateCache(c.totalBytes, len(c.blocks))
}

// replaceReader drops the current stream and any job reading it.
func (c *BlockCache) replaceReader(start Time) {
	c.detach()
	c.reader.close()
	c.gen++
	c.err = nil
	c.reader = &streamReader{next: start, done: start > c.rangeEnd}
	if start != c.needAt {
		c.need = 0
	}
}

// detach cancels the job in flight. Its stream is closed when the job comes
// back through FinishExtend, or by Close.
func (c *BlockCache) detach() {
	if c.inflight == nil {
		return
	}
	c.inflight.cancel()
	c.detached = append(c.detached, c.inflight)
	c.inflight = nil
}

// Close drops everything like Clear and closes the streams of jobs that never
// came back. No ExtendJob may still be running.
func (c *BlockCache) Close() {
	c.detach()
	for _, job := range c.detached {
		job.reader.close()
	}
	c.detached = nil
	c.Clear()
}

// Clear drops every block and the current stream.
func (c *BlockCache) Clear() {
	c.detach()
	c.reader.close()
	c.reader = nil
	c.gen++
	c.err = nil
	c.blocks = nil
	c.totalBytes = 0
	c.need = 0
	c.metrics.updateCache(0, 0)
}

// BeginExtend prepares one read-ahead step from the reader towards upTo. It
// returns false when a step is already in flight, the source is exhausted,
// the reader is past upTo, a read failed, or no room can be made without
// evicting the run of blocks after the cursor.
func (c *BlockCache) BeginExtend(ctx context.Context, cursor, upTo Time) (*ExtendJob, bool) {
	if c.inflight != nil || c.err != nil {
		return nil, false
	}
	if c.reader == nil {
		c.Reset(cursor)
	}
	c.realign()
	r := c.reader
	if r.done || r.next > upTo {
		return nil, false
	}
	need := c.blockCap
	if c.need > need && c.needAt == r.next {
		need = c.need
	}
	if !c.makeRoom(cursor, need) {
		return nil, false
	}

	limit := MaxTime
	for _, b := range c.blocks {
		if b.Start >= r.next {
			limit = b.Start
			break
		}
	}
	if limit <= r.next {
		return nil, false
	}
	jctx, cancel := context.WithCancel(ctx)
	job := &ExtendJob{
		ctx:      jctx,
		cancel:   cancel,
		source:   c.source,
		reader:   r,
		start:    r.next,
		upTo:     upTo,
		limit:    limit,
		cap:      c.blockCap,
		maxBytes: c.maxBytes,
		topics:   append([]string(nil), c.topics...),
		rangeEnd: c.rangeEnd,
		gen:      c.gen,
	}
	c.reader = nil
	c.inflight = job
	return job, true
}

// FinishExtend applies a completed job: its block is inserted and the budget
// enforced around cursor. Jobs superseded by Reset or Clear are discarded.
// A block over the cap that does not fit yet is dropped and the reader
// rewound to its start; a later extension reads it again with room reserved.
// A read failure is returned as a *StreamReadError and stops read-ahead;
// blocks sealed before it stay usable.
func (c *BlockCache) FinishExtend(job *ExtendJob, cursor Time) error {
	job.cancel()
	if job != c.inflight || job.gen != c.gen {
		job.reader.close()
		for i, d := range c.detached {
			if d == job {
				c.detached = append(c.detached[:i], c.detached[i+1:]...)
				break
			}
		}
		return nil
	}
	c.inflight = nil
	if b := job.block; b != nil && b.End > b.Start {
		switch {
		case b.SizeInBytes <= c.blockCap || c.makeRoom(cursor, b.SizeInBytes):
			c.insert(b, cursor)
			if b.Start == c.needAt {
				c.need = 0
			}
		case job.err == nil:
			job.reader.close()
			job.alerts, job.dropped = nil, 0
			c.replaceReader(b.Start)
			c.need, c.needAt = b.SizeInBytes, b.Start
			logrus.Debugf("BlockCache: %d bytes at %v wait for room, cursor %v", b.SizeInBytes, b.Start, cursor)
			return nil
		}
	}
	c.metrics.recordDropped(job.dropped)
	c.reader = job.reader
	if job.err != nil {
		c.reader.close()
		c.reader = nil
		var re *StreamReadError
		if errors.As(job.err, &re) {
			c.err = job.err
		} else {
			c.err = &StreamReadError{SourceID: "merged", Err: job.err}
		}
		logrus.Warnf("BlockCache: read-ahead stopped at %v: %v", job.start, c.err)
		return c.err
	}
	c.realign()
	return nil
}

// Extend reads ahead synchronously until upTo is passed or no more room can
// be made, sealing one block per step.
func (c *BlockCache) Extend(ctx context.Context, cursor, upTo Time) error {
	for {
		job, ok := c.BeginExtend(ctx, cursor, upTo)
		if !ok {
			return nil
		}
		job.Run()
		if err := c.FinishExtend(job, cursor); err != nil {
			return err
		}
	}
}

// realign jumps the reader over cached blocks it has run into. Blocks there
// that miss subscribed topics are dropped; the reader fills them again.
func (c *BlockCache) realign() {
	r := c.reader
	if r == nil || r.done {
		return
	}
	end := r.next
	for i := 0; i < len(c.blocks); {
		b := c.blocks[i]
		switch {
		case b.Start != end:
			i++
		case !c.complete(b):
			c.blocks = append(c.blocks[:i], c.blocks[i+1:]...)
			c.totalBytes -= b.SizeInBytes
		default:
			end = b.End
			i++
		}
	}
	if end != r.next {
		c.replaceReader(end)
	}
	c.metrics.updateCache(c.totalBytes, len(c.blocks))
}

func (c *BlockCache) insert(b *Block, cursor Time) {
	i := sort.Search(len(c.blocks), func(k int) bool { return c.blocks[k].Start > b.Start })
	c.blocks = append(c.blocks, nil)
	copy(c.blocks[i+1:], c.blocks[i:])
	c.blocks[i] = b
	c.totalBytes += b.SizeInBytes
	c.metrics.recordExtension()
	c.compact(cursor)
	c.enforceBudget(cursor)
	c.metrics.updateCache(c.totalBytes, len(c.blocks))
}

// compact drops latest-only topics from blocks wholly behind cursor.
func (c *BlockCache) compact(cursor Time) {
	if len(c.partial) == 0 {
		return
	}
	for i, b := range c.blocks {
		if b.End > cursor {
			break
		}
		holdsPartial := false
		for t := range c.partial {
			if b.Holds(t) {
				holdsPartial = true
				break
			}
		}
		if !holdsPartial {
			continue
		}
		nb := b.without(c.partial)
		c.totalBytes += nb.SizeInBytes - b.SizeInBytes
		c.blocks[i] = nb
	}
}

// makeRoom evicts unprotected blocks until need more bytes fit.
func (c *BlockCache) makeRoom(cursor Time, need int64) bool {
	if c.totalBytes+need <= c.maxBytes {
		return true
	}
	for _, b := range c.evictionOrder(cursor, false) {
		c.evict(b, cursor, "room")
		if c.totalBytes+need <= c.maxBytes {
			return true
		}
	}
	return false
}

// enforceBudget evicts until the cache is within its byte budget.
func (c *BlockCache) enforceBudget(cursor Time) {
	if c.totalBytes <= c.maxBytes {
		return
	}
	for _, b := range c.evictionOrder(cursor, true) {
		c.evict(b, cursor, "budget")
		if c.totalBytes <= c.maxBytes {
			return
		}
	}
}

// evictionOrder ranks blocks for eviction: blocks whose messages are all at
// or before the cursor, farthest first; then blocks ahead that are not part
// of the run after the cursor, farthest first. With protected set, that run
// follows, farthest ahead first and the block next to play last.
func (c *BlockCache) evictionOrder(cursor Time, protected bool) []*Block {
	chain := make(map[*Block]bool)
	var run []*Block
	if first, last, ok := c.chainFrom(cursor + 1); ok {
		for i := first; i <= last; i++ {
			chain[c.blocks[i]] = true
			run = append(run, c.blocks[i])
		}
	}
	var behind, ahead []*Block
	for _, b := range c.blocks {
		switch {
		case chain[b]:
		case b.End <= cursor+1:
			behind = append(behind, b)
		default:
			ahead = append(ahead, b)
		}
	}
	sort.SliceStable(behind, func(i, j int) bool { return behind[i].End < behind[j].End })
	sort.SliceStable(ahead, func(i, j int) bool { return ahead[i].Start > ahead[j].Start })
	order := append(behind, ahead...)
	if protected {
		for i := len(run) - 1; i >= 0; i-- {
			order = append(order, run[i])
		}
	}
	return order
}

func (c *BlockCache) evict(b *Block, cursor Time, reason string) {
	for i, cur := range c.blocks {
		if cur == b {
			c.blocks = append(c.blocks[:i], c.blocks[i+1:]...)
			break
		}
	}
	c.totalBytes -= b.SizeInBytes
	c.metrics.recordEviction()
	c.trace.RecordEviction(trace.EvictionRecord{
		Start:  int64(b.Start),
		End:    int64(b.End),
		Bytes:  b.SizeInBytes,
		Cursor: int64(cursor),
		Reason: reason,
	})
	logrus.Debugf("BlockCache: evicted [%v, %v) %d bytes (%s), cursor %v", b.Start, b.End, b.SizeInBytes, reason, cursor)
}

// ExtendJob is one read-ahead step. Run performs the reads and may be called
// on any goroutine; the result is applied with BlockCache.FinishExtend.
type ExtendJob struct {
	ctx      context.Context
	cancel   context.CancelFunc
	source   IterableSource
	reader   *streamReader
	start    Time
	upTo     Time
	limit    Time // start of the next cached block; reads stop there
	cap      int64
	maxBytes int64
	topics   []string
	rangeEnd Time
	gen      uint64

	block   *Block
	alerts  []Alert
	dropped int
	err     error
}

// Alerts returns the non-fatal alerts raised while reading.
func (j *ExtendJob) Alerts() []Alert {
	return j.alerts
}

// Run pulls merged events into a new block until the block reaches its byte
// cap, upTo is passed, the next cached block is reached or the stream ends,
// then seals the block. Blocks only split between distinct times, so all
// messages at one time land in the same block. A block holding a single time
// may grow past the cap up to the cache budget; messages beyond that are
// dropped with an alert.
func (j *ExtendJob) Run() {
	r := j.reader
	if r.iter == nil {
		it, err := j.source.MessageIterator(j.ctx, IteratorArgs{Topics: j.topics, Start: r.next, End: MaxTime})
		if err != nil {
			j.err = err
			j.block = newBlock(r.next, j.topics)
			return
		}
		r.iter = it
	}
	b := newBlock(r.next, j.topics)
	j.block = b
	group := 0 // first message sharing the time of the last one
	for {
		ev, err := r.pull(j.ctx)
		if errors.Is(err, io.EOF) {
			end := maxTime(j.rangeEnd, r.next)
			if end < MaxTime {
				end++
			}
			if end >= j.limit {
				end = j.limit
			} else {
				r.done = true
			}
			b.End, r.next = end, end
			return
		}
		if err != nil {
			j.err = err
			b.cut(sort.Search(len(b.Messages), func(i int) bool { return b.Messages[i].ReceiveTime >= r.next }))
			b.End = r.next
			return
		}

		if ev.Time >= j.limit {
			r.unread(ev)
			b.End, r.next = j.limit, j.limit
			return
		}
		switch ev.Kind {
		case EventStamp:
			r.next = maxTime(r.next, ev.Time)
			continue
		case EventAlert:
			if ev.Alert != nil {
				j.alerts = append(j.alerts, *ev.Alert)
			}
			continue
		}
		if ev.Time > j.upTo {
			r.unread(ev)
			b.End, r.next = ev.Time, ev.Time
			return
		}
		msg := *ev.Message
		size := msg.Size()
		if size > j.maxBytes {
			j.drop(msg, fmt.Sprintf("message on %s at %v is %d bytes, larger than the cache (%d); not cached", msg.Topic, msg.ReceiveTime, size, j.maxBytes))
			r.next = ev.Time
			continue
		}
		if n := len(b.Messages); n > 0 && b.SizeInBytes+size > j.cap {
			last := b.Messages[n-1].ReceiveTime
			switch {
			case ev.Time > last:
				r.unread(ev)
				b.End, r.next = ev.Time, ev.Time
				return
			case group > 0:
				// Carry the messages at last over to the next block.
				carried := b.cut(group)
				evs := make([]Event, 0, len(carried)+1)
				for _, m := range carried {
					evs = append(evs, NewMessageEvent(m))
				}
				r.unread(append(evs, ev)...)
				b.End, r.next = last, last
				return
			case b.SizeInBytes+size > j.maxBytes:
				j.drop(msg, fmt.Sprintf("messages at %v exceed the cache (%d bytes); message on %s not cached", msg.ReceiveTime, j.maxBytes, msg.Topic))
				continue
			}
			// Only messages at last are in the block; it grows past the cap.
		}
		if n := len(b.Messages); n == 0 || ev.Time > b.Messages[n-1].ReceiveTime {
			group = n
		}
		b.add(msg)
		r.next = ev.Time
	}
}

func (j *ExtendJob) drop(msg MessageEvent, reason string) {
	j.dropped++
	j.alerts = append(j.alerts, NewAlert(SeverityWarn, AlertOversize, msg.SourceID, reason, nil))
}
