package player

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logscope/logscope/player/internal/testutil"
	"github.com/logscope/logscope/player/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// recorder collects what the listener sees.
type recorder struct {
	mu       sync.Mutex
	states   []PlayerState
	messages []MessageEvent
}

func (r *recorder) listen(st PlayerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	r.messages = append(r.messages, st.Messages...)
}

func (r *recorder) received() []MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MessageEvent(nil), r.messages...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// harness drives a Player with manual ticks and a fake clock.
type harness struct {
	t     *testing.T
	p     *Player
	rec   *recorder
	ticks chan time.Time

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, cfg Config, inputs []SourceInput, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, rec: &recorder{}, ticks: make(chan time.Time), now: time.Unix(1700000000, 0)}
	opts = append([]Option{WithSourceInputs(inputs...), WithTicker(h.ticks), WithClock(h.clock)}, opts...)
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	h.p = p
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.SetListener(h.rec.listen))
	t.Cleanup(func() { _ = p.Close() })
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// advance moves the clock forward and delivers a tick.
func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	now := h.now
	h.mu.Unlock()
	h.ticks <- now
}

func (h *harness) snapshot() PlayerState {
	h.t.Helper()
	st, err := h.p.Snapshot()
	require.NoError(h.t, err)
	return st
}

func (h *harness) waitFor(msg string, cond func(PlayerState) bool) PlayerState {
	h.t.Helper()
	var st PlayerState
	testutil.Eventually(h.t, waitTimeout, func() bool {
		st = h.snapshot()
		return cond(st)
	}, msg)
	return st
}

func (h *harness) waitStatus(s State) PlayerState {
	h.t.Helper()
	return h.waitFor("status "+s.String(), func(st PlayerState) bool { return st.Status == s })
}

func scenarioInputs() (*MemorySource, *MemorySource, []SourceInput) {
	a, b := scenarioSources()
	return a, b, []SourceInput{{ID: "A", Source: a}, {ID: "B", Source: b}}
}

func TestPlayer_PlaysMergedSourcesToEnd(t *testing.T) {
	// GIVEN two overlapping files and a subscription to everything
	_, _, inputs := scenarioInputs()
	h := newHarness(t, DefaultConfig(), inputs, WithSubscribeAll())
	var ends atomic.Int32
	require.NoError(t, h.p.OnEndReached(func() { ends.Add(1) }))
	st := h.waitStatus(StateIdle)
	assert.Equal(t, TimeFromSeconds(0), st.StartTime)
	assert.Equal(t, TimeFromSeconds(15), st.EndTime)

	// WHEN playing at full speed
	require.NoError(t, h.p.SetPlaybackSpeed(100))
	require.NoError(t, h.p.StartPlayback())
	testutil.Eventually(t, waitTimeout, func() bool {
		h.advance(100 * time.Millisecond)
		return h.snapshot().CurrentTime == TimeFromSeconds(15)
	}, "playback reaches the end")

	// THEN every message arrives once, in time order, and the end is reported once
	msgs := h.rec.received()
	require.Len(t, msgs, 10)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].ReceiveTime, msgs[i].ReceiveTime)
	}
	assert.Equal(t, "/a", msgs[0].Topic, "the value at the start comes from the initial backfill")
	st = h.waitStatus(StateIdle)
	assert.False(t, st.IsPlaying)
	assert.Equal(t, int32(1), ends.Load())
	assert.Equal(t, []Range{{Start: 0, End: TimeFromSeconds(15)}}, st.LoadedRanges)
}

func TestPlayer_SeekBackfillsEveryTopic(t *testing.T) {
	// GIVEN the merged files, idle at the start
	_, _, inputs := scenarioInputs()
	h := newHarness(t, DefaultConfig(), inputs, WithSubscribeAll())
	h.waitStatus(StateIdle)
	h.rec.reset()

	// WHEN seeking to 12s
	require.NoError(t, h.p.SeekPlayback(TimeFromSeconds(12)))
	st := h.waitFor("seek applied", func(st PlayerState) bool { return st.SeekGeneration == 2 && st.Status == StateIdle })

	// THEN each topic shows its latest value at 12s
	assert.Equal(t, TimeFromSeconds(12), st.CurrentTime)
	first := h.rec.received()
	require.Len(t, first, 2)
	assert.Equal(t, "/a", first[0].Topic)
	assert.Equal(t, TimeFromSeconds(10), first[0].ReceiveTime)
	assert.Equal(t, "/b", first[1].Topic)
	assert.Equal(t, TimeFromSeconds(10), first[1].ReceiveTime)

	// WHEN seeking to the same time again
	h.rec.reset()
	require.NoError(t, h.p.SeekPlayback(TimeFromSeconds(12)))
	h.waitFor("second seek applied", func(st PlayerState) bool { return st.SeekGeneration == 3 && st.Status == StateIdle })

	// THEN the backfill is identical
	second := h.rec.received()
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Topic, second[i].Topic)
		assert.Equal(t, first[i].ReceiveTime, second[i].ReceiveTime)
	}
}

func TestPlayer_SeekClampsToRange(t *testing.T) {
	_, _, inputs := scenarioInputs()
	h := newHarness(t, DefaultConfig(), inputs, WithSubscribeAll())
	h.waitStatus(StateIdle)

	require.NoError(t, h.p.SeekPlayback(TimeFromSeconds(99)))

	st := h.waitFor("seek applied", func(st PlayerState) bool { return st.SeekGeneration == 2 && st.Status == StateIdle })
	assert.Equal(t, TimeFromSeconds(15), st.CurrentTime)
}

func TestPlayer_NewerSeekSupersedesSlowBackfill(t *testing.T) {
	// GIVEN a source whose backfill at 50s hangs until cancelled
	var msgs []MessageEvent
	for i := 0; i <= 100; i++ {
		msgs = append(msgs, testMsg("/a", TimeFromSeconds(float64(i)), 10))
	}
	s1, s2 := TimeFromSeconds(50), TimeFromSeconds(80)
	src := NewMemorySource("A", msgs, WithBackfillHook(func(ctx context.Context, args BackfillArgs) error {
		if args.Time == s1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}))
	cfg := DefaultConfig()
	cfg.ReadAhead = time.Second
	pt := trace.NewPlaybackTrace(trace.TraceConfig{Level: trace.TraceLevelDecisions})
	h := newHarness(t, cfg, []SourceInput{{ID: "A", Source: src}}, WithSubscribeAll(), WithTrace(pt))
	h.waitStatus(StateIdle)
	h.rec.reset()

	// WHEN seeking to 50s and then, before that completes, to 80s
	require.NoError(t, h.p.SeekPlayback(s1))
	require.NoError(t, h.p.SeekPlayback(s2))
	st := h.waitFor("second seek applied", func(st PlayerState) bool { return st.SeekGeneration == 3 && st.Status == StateIdle })
	testutil.Eventually(t, waitTimeout, func() bool { return len(pt.Snapshot().Backfills) == 3 }, "superseded backfill recorded")

	// THEN only the 80s backfill was applied
	assert.Equal(t, s2, st.CurrentTime)
	got := h.rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, s2, got[0].ReceiveTime)

	var applied, superseded []trace.BackfillRecord
	for _, r := range pt.Snapshot().Backfills {
		if r.Generation == 1 {
			continue
		}
		if r.Applied {
			applied = append(applied, r)
		} else {
			superseded = append(superseded, r)
		}
	}
	require.Len(t, applied, 1)
	assert.Equal(t, uint64(3), applied[0].Generation)
	assert.Equal(t, int64(s2), applied[0].Time)
	require.Len(t, superseded, 1)
	assert.Equal(t, uint64(2), superseded[0].Generation)
	assert.Equal(t, "superseded", superseded[0].Reason)
}

func TestPlayer_SubscriptionsFilterDelivery(t *testing.T) {
	_, _, inputs := scenarioInputs()
	h := newHarness(t, DefaultConfig(), inputs)
	require.NoError(t, h.p.SetSubscriptions([]Subscription{{Topic: "/b", Preload: PreloadFull}}))
	h.waitStatus(StateIdle)

	require.NoError(t, h.p.SetPlaybackSpeed(100))
	require.NoError(t, h.p.StartPlayback())
	testutil.Eventually(t, waitTimeout, func() bool {
		h.advance(100 * time.Millisecond)
		return h.snapshot().CurrentTime == TimeFromSeconds(15)
	}, "playback reaches the end")

	msgs := h.rec.received()
	require.Len(t, msgs, 5)
	for _, m := range msgs {
		assert.Equal(t, "/b", m.Topic)
	}
}

func TestPlayer_InitFailureErrorsSession(t *testing.T) {
	// GIVEN a second source that cannot be read
	boom := errors.New("corrupt header")
	a, _ := scenarioSources()
	bad := NewMemorySource("B", nil, WithInitError(boom))
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: a}, {ID: "B", Source: bad}})

	// WHEN initialization runs
	st := h.waitStatus(StateErrored)

	// THEN the session reports which source failed and refuses playback
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, AlertSourceInit, st.Alerts[0].Code)
	assert.Equal(t, "B", st.Alerts[0].SourceID)
	assert.ErrorIs(t, st.Alerts[0].Err, boom)
	assert.True(t, a.Closed(), "sources that did open are closed")

	var te *TransitionError
	assert.ErrorAs(t, h.p.StartPlayback(), &te)
	assert.ErrorAs(t, h.p.SeekPlayback(0), &te)
}

func TestPlayer_StreamFailureErrorsSession(t *testing.T) {
	boom := errors.New("truncated chunk")
	var msgs []MessageEvent
	for i := 0; i < 50; i++ {
		msgs = append(msgs, testMsg("/a", TimeFromSeconds(float64(i)), 10))
	}
	src := NewMemorySource("A", msgs, WithFailAfter(3, boom))
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: src}}, WithSubscribeAll())

	st := h.waitStatus(StateErrored)

	require.NotEmpty(t, st.Alerts)
	alert := st.Alerts[len(st.Alerts)-1]
	assert.Equal(t, AlertStreamRead, alert.Code)
	assert.Equal(t, "A", alert.SourceID)
	assert.ErrorIs(t, alert.Err, boom)
}

func TestPlayer_SubscriptionChangeAfterFailureKeepsBlocks(t *testing.T) {
	// GIVEN a session errored by a stream failure after some blocks were read
	boom := errors.New("truncated chunk")
	var msgs []MessageEvent
	for i := 0; i < 50; i++ {
		msgs = append(msgs, testMsg("/a", TimeFromSeconds(float64(i)), 10))
	}
	src := NewMemorySource("A", msgs, WithFailAfter(3, boom))
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: src}}, WithSubscribeAll())
	st := h.waitStatus(StateErrored)
	require.NotEmpty(t, st.LoadedRanges)

	// WHEN a topic is added
	require.NoError(t, h.p.SetSubscriptions([]Subscription{{Topic: "/a"}, {Topic: "/b"}}))

	// THEN the cached blocks are still reported
	after := h.snapshot()
	assert.Equal(t, StateErrored, after.Status)
	assert.Equal(t, st.LoadedRanges, after.LoadedRanges)
}

// stallingSource never yields from its message stream.
type stallingSource struct {
	*MemorySource
	live *atomic.Int64 // iterators not yet closed
}

func newStallingSource(src *MemorySource) stallingSource {
	return stallingSource{MemorySource: src, live: new(atomic.Int64)}
}

func (s stallingSource) MessageIterator(ctx context.Context, args IteratorArgs) (Iterator, error) {
	s.live.Add(1)
	return &stallingIterator{live: s.live}, nil
}

type stallingIterator struct {
	live   *atomic.Int64
	closed bool
}

func (*stallingIterator) Next(ctx context.Context) (Event, error) {
	<-ctx.Done()
	return Event{}, ctx.Err()
}

func (it *stallingIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.live.Add(-1)
	}
	return nil
}

func TestPlayer_StallRaisesAlertOnce(t *testing.T) {
	// GIVEN a source whose stream never delivers
	a, _ := scenarioSources()
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: newStallingSource(a)}}, WithSubscribeAll())
	h.waitStatus(StateIdle)
	require.NoError(t, h.p.StartPlayback())

	// WHEN ticks keep arriving past the stall timeout
	for i := 0; i < 8; i++ {
		h.advance(time.Second)
	}

	// THEN playback holds its position and one stall alert is raised
	st := h.snapshot()
	assert.Equal(t, StatePlaying, st.Status)
	assert.Equal(t, TimeFromSeconds(0), st.CurrentTime)
	var stalls int
	for _, a := range st.Alerts {
		if a.Code == AlertStallTimeout {
			stalls++
			assert.ErrorIs(t, a.Err, ErrStallTimeout)
		}
	}
	assert.Equal(t, 1, stalls)
}

// stallAlerts counts the stall alerts in st.
func stallAlerts(st PlayerState) int {
	n := 0
	for _, a := range st.Alerts {
		if a.Code == AlertStallTimeout {
			n++
		}
	}
	return n
}

func TestPlayer_HungBackfillRaisesStallAlertOnce(t *testing.T) {
	// GIVEN a source whose backfill at 50s hangs until cancelled
	var msgs []MessageEvent
	for i := 0; i <= 100; i++ {
		msgs = append(msgs, testMsg("/a", TimeFromSeconds(float64(i)), 10))
	}
	hung := TimeFromSeconds(50)
	src := NewMemorySource("A", msgs, WithBackfillHook(func(ctx context.Context, args BackfillArgs) error {
		if args.Time == hung {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}))
	cfg := DefaultConfig()
	cfg.ReadAhead = time.Second
	h := newHarness(t, cfg, []SourceInput{{ID: "A", Source: src}}, WithSubscribeAll())
	h.waitStatus(StateIdle)

	// WHEN seeking to 50s and ticks arrive past the stall timeout
	require.NoError(t, h.p.SeekPlayback(hung))
	for i := 0; i < 8; i++ {
		h.advance(time.Second)
	}

	// THEN the seek is still pending and one stall alert is raised
	st := h.snapshot()
	assert.Equal(t, StateSeeking, st.Status)
	assert.Equal(t, 1, stallAlerts(st))

	// WHEN a newer seek completes and time passes
	require.NoError(t, h.p.SeekPlayback(TimeFromSeconds(80)))
	h.waitStatus(StateIdle)
	for i := 0; i < 8; i++ {
		h.advance(time.Second)
	}

	// THEN no further stall alert is raised
	assert.Equal(t, 1, stallAlerts(h.snapshot()))
}

// blockingInitSource never finishes initializing.
type blockingInitSource struct {
	*MemorySource
}

func (blockingInitSource) Initialize(ctx context.Context) (*Initialization, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPlayer_HungInitializationRaisesStallAlert(t *testing.T) {
	a, _ := scenarioSources()
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: blockingInitSource{a}}})
	h.waitStatus(StateInitializing)

	for i := 0; i < 6; i++ {
		h.advance(time.Second)
	}

	st := h.snapshot()
	assert.Equal(t, StateInitializing, st.Status)
	assert.Equal(t, 1, stallAlerts(st))
}

func TestPlayer_CloseReleasesStreamOfReadInFlight(t *testing.T) {
	// GIVEN a read-ahead blocked inside the source's stream
	a, _ := scenarioSources()
	src := newStallingSource(a)
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: src}}, WithSubscribeAll())
	h.waitStatus(StateIdle)
	testutil.Eventually(t, waitTimeout, func() bool { return src.live.Load() == 1 }, "read-ahead opened a stream")

	// WHEN the session closes
	require.NoError(t, h.p.Close())

	// THEN the stream is closed too
	assert.Equal(t, int64(0), src.live.Load())
}

func TestPlayer_DismissAlert(t *testing.T) {
	a, _ := scenarioSources()
	warn := NewAlert(SeverityWarn, AlertDecode, "A", "skipped 2 malformed lines", nil)
	src := NewMemorySource("A", a.messages, WithAlert(warn))
	h := newHarness(t, DefaultConfig(), []SourceInput{{ID: "A", Source: src}})
	st := h.waitStatus(StateIdle)
	require.Len(t, st.Alerts, 1)

	require.NoError(t, h.p.DismissAlert(warn.ID))
	assert.Error(t, h.p.DismissAlert("no-such-alert"))

	assert.Empty(t, h.snapshot().Alerts)
}

func TestPlayer_RejectsInvalidSpeed(t *testing.T) {
	_, _, inputs := scenarioInputs()
	h := newHarness(t, DefaultConfig(), inputs)
	h.waitStatus(StateIdle)

	assert.ErrorIs(t, h.p.SetPlaybackSpeed(0), ErrInvalidSpeed)
	assert.ErrorIs(t, h.p.SetPlaybackSpeed(500), ErrInvalidSpeed)
	assert.Equal(t, 1.0, h.snapshot().Speed)
}

func TestPlayer_CloseReleasesSources(t *testing.T) {
	a, b, inputs := scenarioInputs()
	h := newHarness(t, DefaultConfig(), inputs, WithSubscribeAll())
	h.waitStatus(StateIdle)

	require.NoError(t, h.p.Close())
	require.NoError(t, h.p.Close())

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	_, err := h.p.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.p.StartPlayback(), ErrClosed)
}

func TestPlayer_CloseWithoutStart(t *testing.T) {
	_, _, inputs := scenarioInputs()
	p, err := New(DefaultConfig(), WithSourceInputs(inputs...))
	require.NoError(t, err)

	assert.NoError(t, p.Close())
	<-p.Done()
}

func TestNew_RequiresSources(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.ReadAhead = 0
	_, err = New(cfg, WithSourceInputs(SourceInput{ID: "x", Source: NewMemorySource("x", nil)}))
	assert.Error(t, err)
}
