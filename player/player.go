package player

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/logscope/logscope/player/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PlayerState is the snapshot handed to the listener after every change.
type PlayerState struct {
	SessionID      string
	Status         State
	CurrentTime    Time
	StartTime      Time
	EndTime        Time
	Speed          float64
	IsPlaying      bool
	Alerts         []Alert
	Topics         []Topic
	Datatypes      map[string]Schema
	TopicStats     map[string]TopicStats
	LoadedRanges   []Range
	CacheBytes     int64
	Messages       []MessageEvent // delivered since the previous snapshot
	SeekGeneration uint64
}

// Option configures a Player.
type Option func(*Player)

// WithSourceOpener replaces OpenSource for the configured source URLs.
func WithSourceOpener(open SourceFactory) Option {
	return func(p *Player) {
		p.open = open
	}
}

// WithSourceInputs plays already constructed sources instead of Config.Sources.
func WithSourceInputs(inputs ...SourceInput) Option {
	return func(p *Player) {
		p.inputs = inputs
	}
}

// WithTicker drives playback from ticks instead of a wall-clock ticker.
func WithTicker(ticks <-chan time.Time) Option {
	return func(p *Player) {
		p.ticks = ticks
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Player) {
		p.now = now
	}
}

// WithRegisterer registers session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Player) {
		p.reg = reg
	}
}

// WithSubscribeAll subscribes to every topic of the sources once they are
// initialized, unless subscriptions were set explicitly.
func WithSubscribeAll() Option {
	return func(p *Player) {
		p.subscribeAll = true
	}
}

// WithTrace records playback decisions into pt.
func WithTrace(pt *trace.PlaybackTrace) Option {
	return func(p *Player) {
		p.trace = pt
	}
}

// Player is a playback session over one or more sources.
//
// All session state is owned by a single loop goroutine started by Start.
// Public methods send commands to the loop and wait for them to be applied.
// Reads run on worker goroutines and report back over a results channel;
// results from a superseded seek are discarded.
//
// The listener and end callback run on the loop goroutine and must not call
// back into the Player synchronously.
type Player struct {
	id     string
	cfg    Config
	open   SourceFactory
	inputs []SourceInput
	ticks  <-chan time.Time
	now    func() time.Time
	reg    prometheus.Registerer
	trace  *trace.PlaybackTrace

	subscribeAll bool
	subsSet      bool

	cmds     chan func()
	results  chan func()
	stopping chan struct{}
	done     chan struct{}
	started  bool
	startMu  sync.Mutex
	workers  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	sm         *StateMachine
	source     *MultiSource
	ini        *Initialization
	ctrl       *Controller
	cache      *BlockCache
	metrics    *playerMetrics
	subs       []Subscription
	listener   func(PlayerState)
	onEnd      func()
	alerts     []Alert
	delivered  []MessageEvent
	generation uint64
	seekCancel context.CancelFunc
	resume     bool
	lastTick   time.Time
	stallSince time.Time
	stallAlert bool

	// Read the session is blocked on while initializing or seeking.
	waitFor   string
	waitSince time.Time
	waitAlert bool

	// Requests received before initialization finished.
	pendingPlay  bool
	pendingSeek  *Time
	pendingSpeed float64
}

// New returns an unstarted session.
func New(cfg Config, opts ...Option) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid player config: %w", err)
	}
	p := &Player{
		id:       uuid.NewString(),
		cfg:      cfg,
		open:     OpenSource,
		now:      time.Now,
		cmds:     make(chan func(), 64),
		results:  make(chan func(), 16),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		sm:       NewStateMachine(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inputs == nil {
		if len(cfg.Sources) == 0 {
			return nil, errors.New("no sources configured")
		}
		p.inputs = make([]SourceInput, len(cfg.Sources))
		for i, url := range cfg.Sources {
			p.inputs[i] = SourceInput{ID: url, URL: url}
		}
	}
	m, err := newPlayerMetrics(p.reg)
	if err != nil {
		return nil, fmt.Errorf("registering player metrics: %w", err)
	}
	p.metrics = m
	p.source = ComposeSources(p.inputs,
		WithOpener(p.open),
		WithSchemaConflictPolicy(SchemaConflictPolicy(cfg.SchemaConflict)))
	p.sm.OnEnter(StateClosed, func(State) { p.release() })
	return p, nil
}

// SessionID identifies this session in logs and alerts.
func (p *Player) SessionID() string {
	return p.id
}

// Start launches the control loop and begins initializing the sources.
// Cancelling ctx closes the session.
func (p *Player) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return errors.New("player already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	var ticker *time.Ticker
	if p.ticks == nil {
		ticker = time.NewTicker(p.cfg.TickInterval)
		p.ticks = ticker.C
	}
	go func() {
		if ticker != nil {
			defer ticker.Stop()
		}
		p.loop()
	}()
	return nil
}

// Done is closed when the control loop has exited.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// SetListener registers the state callback.
func (p *Player) SetListener(fn func(PlayerState)) error {
	return p.call(func() error {
		p.listener = fn
		p.emit()
		return nil
	})
}

// OnEndReached registers a callback run each time playback reaches the end.
func (p *Player) OnEndReached(fn func()) error {
	return p.call(func() error {
		p.onEnd = fn
		return nil
	})
}

// SetSubscriptions replaces the topics delivered to the listener.
func (p *Player) SetSubscriptions(subs []Subscription) error {
	subs = append([]Subscription(nil), subs...)
	return p.call(func() error {
		p.subs = subs
		p.subsSet = true
		if p.cache == nil {
			return nil
		}
		switch p.sm.State() {
		case StateErrored, StateClosed:
			// Blocks read before a failure stay as they are.
			p.emit()
			return nil
		}
		cur := p.ctrl.Current()
		if p.cache.SetSubscriptions(subs, cur) {
			switch p.sm.State() {
			case StateIdle, StatePlaying, StateSeeking:
				return p.seek(cur, p.isPlayingOrResuming())
			}
		}
		p.emit()
		return nil
	})
}

// StartPlayback starts playing. At the end of the data it does nothing.
func (p *Player) StartPlayback() error {
	return p.call(func() error {
		switch p.sm.State() {
		case StateUninitialized, StateInitializing:
			p.pendingPlay = true
			return nil
		case StateSeeking:
			p.resume = true
			return nil
		case StateIdle:
			if !p.ctrl.Play() {
				return nil
			}
			if err := p.sm.Transition(StatePlaying); err != nil {
				return err
			}
			p.lastTick = p.now()
			p.emit()
			return nil
		case StatePlaying:
			return nil
		default:
			return &TransitionError{From: p.sm.State(), To: StatePlaying}
		}
	})
}

// PausePlayback stops playing at the current position.
func (p *Player) PausePlayback() error {
	return p.call(func() error {
		switch p.sm.State() {
		case StateUninitialized, StateInitializing:
			p.pendingPlay = false
		case StateSeeking:
			p.resume = false
		case StatePlaying:
			p.ctrl.Pause()
			if err := p.sm.Transition(StateIdle); err != nil {
				return err
			}
			p.emit()
		}
		return nil
	})
}

// SeekPlayback moves playback to t, clamped to the data range. Messages are
// backfilled so every subscribed topic shows its latest value at t.
func (p *Player) SeekPlayback(t Time) error {
	return p.call(func() error {
		switch p.sm.State() {
		case StateUninitialized, StateInitializing:
			p.pendingSeek = &t
			return nil
		}
		return p.seek(t, p.isPlayingOrResuming())
	})
}

// SetPlaybackSpeed changes the playback rate.
func (p *Player) SetPlaybackSpeed(speed float64) error {
	return p.call(func() error {
		if p.ctrl == nil {
			check := NewController(0, 0, p.cfg)
			if err := check.SetSpeed(speed); err != nil {
				return err
			}
			p.pendingSpeed = speed
			return nil
		}
		if err := p.ctrl.SetSpeed(speed); err != nil {
			return err
		}
		p.emit()
		return nil
	})
}

// DismissAlert removes the alert with the given ID.
func (p *Player) DismissAlert(id string) error {
	return p.call(func() error {
		for i, a := range p.alerts {
			if a.ID == id {
				p.alerts = append(p.alerts[:i:i], p.alerts[i+1:]...)
				p.emit()
				return nil
			}
		}
		return fmt.Errorf("no alert with id %q", id)
	})
}

// Snapshot returns the current session state.
func (p *Player) Snapshot() (PlayerState, error) {
	var st PlayerState
	err := p.call(func() error {
		st = p.snapshot(false)
		return nil
	})
	return st, err
}

// Close ends the session, releasing sources and cached blocks. It waits for
// the loop to exit and is safe to call more than once.
func (p *Player) Close() error {
	p.startMu.Lock()
	started := p.started
	if !started {
		p.started = true
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	p.startMu.Unlock()
	if !started {
		p.shutdown()
		close(p.done)
		return nil
	}
	err := p.call(func() error {
		p.shutdown()
		return nil
	})
	<-p.done
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// call runs fn on the loop and returns its result.
func (p *Player) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case p.cmds <- func() { reply <- fn() }:
	case <-p.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// spawn runs work on a worker goroutine; the closure it returns is applied on
// the loop unless the session is shutting down.
func (p *Player) spawn(work func() func()) {
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		apply := work()
		select {
		case p.results <- apply:
		case <-p.stopping:
		}
	}()
}

func (p *Player) loop() {
	defer close(p.done)
	p.initialize()
	for {
		select {
		case <-p.ctx.Done():
			p.shutdown()
		case fn := <-p.cmds:
			fn()
		case fn := <-p.results:
			fn()
		case now := <-p.ticks:
			p.tick(now)
		}
		if p.sm.State() == StateClosed {
			return
		}
	}
}

func (p *Player) initialize() {
	if err := p.sm.Transition(StateInitializing); err != nil {
		return
	}
	p.emit()
	p.awaiting("initialization")
	ctx := p.ctx
	p.spawn(func() func() {
		ini, err := p.source.Initialize(ctx)
		return func() { p.finishInitialize(ini, err) }
	})
}

func (p *Player) finishInitialize(ini *Initialization, err error) {
	if p.sm.State() != StateInitializing {
		return
	}
	p.waitSince = time.Time{}
	if err != nil {
		logrus.Warnf("Player %s: initialization failed: %v", p.id, err)
		p.addAlert(alertFromError(AlertSourceInit, err))
		_ = p.sm.Transition(StateErrored)
		p.emit()
		return
	}
	p.ini = ini
	p.alerts = append(p.alerts, ini.Alerts...)
	p.ctrl = NewController(ini.Start, ini.End, p.cfg)
	if p.pendingSpeed > 0 {
		_ = p.ctrl.SetSpeed(p.pendingSpeed)
	}
	p.cache = NewBlockCache(p.source, ini, p.cfg.CacheConfig())
	p.cache.instrument(p.metrics, p.trace)
	if p.subscribeAll && !p.subsSet {
		for _, t := range ini.Topics {
			p.subs = append(p.subs, Subscription{Topic: t.Name, Preload: PreloadFull})
		}
	}
	p.cache.SetSubscriptions(p.subs, ini.Start)
	logrus.Infof("Player %s: ready, range [%v, %v], %d topics", p.id, ini.Start, ini.End, len(ini.Topics))
	if err := p.sm.Transition(StateIdle); err != nil {
		return
	}
	target := ini.Start
	if p.pendingSeek != nil {
		target = *p.pendingSeek
	}
	resume := p.pendingPlay
	p.pendingSeek, p.pendingPlay = nil, false
	_ = p.seek(target, resume)
}

func (p *Player) isPlayingOrResuming() bool {
	switch p.sm.State() {
	case StatePlaying:
		return true
	case StateSeeking:
		return p.resume
	}
	return false
}

// seek starts a new seek generation. Work belonging to earlier generations is
// cancelled and its results are dropped when they arrive.
func (p *Player) seek(t Time, resume bool) error {
	if err := p.sm.Transition(StateSeeking); err != nil {
		return err
	}
	p.generation++
	gen := p.generation
	if p.seekCancel != nil {
		p.seekCancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.seekCancel = cancel

	p.ctrl.Pause()
	clamped := p.ctrl.Seek(t)
	p.resume = resume
	p.stallSince, p.stallAlert = time.Time{}, false
	p.trace.RecordSeek(trace.SeekRecord{Generation: gen, Requested: int64(t), Clamped: int64(clamped)})
	logrus.Debugf("Player %s: seek #%d to %v (requested %v)", p.id, gen, clamped, t)

	p.cache.Reset(clamped)
	topics := p.cache.Topics()
	found, missing := p.cache.Backfill(clamped, topics)
	fromCache := len(topics) - len(missing)
	if len(missing) == 0 {
		p.finishBackfill(gen, clamped, fromCache, found, nil, nil)
	} else {
		p.awaiting(fmt.Sprintf("backfill at %v", clamped))
		src := p.source
		p.spawn(func() func() {
			msgs, err := src.BackfillMessages(ctx, BackfillArgs{Topics: missing, Time: clamped})
			return func() { p.finishBackfill(gen, clamped, fromCache, found, msgs, err) }
		})
	}
	p.maybeExtend()
	p.emit()
	return nil
}

func (p *Player) finishBackfill(gen uint64, t Time, fromCache int, cached, fetched []MessageEvent, err error) {
	record := trace.BackfillRecord{
		Generation: gen,
		Time:       int64(t),
		Topics:     len(p.cache.Topics()),
		FromCache:  fromCache,
		Messages:   len(cached) + len(fetched),
	}
	if gen != p.generation || p.sm.State() != StateSeeking {
		record.Reason = "superseded"
		p.trace.RecordBackfill(record)
		return
	}
	p.waitSince = time.Time{}
	if err != nil {
		record.Reason = "error"
		p.trace.RecordBackfill(record)
		p.fail(err)
		return
	}
	record.Applied = true
	p.trace.RecordBackfill(record)
	p.metrics.recordBackfill(fromCache, len(fetched))

	msgs := make([]MessageEvent, 0, len(cached)+len(fetched))
	msgs = append(msgs, cached...)
	msgs = append(msgs, fetched...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceiveTime < msgs[j].ReceiveTime })
	p.delivered = append(p.delivered, msgs...)

	next := StateIdle
	if p.resume && p.ctrl.Play() {
		next = StatePlaying
	}
	p.resume = false
	if err := p.sm.Transition(next); err != nil {
		return
	}
	p.lastTick = p.now()
	p.emit()
}

// tick advances playback by the wall time since the previous tick, as far as
// cached data allows.
func (p *Player) tick(now time.Time) {
	p.checkWait(now)
	if p.sm.State() != StatePlaying {
		p.lastTick = now
		p.maybeExtend()
		return
	}
	elapsed := now.Sub(p.lastTick)
	p.lastTick = now
	cur := p.ctrl.Current()
	target := p.ctrl.Target(elapsed)

	reach := target
	msgs, ok := p.cache.MessagesBetween(cur, target)
	if !ok {
		reach = cur
		if covered, has := p.cache.CoveredUntil(cur); has && covered > cur {
			reach = covered
			msgs, _ = p.cache.MessagesBetween(cur, covered)
		} else {
			msgs = nil
		}
		p.stalled(now, cur, target, reach > cur)
	} else {
		p.stallSince, p.stallAlert = time.Time{}, false
	}

	reachedEnd := false
	if reach > cur || p.ctrl.AtEnd() {
		p.delivered = append(p.delivered, msgs...)
		reachedEnd = p.ctrl.Commit(reach)
	}
	p.maybeExtend()
	if reachedEnd {
		logrus.Debugf("Player %s: reached end at %v", p.id, p.ctrl.Current())
		_ = p.sm.Transition(StateIdle)
		if p.onEnd != nil {
			p.onEnd()
		}
	}
	p.emit()
}

func (p *Player) stalled(now time.Time, cur, target Time, partial bool) {
	p.metrics.recordStall()
	p.trace.RecordStall(trace.StallRecord{Current: int64(cur), Target: int64(target), Partial: partial})
	if p.stallSince.IsZero() {
		p.stallSince = now
	}
	if !partial && !p.cache.Extending() {
		// Eviction may have opened a gap behind the reader.
		p.cache.Reset(cur)
	}
	if !p.stallAlert && p.cfg.StallTimeout > 0 && now.Sub(p.stallSince) >= p.cfg.StallTimeout {
		p.stallAlert = true
		logrus.Warnf("Player %s: stalled at %v for %v", p.id, cur, now.Sub(p.stallSince))
		p.addAlert(NewAlert(SeverityWarn, AlertStallTimeout, "",
			fmt.Sprintf("playback stalled at %v waiting for data", cur), ErrStallTimeout))
	}
}

// awaiting records that the session is blocked on what.
func (p *Player) awaiting(what string) {
	p.waitFor, p.waitSince, p.waitAlert = what, p.now(), false
}

// checkWait raises one stall alert for an initialization or seek read that
// has been outstanding longer than StallTimeout.
func (p *Player) checkWait(now time.Time) {
	if p.waitSince.IsZero() || p.waitAlert || p.cfg.StallTimeout <= 0 {
		return
	}
	switch p.sm.State() {
	case StateInitializing, StateSeeking:
	default:
		return
	}
	waited := now.Sub(p.waitSince)
	if waited < p.cfg.StallTimeout {
		return
	}
	p.waitAlert = true
	p.metrics.recordStall()
	logrus.Warnf("Player %s: %s outstanding for %v", p.id, p.waitFor, waited)
	p.addAlert(NewAlert(SeverityWarn, AlertStallTimeout, "",
		fmt.Sprintf("%s has not completed after %v", p.waitFor, waited), ErrStallTimeout))
	p.emit()
}

// maybeExtend starts a read-ahead step when less than half of the read-ahead
// window is buffered.
func (p *Player) maybeExtend() {
	if p.cache == nil || p.cache.Extending() || p.cache.Err() != nil {
		return
	}
	switch p.sm.State() {
	case StateIdle, StatePlaying, StateSeeking:
	default:
		return
	}
	cur := p.ctrl.Current()
	head := p.cache.ReadHead(cur)
	if head == MaxTime || (head > cur && head.Sub(cur) >= p.cfg.ReadAhead/2) {
		return
	}
	job, ok := p.cache.BeginExtend(p.ctx, cur, cur.Add(p.cfg.ReadAhead))
	if !ok {
		return
	}
	p.spawn(func() func() {
		job.Run()
		return func() { p.finishExtend(job) }
	})
}

func (p *Player) finishExtend(job *ExtendJob) {
	if p.cache == nil {
		return
	}
	err := p.cache.FinishExtend(job, p.ctrl.Current())
	for _, a := range job.Alerts() {
		p.addAlert(a)
	}
	if err != nil {
		p.fail(err)
		return
	}
	p.maybeExtend()
	p.emit()
}

// fail moves the session to Errored with an alert for err.
func (p *Player) fail(err error) {
	if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
		return
	}
	code := AlertStreamRead
	var ie *SourceInitError
	if errors.As(err, &ie) {
		code = AlertSourceInit
	}
	logrus.Warnf("Player %s: %v", p.id, err)
	p.addAlert(alertFromError(code, err))
	if p.ctrl != nil {
		p.ctrl.Pause()
	}
	_ = p.sm.Transition(StateErrored)
	p.emit()
}

func (p *Player) addAlert(a Alert) {
	p.alerts = append(p.alerts, a)
}

// shutdown moves to Closed; the entry handler releases everything.
func (p *Player) shutdown() {
	if p.sm.State() == StateClosed {
		return
	}
	_ = p.sm.Transition(StateClosed)
}

func (p *Player) release() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.seekCancel != nil {
		p.seekCancel()
	}
	close(p.stopping)
	p.workers.Wait()
	if p.cache != nil {
		p.cache.Close()
	}
	if err := p.source.Close(); err != nil {
		logrus.Warnf("Player %s: closing sources: %v", p.id, err)
	}
	p.emit()
	logrus.Debugf("Player %s: closed", p.id)
}

func (p *Player) emit() {
	if p.listener == nil {
		return
	}
	p.listener(p.snapshot(true))
}

func (p *Player) snapshot(drain bool) PlayerState {
	st := PlayerState{
		SessionID:      p.id,
		Status:         p.sm.State(),
		Alerts:         append([]Alert(nil), p.alerts...),
		SeekGeneration: p.generation,
	}
	if p.ini != nil {
		st.StartTime, st.EndTime = p.ini.Start, p.ini.End
		st.Topics = p.ini.Topics
		st.Datatypes = p.ini.Datatypes
		st.TopicStats = p.ini.TopicStats
	}
	if p.ctrl != nil {
		st.CurrentTime = p.ctrl.Current()
		st.Speed = p.ctrl.Speed()
		st.IsPlaying = p.sm.State() == StatePlaying
	}
	if p.cache != nil {
		st.LoadedRanges = p.cache.LoadedRanges()
		st.CacheBytes = p.cache.TotalBytes()
	}
	if drain {
		st.Messages = p.delivered
		p.delivered = nil
	}
	return st
}
