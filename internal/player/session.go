package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/liveedge/internal/sink"
	"github.com/jmylchreest/liveedge/internal/window"
)

// Config configures a session.
type Config struct {
	// Source is a display name for where the stream comes from, usually the
	// dialled URL.
	Source string
	// Thresholds tune the window controller. The zero value selects
	// window.DefaultThresholds.
	Thresholds   window.Thresholds
	EventLogSize int
	Logger       *slog.Logger
}

// Relocations counts cursor moves by rule.
type Relocations struct {
	Behind  uint64 `json:"behind"`
	Ahead   uint64 `json:"ahead"`
	Stalled uint64 `json:"stalled"`
}

// Stats are cumulative session counters.
type Stats struct {
	BytesReceived  uint64      `json:"bytes_received"`
	Received       uint64      `json:"fragments_received"`
	Appended       uint64      `json:"fragments_appended"`
	Rejected       uint64      `json:"fragments_rejected"`
	Dropped        uint64      `json:"fragments_dropped"`
	Abandoned      uint64      `json:"fragments_abandoned"`
	Evictions      uint64      `json:"evictions"`
	EvictRejected  uint64      `json:"evictions_rejected"`
	EvictSkipped   uint64      `json:"evictions_skipped"`
	EvictedSeconds float64     `json:"evicted_seconds"`
	ControllerRuns uint64      `json:"controller_runs"`
	Relocations    Relocations `json:"relocations"`
	QueueDepth     int         `json:"queue_depth"`
	PeakQueueDepth int         `json:"peak_queue_depth"`
}

// Snapshot is a point-in-time view of a session. Position and Buffered are
// what the window controller saw on its last run.
type Snapshot struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	State     State          `json:"state"`
	Ready     bool           `json:"ready"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ClosedAt  *time.Time     `json:"closed_at,omitempty"`
	MIMEType  string         `json:"mime_type,omitempty"`
	Codecs    []string       `json:"codecs"`
	Position  float64        `json:"position"`
	Buffered  []window.Range `json:"buffered"`
	Stats     Stats          `json:"stats"`
}

type msgKind int

const (
	msgData msgKind = iota
	msgRecvErr
	msgConfigured
	msgAppended
	msgEvicted
)

type message struct {
	kind msgKind
	data []byte
	err  error
}

// Session is one playback session bound to one transport and one sink.
//
// All session state is owned by the event loop in Run. The transport is read
// on a separate goroutine and sink completions may arrive on any goroutine;
// both post into a mailbox that never blocks the poster.
type Session struct {
	id        string
	source    string
	createdAt time.Time

	transport  Transport
	demuxer    Demuxer
	sink       Sink
	controller *window.Controller
	events     *EventLog
	logger     *slog.Logger

	mu     sync.Mutex
	inbox  []message
	notify chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	running   atomic.Bool

	// Owned by the event loop.
	ctx          context.Context
	initSeen     bool
	configuring  bool
	ready        bool
	busy         bool
	finishing    bool
	result       error
	queue        fragmentQueue
	pendingEvict window.Range

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewSession creates a session. Nothing happens until Run is called.
func NewSession(t Transport, d Demuxer, s Sink, cfg Config) *Session {
	th := cfg.Thresholds
	if th == (window.Thresholds{}) {
		th = window.DefaultThresholds()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	now := time.Now()
	return &Session{
		id:         id,
		source:     cfg.Source,
		createdAt:  now,
		transport:  t,
		demuxer:    d,
		sink:       s,
		controller: window.NewController(th),
		events:     NewEventLog(cfg.EventLogSize),
		logger:     logger.With(slog.String("session_id", id)),
		notify:     make(chan struct{}, 1),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		snap: Snapshot{
			ID:        id,
			Source:    cfg.Source,
			State:     StateOpen,
			CreatedAt: now,
			Codecs:    []string{},
			Buffered:  []window.Range{},
		},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close marks the session closed and stops it. Queued fragments are
// abandoned; Run returns once any in-flight sink operation has completed and
// the sink has been released. Close never blocks.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.updateSnap(func(sn *Snapshot) {
			if sn.State == StateOpen {
				now := time.Now()
				sn.State = StateClosed
				sn.ClosedAt = &now
			}
		})
		close(s.closing)
	})
	return nil
}

// Run drives the session until it is closed, the context is cancelled, the
// remote end closes the stream or the init segment proves unusable. Local
// shutdown returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	s.ctx = ctx
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	readerDone := make(chan struct{})
	go s.readLoop(readCtx, readerDone)

	s.logger.Info("session started", slog.String("source", s.source))

	err := s.loop(ctx)

	cancelRead()
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("transport close failed", slog.String("error", cerr.Error()))
	}
	<-readerDone

	if rerr := s.sink.Release(); rerr != nil {
		s.logger.Warn("sink release failed", slog.String("error", rerr.Error()))
	}

	snap := s.Snapshot()
	attrs := []any{
		slog.String("state", snap.State.String()),
		slog.Uint64("fragments_appended", snap.Stats.Appended),
		slog.Uint64("evictions", snap.Stats.Evictions),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Info("session ended", attrs...)
	return err
}

func (s *Session) readLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		data, err := s.transport.Recv(ctx)
		if err != nil {
			s.post(message{kind: msgRecvErr, err: err})
			return
		}
		s.post(message{kind: msgData, data: data})
	}
}

func (s *Session) loop(ctx context.Context) error {
	ctxDone := ctx.Done()
	closing := s.closing
	for {
		if s.finishing && !s.busy {
			return s.result
		}

		select {
		case <-s.notify:
		case <-ctxDone:
			ctxDone = nil
			s.finish(nil, StateClosed)
		case <-closing:
			closing = nil
			s.finish(nil, StateClosed)
		}

		// A close request wins over messages that were already queued.
		if closing != nil {
			select {
			case <-closing:
				closing = nil
				s.finish(nil, StateClosed)
			default:
			}
		}

		for _, m := range s.takeInbox() {
			s.handle(m)
		}
	}
}

// post enqueues a message for the event loop. It never blocks.
func (s *Session) post(m message) {
	s.mu.Lock()
	s.inbox = append(s.inbox, m)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) takeInbox() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.inbox
	s.inbox = nil
	return msgs
}

// completion returns a sink callback that posts its result to the loop.
func (s *Session) completion(kind msgKind) func(error) {
	return func(err error) {
		s.post(message{kind: kind, err: err})
	}
}

func (s *Session) handle(m message) {
	switch m.kind {
	case msgData:
		if s.finishing {
			return
		}
		s.updateSnap(func(sn *Snapshot) { sn.Stats.BytesReceived += uint64(len(m.data)) })
		if !s.initSeen {
			s.initSeen = true
			s.handleInit(m.data)
			return
		}
		s.handleFragment(m.data)

	case msgRecvErr:
		if s.finishing {
			return
		}
		if s.ctx.Err() != nil {
			s.finish(nil, StateClosed)
			return
		}
		s.finish(fmt.Errorf("%w: %w", ErrTransportClosed, m.err), StateClosed)

	case msgConfigured:
		s.onConfigured(m.err)
	case msgAppended:
		s.onAppended(m.err)
	case msgEvicted:
		s.onEvicted(m.err)
	}
}

func (s *Session) handleInit(data []byte) {
	info, err := s.demuxer.ParseInit(data)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrInitParse, err))
		return
	}

	cfg := sink.Config{
		MIMEType: info.MIMEType(),
		Codecs:   info.Codecs(),
		Init:     data,
	}
	s.updateSnap(func(sn *Snapshot) {
		sn.MIMEType = cfg.MIMEType
		sn.Codecs = append([]string(nil), cfg.Codecs...)
	})
	s.logger.Info("init segment parsed",
		slog.String("mime_type", cfg.MIMEType),
		slog.Int("tracks", len(info.Tracks)),
	)

	s.busy = true
	if err := s.sink.Configure(cfg, s.completion(msgConfigured)); err != nil {
		s.busy = false
		s.fail(fmt.Errorf("%w: %w", ErrSinkConfigure, err))
		return
	}
	s.configuring = true
}

func (s *Session) onConfigured(err error) {
	s.busy = false
	if s.finishing {
		return
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrSinkConfigure, err))
		return
	}

	s.ready = true
	s.updateSnap(func(sn *Snapshot) { sn.Ready = true })
	s.events.Add(Event{Kind: EventConfigured})
	s.logger.Info("sink configured")
	s.drain()
}

func (s *Session) handleFragment(data []byte) {
	s.updateSnap(func(sn *Snapshot) { sn.Stats.Received++ })

	// Fragments that arrive while the sink is configuring wait in the
	// queue; onConfigured drains them.
	if !s.configuring && !s.ready {
		s.logger.Warn("fragment arrived with no configurable sink, dropping",
			slog.Int("bytes", len(data)))
		s.events.Add(Event{Kind: EventDropped})
		s.updateSnap(func(sn *Snapshot) { sn.Stats.Dropped++ })
		return
	}

	s.queue.push(data)
	s.drain()
}

// drain submits the head of the queue when the sink is idle. Appends are
// never pipelined; a refused append drops the fragment and moves on.
func (s *Session) drain() {
	for s.ready && !s.busy && !s.finishing {
		frag, ok := s.queue.pop()
		if !ok {
			break
		}
		s.busy = true
		if err := s.sink.Append(frag, s.completion(msgAppended)); err != nil {
			s.busy = false
			s.rejectAppend(err)
			s.runController()
			if !s.busy && errors.Is(err, sink.ErrQuotaExceeded) {
				s.relieveQuota()
			}
		}
	}

	depth, peak := s.queue.len(), s.queue.peak
	s.updateSnap(func(sn *Snapshot) {
		sn.Stats.QueueDepth = depth
		sn.Stats.PeakQueueDepth = peak
	})
}

func (s *Session) rejectAppend(err error) {
	s.logger.Warn("sink rejected fragment", slog.String("error", err.Error()))
	s.events.Add(Event{Kind: EventAppendRejected, Error: err.Error()})
	s.updateSnap(func(sn *Snapshot) { sn.Stats.Rejected++ })
}

// relieveQuota evicts media the cursor has already played when the sink is
// full and the window policy found nothing to trim. Without it a quota
// smaller than the retained history refuses every later append.
func (s *Session) relieveQuota() {
	ranges := s.sink.Buffered()
	if len(ranges) == 0 {
		return
	}
	r := window.Range{Start: ranges[0].Start, End: s.sink.Position()}
	if r.Empty() {
		return
	}

	s.pendingEvict = r
	s.busy = true
	if err := s.sink.Evict(r, s.completion(msgEvicted)); err != nil {
		s.busy = false
		s.logger.Warn("sink refused eviction",
			slog.String("range", r.String()),
			slog.String("error", err.Error()))
		s.events.Add(Event{Kind: EventEvictRejected, Range: &r, Error: err.Error()})
		s.updateSnap(func(sn *Snapshot) { sn.Stats.EvictRejected++ })
		return
	}
	s.logger.Debug("evicting played media to relieve quota", slog.String("range", r.String()))
}

func (s *Session) onAppended(err error) {
	s.busy = false
	if s.finishing {
		return
	}
	if err != nil {
		s.rejectAppend(err)
	} else {
		s.updateSnap(func(sn *Snapshot) { sn.Stats.Appended++ })
	}

	s.runController()
	s.drain()
}

func (s *Session) onEvicted(err error) {
	s.busy = false
	if s.finishing {
		return
	}

	r := s.pendingEvict
	if err != nil {
		s.logger.Warn("sink rejected eviction",
			slog.String("range", r.String()),
			slog.String("error", err.Error()))
		s.events.Add(Event{Kind: EventEvictRejected, Range: &r, Error: err.Error()})
		s.updateSnap(func(sn *Snapshot) { sn.Stats.EvictRejected++ })
	} else {
		s.events.Add(Event{Kind: EventEvicted, Range: &r})
		s.updateSnap(func(sn *Snapshot) {
			sn.Stats.Evictions++
			sn.Stats.EvictedSeconds += r.Duration()
		})
	}
	s.drain()
}

// runController applies one window policy step to the sink.
func (s *Session) runController() {
	ranges := s.sink.Buffered()
	plan := s.controller.Step(window.Input{
		Pos:    s.sink.Position(),
		Ranges: ranges,
		Busy:   s.busy,
	})

	s.logger.Debug("window evaluated",
		slog.Float64("pos", plan.From),
		slog.Int("ranges", len(ranges)),
		slog.String("rule", plan.Rule.String()),
		slog.String("trim", plan.Trim.String()),
	)

	if plan.Relocated() {
		s.sink.SetPosition(plan.To)
		from, to := plan.From, plan.To
		s.logger.Info("play cursor relocated",
			slog.String("rule", plan.Rule.String()),
			slog.Float64("from", from),
			slog.Float64("to", to),
		)
		s.events.Add(Event{Kind: EventRelocated, Rule: plan.Rule.String(), From: &from, To: &to})
		s.updateSnap(func(sn *Snapshot) {
			switch plan.Rule {
			case window.RuleBehind:
				sn.Stats.Relocations.Behind++
			case window.RuleAhead:
				sn.Stats.Relocations.Ahead++
			case window.RuleStalled:
				sn.Stats.Relocations.Stalled++
			}
		})
	}

	if plan.EvictSkipped {
		s.updateSnap(func(sn *Snapshot) { sn.Stats.EvictSkipped++ })
	}

	if plan.Evict != nil {
		r := *plan.Evict
		s.pendingEvict = r
		s.busy = true
		if err := s.sink.Evict(r, s.completion(msgEvicted)); err != nil {
			s.busy = false
			s.logger.Warn("sink refused eviction",
				slog.String("range", r.String()),
				slog.String("error", err.Error()))
			s.events.Add(Event{Kind: EventEvictRejected, Range: &r, Error: err.Error()})
			s.updateSnap(func(sn *Snapshot) { sn.Stats.EvictRejected++ })
		}
	}

	s.updateSnap(func(sn *Snapshot) {
		sn.Stats.ControllerRuns++
		sn.Position = plan.To
		sn.Buffered = ranges
	})
}

func (s *Session) fail(err error) {
	s.logger.Error("session failed", slog.String("error", err.Error()))
	s.finish(err, StateFailed)
}

// finish stops accepting messages and abandons the queue. The loop exits
// once no sink operation is outstanding.
func (s *Session) finish(err error, state State) {
	if s.finishing {
		return
	}
	s.finishing = true
	s.result = err
	abandoned := s.queue.reset()

	ev := Event{Kind: EventClosed}
	if state == StateFailed {
		ev.Kind = EventFailed
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.events.Add(ev)

	s.updateSnap(func(sn *Snapshot) {
		if sn.State == StateOpen || state == StateFailed {
			sn.State = state
		}
		if sn.ClosedAt == nil {
			now := time.Now()
			sn.ClosedAt = &now
		}
		if err != nil {
			sn.Error = err.Error()
		}
		sn.Stats.Abandoned += uint64(abandoned)
		sn.Stats.QueueDepth = 0
	})

	if abandoned > 0 {
		s.logger.Debug("abandoned queued fragments", slog.Int("count", abandoned))
	}
}

func (s *Session) updateSnap(fn func(*Snapshot)) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	fn(&s.snap)
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	snap := s.snap
	snap.Codecs = append([]string{}, s.snap.Codecs...)
	snap.Buffered = append([]window.Range{}, s.snap.Buffered...)
	if s.snap.ClosedAt != nil {
		t := *s.snap.ClosedAt
		snap.ClosedAt = &t
	}
	return snap
}

// Events returns the newest events, oldest first. limit <= 0 returns all
// retained events.
func (s *Session) Events(limit int) []Event {
	return s.events.List(limit)
}
