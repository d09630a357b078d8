// Package sink provides an in-memory, timeline-addressable media sink.
//
// Memory behaves like a browser media buffer: it is configured once with a
// codec set, accepts one mutation at a time, reports its buffered ranges on
// a seconds timeline, and plays a cursor forward through buffered media at
// wall-clock rate. Completions are delivered asynchronously.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/jmylchreest/liveedge/internal/demux"
	"github.com/jmylchreest/liveedge/internal/window"
)

// Sink errors.
var (
	ErrNotConfigured     = errors.New("sink not configured")
	ErrAlreadyConfigured = errors.New("sink already configured")
	ErrInvalidConfig     = errors.New("invalid sink configuration")
	ErrReleased          = errors.New("sink released")
	ErrBusy              = errors.New("sink busy")
	ErrInvalidRange      = errors.New("invalid range")
	ErrMalformedFragment = errors.New("malformed fragment")
	ErrEmptyFragment     = errors.New("fragment carries no samples")
	ErrUnknownTrack      = errors.New("fragment references unknown track")
	ErrQuotaExceeded     = errors.New("buffer quota exceeded")
)

// Config is what the sink is configured with once the init segment is known.
type Config struct {
	MIMEType string
	Codecs   []string
	// Init is the raw initialization segment; the sink reads track
	// timescales from it.
	Init []byte
}

// Clock abstracts wall-clock time for the playhead.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options tunes a Memory sink.
type Options struct {
	// AppendLatency and EvictLatency delay completion callbacks.
	AppendLatency time.Duration
	EvictLatency  time.Duration
	// MaxBufferedBytes refuses appends that would exceed it. Zero disables
	// the quota.
	MaxBufferedBytes int64
	// GapTolerance joins ranges separated by less than this many seconds.
	GapTolerance float64
	Clock        Clock
	Logger       *slog.Logger
}

// Stats are cumulative sink counters.
type Stats struct {
	Appended      uint64  `json:"appended"`
	Rejected      uint64  `json:"rejected"`
	Evictions     uint64  `json:"evictions"`
	BufferedBytes int64   `json:"buffered_bytes"`
	BufferedTime  float64 `json:"buffered_seconds"`
}

// chunk tracks the bytes held for one appended fragment.
type chunk struct {
	r    window.Range
	size float64
}

// Memory is an in-memory sink. All methods are safe for concurrent use.
type Memory struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	configured bool
	released   bool
	busy       bool
	timescales map[int]uint32
	ranges     *RangeSet
	chunks     []chunk
	stats      Stats

	// Playhead: the cursor was at anchorPos when the clock read anchorAt.
	anchorPos float64
	anchorAt  time.Time
	suspended bool

	wg sync.WaitGroup
}

// NewMemory creates an unconfigured sink.
func NewMemory(opts Options) *Memory {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GapTolerance <= 0 {
		opts.GapTolerance = DefaultGapTolerance
	}
	return &Memory{
		opts:     opts,
		logger:   opts.Logger,
		ranges:   NewRangeSet(opts.GapTolerance),
		anchorAt: opts.Clock.Now(),
	}
}

// Configure prepares the sink for the declared codecs. The init segment is
// parsed asynchronously; done receives ErrInvalidConfig if it is unusable.
func (m *Memory) Configure(cfg Config, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.released:
		return ErrReleased
	case m.configured:
		return ErrAlreadyConfigured
	case m.busy:
		return ErrBusy
	case len(cfg.Codecs) == 0:
		return fmt.Errorf("%w: no codecs", ErrInvalidConfig)
	}

	m.busy = true
	m.run(0, func() error {
		info, err := demux.New(m.logger).ParseInit(cfg.Init)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		timescales := make(map[int]uint32, len(info.Tracks))
		for _, t := range info.Tracks {
			if t.TimeScale == 0 {
				return fmt.Errorf("%w: track %d has zero timescale", ErrInvalidConfig, t.ID)
			}
			timescales[t.ID] = t.TimeScale
		}

		m.mu.Lock()
		m.timescales = timescales
		m.configured = true
		m.mu.Unlock()

		m.logger.Debug("sink configured",
			slog.String("mime_type", cfg.MIMEType),
			slog.Int("tracks", len(timescales)),
		)
		return nil
	}, done)
	return nil
}

// Append buffers one media fragment. Structural problems with the fragment
// are reported through done; a returned error means the call was refused.
func (m *Memory) Append(data []byte, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.released:
		return ErrReleased
	case !m.configured:
		return ErrNotConfigured
	case m.busy:
		return ErrBusy
	case m.opts.MaxBufferedBytes > 0 && m.stats.BufferedBytes+int64(len(data)) > m.opts.MaxBufferedBytes:
		m.stats.Rejected++
		return fmt.Errorf("%w: %d buffered, %d incoming, limit %d",
			ErrQuotaExceeded, m.stats.BufferedBytes, len(data), m.opts.MaxBufferedBytes)
	}

	m.busy = true
	m.run(m.opts.AppendLatency, func() error {
		return m.applyAppend(data)
	}, done)
	return nil
}

// Evict discards buffered media inside r.
func (m *Memory) Evict(r window.Range, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.released:
		return ErrReleased
	case !m.configured:
		return ErrNotConfigured
	case m.busy:
		return ErrBusy
	case r.Empty() || math.IsNaN(r.Start) || math.IsNaN(r.End):
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}

	m.busy = true
	m.run(m.opts.EvictLatency, func() error {
		m.applyEvict(r)
		return nil
	}, done)
	return nil
}

// run executes op after delay on its own goroutine, clears busy and then
// reports the result.
func (m *Memory) run(delay time.Duration, op func() error, done func(error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		err := op()

		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()

		if done != nil {
			done(err)
		}
	}()
}

func (m *Memory) applyAppend(data []byte) error {
	m.mu.Lock()
	timescales := m.timescales
	m.mu.Unlock()

	r, err := fragmentRange(data, timescales)
	if err != nil {
		m.mu.Lock()
		m.stats.Rejected++
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reanchor()
	m.ranges.Add(r)
	m.chunks = append(m.chunks, chunk{r: r, size: float64(len(data))})
	m.stats.Appended++
	m.refreshStats()

	m.logger.Debug("sink appended",
		slog.Float64("start", r.Start),
		slog.Float64("end", r.End),
		slog.Int("bytes", len(data)),
		slog.Int("ranges", m.ranges.Len()),
	)
	return nil
}

func (m *Memory) applyEvict(r window.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reanchor()
	m.ranges.Remove(r)

	kept := m.chunks[:0]
	for _, c := range m.chunks {
		lo := max(c.r.Start, r.Start)
		hi := min(c.r.End, r.End)
		if hi <= lo {
			kept = append(kept, c)
			continue
		}
		remaining := c.r.Duration() - (hi - lo)
		if remaining <= 0 || c.r.Duration() <= 0 {
			continue
		}
		c.size *= remaining / c.r.Duration()
		if c.r.Start >= r.Start {
			c.r.Start = r.End
		} else {
			c.r.End = r.Start
		}
		kept = append(kept, c)
	}
	m.chunks = kept
	m.stats.Evictions++
	m.refreshStats()

	m.logger.Debug("sink evicted",
		slog.Float64("start", r.Start),
		slog.Float64("end", r.End),
		slog.Int("ranges", m.ranges.Len()),
	)
}

func (m *Memory) refreshStats() {
	var total float64
	for _, c := range m.chunks {
		total += c.size
	}
	m.stats.BufferedBytes = int64(math.Round(total))
	m.stats.BufferedTime = m.ranges.Duration()
}

// fragmentRange returns the time covered by a moof+mdat fragment, from the
// earliest track start to the latest track end.
func fragmentRange(data []byte, timescales map[int]uint32) (window.Range, error) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return window.Range{}, fmt.Errorf("%w: %w", ErrMalformedFragment, err)
	}

	start := math.Inf(1)
	end := math.Inf(-1)
	for _, part := range parts {
		for _, track := range part.Tracks {
			ts, ok := timescales[track.ID]
			if !ok {
				return window.Range{}, fmt.Errorf("%w: %d", ErrUnknownTrack, track.ID)
			}
			var dur uint64
			for _, s := range track.Samples {
				dur += uint64(s.Duration)
			}
			if dur == 0 {
				continue
			}
			start = math.Min(start, float64(track.BaseTime)/float64(ts))
			end = math.Max(end, float64(track.BaseTime+dur)/float64(ts))
		}
	}

	if end <= start {
		return window.Range{}, ErrEmptyFragment
	}
	return window.Range{Start: start, End: end}, nil
}

// Buffered returns the buffered ranges ordered by start.
func (m *Memory) Buffered() []window.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ranges.Ranges()
}

// Position returns the current play cursor.
func (m *Memory) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionAt(m.opts.Clock.Now())
}

// SetPosition moves the play cursor.
func (m *Memory) SetPosition(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchorPos = pos
	m.anchorAt = m.opts.Clock.Now()
}

// Suspend freezes the playhead, as a throttled or backgrounded consumer
// would.
func (m *Memory) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reanchor()
	m.suspended = true
}

// Resume lets the playhead advance again.
func (m *Memory) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reanchor()
	m.suspended = false
}

// Suspended reports whether the playhead is frozen.
func (m *Memory) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// Stats returns a snapshot of the sink counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Release discards all buffered media and waits for outstanding
// completions. Further calls are refused with ErrReleased.
func (m *Memory) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrReleased
	}
	m.released = true
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.ranges = NewRangeSet(m.opts.GapTolerance)
	m.chunks = nil
	m.refreshStats()
	m.mu.Unlock()
	return nil
}

// positionAt computes the cursor at now. The cursor advances at rate 1
// while inside a buffered range and stops at that range's end. Outside any
// range it waits. Must be called with mu held.
func (m *Memory) positionAt(now time.Time) float64 {
	if m.suspended {
		return m.anchorPos
	}
	r, ok := m.ranges.Find(m.anchorPos)
	if !ok {
		return m.anchorPos
	}
	elapsed := now.Sub(m.anchorAt).Seconds()
	if elapsed <= 0 {
		return m.anchorPos
	}
	return math.Min(m.anchorPos+elapsed, r.End)
}

// reanchor folds elapsed playback into the anchor before the ranges change.
// Must be called with mu held.
func (m *Memory) reanchor() {
	now := m.opts.Clock.Now()
	m.anchorPos = m.positionAt(now)
	m.anchorAt = now
}
