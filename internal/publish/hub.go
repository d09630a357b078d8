// Package publish fans a live fMP4 stream out to viewers over WebSocket and
// QUIC. Each viewer receives the initialization segment first and then the
// live fragments published after it joined. A viewer that falls behind by
// more than its buffer is disconnected rather than allowed to stall the
// stream.
package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultViewerBuffer is the number of fragments queued per viewer.
const DefaultViewerBuffer = 8

// Hub errors.
var (
	ErrHubClosed      = errors.New("publish hub closed")
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrViewerTooSlow  = errors.New("viewer too slow")
)

// Viewer is one subscriber of a stream.
type Viewer struct {
	ID          uuid.UUID
	Stream      string
	RemoteAddr  string
	ConnectedAt time.Time

	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    error

	sent      atomic.Uint64
	bytesSent atomic.Uint64
}

func newViewer(stream, remoteAddr string, buffer int) *Viewer {
	return &Viewer{
		ID:          uuid.New(),
		Stream:      stream,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		ch:          make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Next blocks for the next message. It returns io.EOF when the stream ends
// and ErrViewerTooSlow when the viewer was dropped for falling behind.
func (v *Viewer) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-v.ch:
		v.sent.Add(1)
		v.bytesSent.Add(uint64(len(msg)))
		return msg, nil
	default:
	}

	select {
	case msg := <-v.ch:
		v.sent.Add(1)
		v.bytesSent.Add(uint64(len(msg)))
		return msg, nil
	case <-v.done:
		return nil, v.reason
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sent returns the number of messages and bytes handed to the viewer.
func (v *Viewer) Sent() (messages, bytes uint64) {
	return v.sent.Load(), v.bytesSent.Load()
}

// end stops the viewer. Messages already queued are discarded when the
// reason is ErrViewerTooSlow and drained otherwise.
func (v *Viewer) end(reason error) {
	v.closeOnce.Do(func() {
		v.reason = reason
		if errors.Is(reason, ErrViewerTooSlow) {
			for len(v.ch) > 0 {
				<-v.ch
			}
		}
		close(v.done)
	})
}

// offer queues msg without blocking.
func (v *Viewer) offer(msg []byte) bool {
	select {
	case <-v.done:
		return true
	default:
	}
	select {
	case v.ch <- msg:
		return true
	default:
		return false
	}
}

// Stream is one named live stream.
type Stream struct {
	name   string
	buffer int
	logger *slog.Logger

	mu      sync.RWMutex
	init    []byte
	viewers map[uuid.UUID]*Viewer
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Name returns the stream name.
func (s *Stream) Name() string {
	return s.name
}

// SetInit sets the initialization segment and delivers it to viewers that
// joined before it was known.
func (s *Stream) SetInit(init []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.init == nil
	s.init = init
	if !first {
		return
	}
	for _, v := range s.viewers {
		s.offerLocked(v, init)
	}
}

// Publish delivers a fragment to every viewer that has received the init
// segment. Viewers whose buffer is full are disconnected.
func (s *Stream) Publish(fragment []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.init == nil {
		return
	}
	s.published.Add(1)
	for _, v := range s.viewers {
		s.offerLocked(v, fragment)
	}
}

func (s *Stream) offerLocked(v *Viewer, msg []byte) {
	if v.offer(msg) {
		return
	}
	delete(s.viewers, v.ID)
	s.dropped.Add(1)
	v.end(ErrViewerTooSlow)
	s.logger.Warn("dropping slow viewer",
		slog.String("viewer_id", v.ID.String()),
		slog.String("remote_addr", v.RemoteAddr),
		slog.Int("buffer", s.buffer),
	)
}

// Subscribe adds a viewer. If the init segment is known it is queued
// immediately.
func (s *Stream) Subscribe(remoteAddr string) (*Viewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrHubClosed
	}
	v := newViewer(s.name, remoteAddr, s.buffer)
	if s.init != nil {
		v.ch <- s.init
	}
	s.viewers[v.ID] = v
	s.logger.Debug("viewer joined",
		slog.String("viewer_id", v.ID.String()),
		slog.String("remote_addr", remoteAddr),
	)
	return v, nil
}

// Unsubscribe removes a viewer.
func (s *Stream) Unsubscribe(v *Viewer) {
	s.mu.Lock()
	delete(s.viewers, v.ID)
	s.mu.Unlock()
	v.end(io.EOF)
}

// Close ends the stream for all viewers. Queued messages remain readable.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, v := range s.viewers {
		v.end(io.EOF)
		delete(s.viewers, id)
	}
}

// StreamStats summarises a stream.
type StreamStats struct {
	Name          string `json:"name"`
	HasInit       bool   `json:"has_init"`
	Viewers       int    `json:"viewers"`
	Published     uint64 `json:"published"`
	DroppedViewer uint64 `json:"dropped_viewers"`
}

// Stats returns the stream's counters.
func (s *Stream) Stats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StreamStats{
		Name:          s.name,
		HasInit:       s.init != nil,
		Viewers:       len(s.viewers),
		Published:     s.published.Load(),
		DroppedViewer: s.dropped.Load(),
	}
}

// Hub owns the named streams.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[string]*Stream
	closed  bool
}

// NewHub creates a hub whose viewers queue up to viewerBuffer fragments.
func NewHub(viewerBuffer int, logger *slog.Logger) *Hub {
	if viewerBuffer <= 0 {
		viewerBuffer = DefaultViewerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer:  viewerBuffer,
		logger:  logger,
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream.
func (h *Hub) Create(name string) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.streams[name]; ok {
		return nil, ErrStreamExists
	}
	s := &Stream{
		name:    name,
		buffer:  h.buffer + 1, // room for the init segment
		logger:  h.logger.With(slog.String("stream", name)),
		viewers: make(map[uuid.UUID]*Viewer),
	}
	h.streams[name] = s
	return s, nil
}

// Subscribe joins a viewer to the named stream.
func (h *Hub) Subscribe(name, remoteAddr string) (*Viewer, error) {
	h.mu.RLock()
	s, ok := h.streams[name]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s.Subscribe(remoteAddr)
}

// Unsubscribe removes a viewer from its stream.
func (h *Hub) Unsubscribe(v *Viewer) {
	h.mu.RLock()
	s, ok := h.streams[v.Stream]
	h.mu.RUnlock()
	if ok {
		s.Unsubscribe(v)
		return
	}
	v.end(io.EOF)
}

// Stats returns per-stream counters sorted by name.
func (h *Hub) Stats() []StreamStats {
	h.mu.RLock()
	stats := make([]StreamStats, 0, len(h.streams))
	for _, s := range h.streams {
		stats = append(stats, s.Stats())
	}
	h.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Close ends every stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.streams {
		s.Close()
	}
}
