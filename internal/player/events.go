package player

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/liveedge/internal/window"
)

// DefaultEventLogSize is how many events a session keeps.
const DefaultEventLogSize = 256

// EventKind classifies session events.
type EventKind string

// Event kinds.
const (
	EventConfigured     EventKind = "configured"
	EventRelocated      EventKind = "relocated"
	EventEvicted        EventKind = "evicted"
	EventEvictRejected  EventKind = "evict_rejected"
	EventAppendRejected EventKind = "append_rejected"
	EventDropped        EventKind = "dropped"
	EventFailed         EventKind = "failed"
	EventClosed         EventKind = "closed"
)

// Event is one noteworthy action taken by a session.
type Event struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
	Kind EventKind `json:"kind"`

	Rule  string        `json:"rule,omitempty"`
	From  *float64      `json:"from,omitempty"`
	To    *float64      `json:"to,omitempty"`
	Range *window.Range `json:"range,omitempty"`
	Error string        `json:"error,omitempty"`
}

// EventLog is a bounded ring of events with ULID identifiers. It is safe for
// concurrent use.
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	next    int
	full    bool
	entropy io.Reader
	now     func() time.Time
}

// NewEventLog creates a log that retains the last size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{
		events:  make([]Event, size),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Add stamps e with an ID and time and stores it, evicting the oldest event
// when the log is full.
func (l *EventLog) Add(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e.Time = now
	e.ID = ulid.MustNew(ulid.Timestamp(now), l.entropy).String()

	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	return e
}

// List returns events oldest first. With limit > 0 only the newest limit
// events are returned.
func (l *EventLog) List(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0, len(l.events))
	if l.full {
		out = append(out, l.events[l.next:]...)
	}
	out = append(out, l.events[:l.next]...)

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.events)
	}
	return l.next
}
