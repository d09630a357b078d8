// Package player runs live playback sessions: it receives an fMP4 stream
// from a message transport, configures a media sink from the init segment,
// feeds fragments to the sink one at a time and keeps the sink's buffered
// window bounded with a window.Controller.
package player

import (
	"context"
	"errors"

	"github.com/jmylchreest/liveedge/internal/demux"
	"github.com/jmylchreest/liveedge/internal/sink"
	"github.com/jmylchreest/liveedge/internal/window"
)

// Session errors. Only ErrInitParse, ErrSinkConfigure and ErrTransportClosed
// are returned from Session.Run.
var (
	ErrInitParse       = errors.New("init segment parse failed")
	ErrSinkConfigure   = errors.New("sink configuration failed")
	ErrTransportClosed = errors.New("transport closed")
	ErrAlreadyRunning  = errors.New("session already running")
	ErrSessionNotFound = errors.New("session not found")
)

// Transport delivers whole messages in order. The first message of a
// stream is the initialization segment.
type Transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Demuxer extracts the codec set from an initialization segment.
type Demuxer interface {
	ParseInit(data []byte) (*demux.InitInfo, error)
}

// Sink is a timeline-addressable media buffer. Configure, Append and Evict
// are asynchronous: a returned error means the call was refused, otherwise
// done is called exactly once, from any goroutine, when the operation
// finishes.
type Sink interface {
	Configure(cfg sink.Config, done func(error)) error
	Append(data []byte, done func(error)) error
	Evict(r window.Range, done func(error)) error
	Buffered() []window.Range
	Position() float64
	SetPosition(pos float64)
	Release() error
}

// State is the lifecycle state of a session.
type State int

const (
	// StateOpen is a session that is receiving and appending.
	StateOpen State = iota
	// StateFailed is a session that stopped on a fatal init error.
	StateFailed
	// StateClosed is a session closed locally or by the remote end.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
