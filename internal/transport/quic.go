package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC application error codes.
const (
	CodeNoError       quic.ApplicationErrorCode = 0
	CodeUnknownStream quic.ApplicationErrorCode = 1
	CodeSlowViewer    quic.ApplicationErrorCode = 2

	streamCodeCanceled quic.StreamErrorCode = 0
)

// QUICConfig is shared by the player and the publisher.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	reader *MessageReader

	closeOnce sync.Once
	closeErr  error
}

func dialQUIC(ctx context.Context, u *url.URL, opts Options) (*quicConn, error) {
	name := StreamName(u.Path)
	if name == "" {
		return nil, fmt.Errorf("%w: empty path in %s", ErrInvalidStreamName, u.Redacted())
	}

	tlsConf, err := clientTLSConfig(u.Hostname(), opts)
	if err != nil {
		return nil, err
	}
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, u.Host, tlsConf, QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", u.Host, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(CodeNoError, "")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := WriteMessage(stream, []byte(name)); err != nil {
		_ = conn.CloseWithError(CodeNoError, "")
		return nil, fmt.Errorf("request stream %q: %w", name, err)
	}

	return &quicConn{
		conn:   conn,
		stream: stream,
		reader: NewMessageReader(stream, opts.MaxMessageSize),
	}, nil
}

// Recv blocks for the next whole message. Cancelling ctx aborts the read
// side of the stream.
func (c *quicConn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.stream.CancelRead(streamCodeCanceled) })
	defer stop()

	msg, err := c.reader.Read()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == CodeNoError {
			return nil, io.EOF
		}
		if errors.Is(err, ErrMessageTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return msg, nil
}

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.CloseWithError(CodeNoError, "")
	})
	return c.closeErr
}
