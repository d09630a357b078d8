package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"
)

const wsOrigin = "http://localhost/"

type wsConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func dialWebSocket(ctx context.Context, u *url.URL, opts Options) (*wsConn, error) {
	cfg, err := websocket.NewConfig(u.String(), wsOrigin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if u.Scheme == "wss" {
		tlsConf, err := clientTLSConfig(u.Hostname(), opts)
		if err != nil {
			return nil, err
		}
		cfg.TlsConfig = tlsConf
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.Redacted(), err)
	}
	ws.MaxPayloadBytes = opts.MaxMessageSize
	ws.PayloadType = websocket.BinaryFrame

	return &wsConn{ws: ws}, nil
}

// Recv blocks for the next whole message. Cancelling ctx tears the
// connection down.
func (c *wsConn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	var msg []byte
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return msg, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
