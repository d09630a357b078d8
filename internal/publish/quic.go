package publish

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/jmylchreest/liveedge/internal/certs"
	"github.com/jmylchreest/liveedge/internal/transport"
)

const (
	maxStreamNameSize  = 1024
	streamNameDeadline = 5 * time.Second
)

// QUICServer publishes streams over QUIC. A viewer opens a bidirectional
// stream, writes the stream name as one framed message and then reads
// framed fMP4 messages until the server finishes the stream.
type QUICServer struct {
	hub    *Hub
	ln     *quic.Listener
	logger *slog.Logger
}

// ListenQUIC binds addr with the given certificate.
func ListenQUIC(addr string, cert *certs.CertInfo, hub *Hub, logger *slog.Logger) (*QUICServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{transport.ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(addr, tlsConf, transport.QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICServer{hub: hub, ln: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (s *QUICServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *QUICServer) Serve(ctx context.Context) error {
	defer s.ln.Close()
	s.logger.Info("quic publisher listening", slog.String("addr", s.ln.Addr().String()))

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections.
func (s *QUICServer) Close() error {
	return s.ln.Close()
}

func (s *QUICServer) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(ctx, conn, stream)
	}
}

func (s *QUICServer) serveStream(ctx context.Context, conn quic.Connection, stream quic.Stream) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("remote_addr", remote))

	_ = stream.SetReadDeadline(time.Now().Add(streamNameDeadline))
	name, err := transport.NewMessageReader(stream, maxStreamNameSize).Read()
	if err != nil {
		logger.Debug("quic stream request failed", slog.String("error", err.Error()))
		_ = conn.CloseWithError(transport.CodeUnknownStream, "bad stream request")
		return
	}

	viewer, err := s.hub.Subscribe(string(name), remote)
	if err != nil {
		logger.Info("quic viewer rejected", slog.String("stream", string(name)), slog.String("error", err.Error()))
		_ = conn.CloseWithError(transport.CodeUnknownStream, err.Error())
		return
	}
	defer s.hub.Unsubscribe(viewer)

	logger = logger.With(slog.String("stream", viewer.Stream), slog.String("viewer_id", viewer.ID.String()))
	logger.Info("quic viewer connected")

	for {
		msg, err := viewer.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			_ = stream.Close()
			logger.Info("quic viewer finished")
			return
		case errors.Is(err, ErrViewerTooSlow):
			logger.Warn("quic viewer disconnected", slog.String("error", err.Error()))
			_ = conn.CloseWithError(transport.CodeSlowViewer, err.Error())
			return
		default:
			_ = conn.CloseWithError(transport.CodeNoError, "")
			return
		}
		if err := transport.WriteMessage(stream, msg); err != nil {
			logger.Debug("quic send failed", slog.String("error", err.Error()))
			return
		}
	}
}
