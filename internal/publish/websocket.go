package publish

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"
)

// WebSocketHandler serves /live/{stream}: one binary message per fMP4
// message, init segment first.
type WebSocketHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWebSocketHandler creates a handler for the hub.
func NewWebSocketHandler(hub *Hub, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, logger: logger}
}

// Register mounts the handler on the router.
func (h *WebSocketHandler) Register(r chi.Router) {
	r.Get("/live/{stream}", h.ServeHTTP)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stream")
	viewer, err := h.hub.Subscribe(name, r.RemoteAddr)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrStreamNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	srv := websocket.Server{
		// Viewers are players on arbitrary origins.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			defer h.hub.Unsubscribe(viewer)
			// Server read/write timeouts outlive the hijack; viewers are long-lived.
			_ = ws.SetDeadline(time.Time{})
			ws.PayloadType = websocket.BinaryFrame
			h.serve(ws, viewer)
		},
	}
	srv.ServeHTTP(w, r)
}

func (h *WebSocketHandler) serve(ws *websocket.Conn, viewer *Viewer) {
	ctx := ws.Request().Context()
	logger := h.logger.With(
		slog.String("stream", viewer.Stream),
		slog.String("viewer_id", viewer.ID.String()),
		slog.String("remote_addr", viewer.RemoteAddr),
	)
	logger.Info("websocket viewer connected")

	for {
		msg, err := viewer.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrViewerTooSlow) {
				logger.Warn("websocket viewer disconnected", slog.String("error", err.Error()))
			}
			break
		}
		if err := websocket.Message.Send(ws, msg); err != nil {
			logger.Debug("websocket send failed", slog.String("error", err.Error()))
			break
		}
	}

	messages, bytes := viewer.Sent()
	logger.Info("websocket viewer left",
		slog.Uint64("messages", messages),
		slog.Uint64("bytes", bytes),
	)
}
