package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/liveedge/internal/player"
	"github.com/jmylchreest/liveedge/internal/window"
)

// SessionHandler exposes player sessions for inspection and remote close.
type SessionHandler struct {
	registry *player.Registry
}

// NewSessionHandler creates a handler over the registry.
func NewSessionHandler(registry *player.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// SessionResponse is the API view of a player session.
type SessionResponse struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	State     string         `json:"state" enum:"open,closed,failed"`
	Ready     bool           `json:"ready"`
	Error     string         `json:"error,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	ClosedAt  string         `json:"closed_at,omitempty" format:"date-time"`
	MIMEType  string         `json:"mime_type,omitempty"`
	Codecs    []string       `json:"codecs"`
	Position  float64        `json:"position" doc:"Playback position in seconds at the last controller run"`
	Buffered  []window.Range `json:"buffered"`
	Stats     player.Stats   `json:"stats"`
}

func sessionFromSnapshot(s player.Snapshot) SessionResponse {
	resp := SessionResponse{
		ID:        s.ID,
		Source:    s.Source,
		State:     s.State.String(),
		Ready:     s.Ready,
		Error:     s.Error,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339Nano),
		MIMEType:  s.MIMEType,
		Codecs:    s.Codecs,
		Position:  s.Position,
		Buffered:  s.Buffered,
		Stats:     s.Stats,
	}
	if s.ClosedAt != nil {
		resp.ClosedAt = s.ClosedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions []SessionResponse `json:"sessions"`
		Total    int               `json:"total"`
		Open     int               `json:"open"`
	}
}

// SessionIDInput identifies one session.
type SessionIDInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// GetSessionOutput is the output for a single session.
type GetSessionOutput struct {
	Body SessionResponse
}

// ListEventsInput is the input for a session's event log.
type ListEventsInput struct {
	ID    string `path:"id" doc:"Session ID"`
	Limit int    `query:"limit" minimum:"0" default:"0" doc:"Newest events to return; 0 returns all retained"`
}

// ListEventsOutput is the output for a session's event log.
type ListEventsOutput struct {
	Body struct {
		Events []player.Event `json:"events"`
	}
}

// CloseSessionOutput is the output for closing a session.
type CloseSessionOutput struct {
	Body SessionResponse
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List player sessions",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get player session",
		Description: "Returns the session state, buffered ranges and counters",
		Tags:        []string{"Sessions"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "listSessionEvents",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/events",
		Summary:     "List session events",
		Description: "Returns relocations, evictions and failures, oldest first",
		Tags:        []string{"Sessions"},
	}, h.Events)

	huma.Register(api, huma.Operation{
		OperationID: "closeSession",
		Method:      http.MethodDelete,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Close player session",
		Description: "Closes the transport and releases the sink. Closing a finished session is a no-op.",
		Tags:        []string{"Sessions"},
	}, h.Close)
}

// List returns every registered session, oldest first.
func (h *SessionHandler) List(_ context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	snaps := h.registry.List()
	out := &ListSessionsOutput{}
	out.Body.Sessions = make([]SessionResponse, 0, len(snaps))
	for _, s := range snaps {
		out.Body.Sessions = append(out.Body.Sessions, sessionFromSnapshot(s))
		if s.State == player.StateOpen {
			out.Body.Open++
		}
	}
	out.Body.Total = len(snaps)
	return out, nil
}

// Get returns one session.
func (h *SessionHandler) Get(_ context.Context, input *SessionIDInput) (*GetSessionOutput, error) {
	s, err := h.lookup(input.ID)
	if err != nil {
		return nil, err
	}
	return &GetSessionOutput{Body: sessionFromSnapshot(s.Snapshot())}, nil
}

// Events returns a session's recent events.
func (h *SessionHandler) Events(_ context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
	s, err := h.lookup(input.ID)
	if err != nil {
		return nil, err
	}
	out := &ListEventsOutput{}
	out.Body.Events = s.Events(input.Limit)
	if out.Body.Events == nil {
		out.Body.Events = []player.Event{}
	}
	return out, nil
}

// Close closes a session and returns its final snapshot.
func (h *SessionHandler) Close(_ context.Context, input *SessionIDInput) (*CloseSessionOutput, error) {
	s, err := h.lookup(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, huma.Error500InternalServerError("closing session", err)
	}
	return &CloseSessionOutput{Body: sessionFromSnapshot(s.Snapshot())}, nil
}

func (h *SessionHandler) lookup(id string) (*player.Session, error) {
	s, err := h.registry.Get(id)
	if errors.Is(err, player.ErrSessionNotFound) {
		return nil, huma.Error404NotFound("session not found: " + id)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("looking up session", err)
	}
	return s, nil
}
