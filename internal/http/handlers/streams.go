package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/liveedge/internal/publish"
)

// StreamHandler lists the streams a publisher serves.
type StreamHandler struct {
	hub *publish.Hub
}

// NewStreamHandler creates a handler over the hub.
func NewStreamHandler(hub *publish.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// ListStreamsInput is the input for listing streams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for listing streams.
type ListStreamsOutput struct {
	Body struct {
		Streams []publish.StreamStats `json:"streams"`
		Viewers int                   `json:"viewers"`
	}
}

// Register registers the stream routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams",
		Summary:     "List published streams",
		Description: "Returns each stream with its viewer count and delivery counters",
		Tags:        []string{"Streams"},
	}, h.List)
}

// List returns every stream sorted by name.
func (h *StreamHandler) List(_ context.Context, _ *ListStreamsInput) (*ListStreamsOutput, error) {
	out := &ListStreamsOutput{}
	out.Body.Streams = h.hub.Stats()
	if out.Body.Streams == nil {
		out.Body.Streams = []publish.StreamStats{}
	}
	for _, s := range out.Body.Streams {
		out.Body.Viewers += s.Viewers
	}
	return out, nil
}
