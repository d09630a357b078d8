package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/liveedge/internal/config"
	"github.com/jmylchreest/liveedge/internal/http/handlers"
	"github.com/jmylchreest/liveedge/internal/http/middleware"
	"github.com/jmylchreest/liveedge/internal/player"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := NewServer(DefaultServerConfig(), nil, "1.2.3")
	handlers.NewHealthHandler("1.2.3").Register(s.API())
	handlers.NewSessionHandler(player.NewRegistry()).Register(s.API())

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_Livez(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestServer_SessionNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/sessions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem struct {
		Status int    `json:"status"`
		Detail string `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Contains(t, problem.Detail, "nope")
}

func TestServer_OpenAPI(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Info struct {
			Title   string `json:"title"`
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "liveedge API", doc.Info.Title)
	assert.Equal(t, "1.2.3", doc.Info.Version)
	assert.Contains(t, doc.Paths, "/api/v1/sessions/{id}/events")
}

func TestServer_ListenAndServe(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Port = 0
	s := NewServer(cfg, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerConfigFromAPI(t *testing.T) {
	cfg := ServerConfigFromAPI(config.APIConfig{
		Host:            "0.0.0.0",
		Port:            9000,
		ReadTimeout:     time.Second,
		WriteTimeout:    2 * time.Second,
		ShutdownTimeout: 3 * time.Second,
	})
	assert.Equal(t, "0.0.0.0:9000", cfg.Address())
	assert.Equal(t, time.Second, cfg.ReadTimeout)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultServerConfig().IdleTimeout, cfg.IdleTimeout)
}
