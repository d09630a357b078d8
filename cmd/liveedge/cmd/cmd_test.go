package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/liveedge/internal/config"
	"github.com/jmylchreest/liveedge/internal/player"
	"github.com/jmylchreest/liveedge/internal/publish"
	"github.com/jmylchreest/liveedge/internal/sink"
	"github.com/jmylchreest/liveedge/internal/synth"
)

func useDefaults(t *testing.T) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	c, err := config.Decode(v)
	require.NoError(t, err)

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestWriteConfig(t *testing.T) {
	useDefaults(t)

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "# liveedge configuration"))
	assert.Contains(t, out, "max_buffered_bytes: 256 MiB")
	assert.Contains(t, out, "dial_timeout: 10s")

	// The dump must load back to the same configuration.
	var back config.Config
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(out)))
	require.NoError(t, v.Unmarshal(&back, viper.DecodeHook(config.DecodeHook())))
	assert.Equal(t, *cfg, back)
}

func TestWriteConfig_YAMLIsValid(t *testing.T) {
	useDefaults(t)

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Contains(t, doc, "player")
	assert.Contains(t, doc, "publish")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	snap := player.Snapshot{
		ID:       "abc",
		State:    player.StateClosed,
		MIMEType: `video/mp4; codecs="avc1.42E01E"`,
		Stats: player.Stats{
			Received:      12345,
			BytesReceived: 3 * 1024 * 1024,
			Appended:      12000,
			Evictions:     1500,
		},
	}
	printSummary(&buf, snap, sink.Stats{BufferedTime: 9.5, BufferedBytes: 2048}, 90*time.Second)

	out := buf.String()
	assert.Contains(t, out, "session abc (closed)")
	assert.Contains(t, out, "12,345 fragments, 3.0 MiB")
	assert.Contains(t, out, "appended          12,000")
	assert.Contains(t, out, "evictions         1,500")
	assert.Contains(t, out, "final buffer      9.500s, 2.0 KiB")
}

func TestSimulateSuspension(t *testing.T) {
	mem := sink.NewMemory(sink.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		simulateSuspension(ctx, mem, 10*time.Millisecond, time.Hour, slog.Default())
		close(done)
	}()

	require.Eventually(t, mem.Suspended, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.False(t, mem.Suspended(), "playhead resumes on shutdown")
}

func TestStreamsReady(t *testing.T) {
	hub := publish.NewHub(4, nil)
	check := streamsReady(hub, 1)
	assert.Error(t, check(context.Background()))

	s, err := hub.Create("demo")
	require.NoError(t, err)
	assert.Error(t, check(context.Background()))

	s.SetInit([]byte("init"))
	assert.NoError(t, check(context.Background()))
}

func TestPlay_AgainstSyntheticPublisher(t *testing.T) {
	useDefaults(t)

	hub := publish.NewHub(64, nil)
	r := chi.NewRouter()
	publish.NewWebSocketHandler(hub, nil).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	srcCtx, stopSource := context.WithCancel(context.Background())
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- publish.RunSources(srcCtx, hub, []string{"demo"}, synth.Config{
			FrameRate:        25,
			FragmentDuration: 80 * time.Millisecond,
			PayloadSize:      64,
		}, nil)
	}()
	t.Cleanup(func() {
		stopSource()
		<-srcDone
	})
	require.Eventually(t, func() bool {
		stats := hub.Stats()
		return len(stats) == 1 && stats[0].HasInit
	}, 2*time.Second, 5*time.Millisecond)

	cfg.Player.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/live/demo?token=secret"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, play(ctx, &out, playOptions{}))

	summary := out.String()
	assert.Contains(t, summary, "(closed)")
	assert.Contains(t, summary, `codecs="avc1.42E01E"`)
	assert.NotContains(t, summary, "appended          0\n")
}

func TestOverrideHelpers_OnlyWhenChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("host", "0.0.0.0", "")
	fs.Int("port", 8080, "")
	fs.StringSlice("stream", nil, "")
	fs.Float64("trim-to", 0, "")
	require.NoError(t, fs.Parse([]string{"--port", "9000", "--stream", "a,b"}))

	host, port := "10.0.0.1", 1
	streams := []string{"demo"}
	trimTo := 3.0
	overrideString(fs, "host", &host)
	overrideInt(fs, "port", &port)
	overrideStrings(fs, "stream", &streams)
	overrideFloat64(fs, "trim-to", &trimTo)

	assert.Equal(t, "10.0.0.1", host, "unset flag keeps the config value")
	assert.Equal(t, 9000, port)
	assert.Equal(t, []string{"a", "b"}, streams)
	assert.Equal(t, 3.0, trimTo)
}
