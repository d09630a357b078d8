package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jmylchreest/liveedge/internal/demux"
	internalhttp "github.com/jmylchreest/liveedge/internal/http"
	"github.com/jmylchreest/liveedge/internal/http/handlers"
	"github.com/jmylchreest/liveedge/internal/observability"
	"github.com/jmylchreest/liveedge/internal/player"
	"github.com/jmylchreest/liveedge/internal/sink"
	"github.com/jmylchreest/liveedge/internal/transport"
	"github.com/jmylchreest/liveedge/internal/version"
	"github.com/jmylchreest/liveedge/internal/window"
)

var playCmd = &cobra.Command{
	Use:   "play [url]",
	Short: "Play a live fMP4 stream into an in-memory buffer",
	Long: `Connect to a live fMP4 stream and play it into an in-memory buffer while
the window controller keeps the cursor near the live edge and trims stale
media.

Supported sources:
  ws://host:port/live/<stream>    WebSocket, one binary message per segment
  wss://host:port/live/<stream>   WebSocket over TLS
  quic://host:port/live/<stream>  QUIC, length-prefixed messages on one stream

The URL may also come from player.url in the config file.`,
	Example: `  liveedge play ws://127.0.0.1:8080/live/demo
  liveedge play quic://edge:4443/live/cam1 --fingerprint <base64> --api
  liveedge play ws://127.0.0.1:8080/live/demo --suspend-every 20s --suspend-for 15s`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Bool("api", false, "serve the status API (api.host:api.port)")
	playCmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	playCmd.Flags().String("fingerprint", "", "pin the server certificate by base64 SHA-256")
	playCmd.Flags().Float64("trim-to", 0, "seconds of history kept behind the cursor after a trim")
	playCmd.Flags().Duration("duration", 0, "stop after this long (0 plays until interrupted)")
	playCmd.Flags().Duration("report-every", 10*time.Second, "log buffer state at this interval (0 disables)")
	playCmd.Flags().Duration("suspend-every", 0, "freeze the playhead at this interval to simulate a throttled consumer")
	playCmd.Flags().Duration("suspend-for", 5*time.Second, "how long each simulated suspension lasts")
}

// playOptions are the flags that do not map onto the config file.
type playOptions struct {
	duration     time.Duration
	reportEvery  time.Duration
	suspendEvery time.Duration
	suspendFor   time.Duration
}

func runPlay(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if len(args) == 1 {
		cfg.Player.URL = args[0]
	}
	if cfg.Player.URL == "" {
		return errors.New("no stream url: pass one or set player.url")
	}
	overrideBool(flags, "api", &cfg.API.Enabled)
	overrideBool(flags, "insecure", &cfg.Player.InsecureSkipVerify)
	overrideString(flags, "fingerprint", &cfg.Player.CertFingerprint)
	overrideFloat64(flags, "trim-to", &cfg.Player.Window.TrimTo)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}

	var opts playOptions
	opts.duration, _ = flags.GetDuration("duration")
	opts.reportEvery, _ = flags.GetDuration("report-every")
	opts.suspendEvery, _ = flags.GetDuration("suspend-every")
	opts.suspendFor, _ = flags.GetDuration("suspend-for")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	return play(ctx, cmd.OutOrStdout(), opts)
}

func play(ctx context.Context, out io.Writer, opts playOptions) error {
	logger := slog.Default()
	source := observability.RedactURL(cfg.Player.URL)

	conn, err := transport.Dial(ctx, cfg.Player.URL, transport.Options{
		DialTimeout:        cfg.Player.DialTimeout,
		InsecureSkipVerify: cfg.Player.InsecureSkipVerify,
		CertFingerprint:    cfg.Player.CertFingerprint,
		MaxMessageSize:     int(cfg.Player.MaxMessageSize.Bytes()),
		Logger:             observability.WithComponent(logger, "transport"),
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", source, err)
	}

	mem := sink.NewMemory(sink.Options{
		AppendLatency:    cfg.Sink.AppendLatency,
		EvictLatency:     cfg.Sink.EvictLatency,
		MaxBufferedBytes: cfg.Sink.MaxBufferedBytes.Bytes(),
		Logger:           observability.WithComponent(logger, "sink"),
	})

	session := player.NewSession(conn, demux.New(observability.WithComponent(logger, "demux")), mem, player.Config{
		Source: source,
		Thresholds: window.Thresholds{
			StallLookahead: cfg.Player.Window.StallLookahead,
			TrimTrailing:   cfg.Player.Window.TrimTrailing,
			TrimTo:         cfg.Player.Window.TrimTo,
		},
		EventLogSize: cfg.Player.EventLogSize,
		Logger:       observability.WithComponent(logger, "player"),
	})
	registry := player.NewRegistry()
	registry.Add(session)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	started := time.Now()
	var runErr error
	g.Go(func() error {
		// The session decides when playback is over; everything else follows it.
		defer cancel()
		runErr = session.Run(gctx)
		return nil
	})

	if cfg.API.Enabled {
		server := internalhttp.NewServer(internalhttp.ServerConfigFromAPI(cfg.API), observability.WithComponent(logger, "api"), version.Version)
		handlers.NewHealthHandler(version.Version).
			WithCheck("player", sessionReady(session)).
			Register(server.API())
		handlers.NewSessionHandler(registry).Register(server.API())
		g.Go(func() error { return server.ListenAndServe(gctx) })
	}

	if opts.suspendEvery > 0 {
		g.Go(func() error {
			simulateSuspension(gctx, mem, opts.suspendEvery, opts.suspendFor, logger)
			return nil
		})
	}

	if opts.reportEvery > 0 {
		g.Go(func() error {
			report(gctx, session, mem, opts.reportEvery, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(out, session.Snapshot(), mem.Stats(), time.Since(started))

	if errors.Is(runErr, player.ErrTransportClosed) {
		logger.Info("stream ended by publisher")
		return nil
	}
	return runErr
}

// sessionReady reports ready once the init segment configured the sink and
// until the session stops.
func sessionReady(s *player.Session) handlers.ComponentCheck {
	return func(context.Context) error {
		snap := s.Snapshot()
		switch {
		case snap.State != player.StateOpen:
			return fmt.Errorf("session %s", snap.State)
		case !snap.Ready:
			return errors.New("waiting for init segment")
		default:
			return nil
		}
	}
}

// simulateSuspension periodically freezes the playhead, the way a backgrounded
// player stops consuming while data keeps arriving.
func simulateSuspension(ctx context.Context, mem *sink.Memory, every, length time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	defer mem.Resume()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mem.Suspend()
		logger.Info("consumer suspended", slog.Duration("for", length))

		timer := time.NewTimer(length)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		mem.Resume()
		logger.Info("consumer resumed", slog.Float64("position", mem.Position()))
	}
}

func report(ctx context.Context, s *player.Session, mem *sink.Memory, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := s.Snapshot()
		stats := mem.Stats()
		attrs := []any{
			slog.Float64("position", mem.Position()),
			slog.Float64("buffered_seconds", stats.BufferedTime),
			slog.String("buffered_bytes", humanize.IBytes(uint64(max(stats.BufferedBytes, 0)))),
			slog.Int("ranges", len(mem.Buffered())),
			slog.Uint64("appended", snap.Stats.Appended),
			slog.Uint64("evictions", snap.Stats.Evictions),
			slog.Int("queue_depth", snap.Stats.QueueDepth),
		}
		if len(snap.Buffered) > 0 {
			last := snap.Buffered[len(snap.Buffered)-1]
			attrs = append(attrs, slog.Float64("live_edge", last.End))
		}
		logger.Info("playback", attrs...)
	}
}

func printSummary(w io.Writer, snap player.Snapshot, stats sink.Stats, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	st := snap.Stats

	p.Fprintf(w, "session %s (%s)\n", snap.ID, snap.State)
	if snap.MIMEType != "" {
		p.Fprintf(w, "  media type        %s\n", snap.MIMEType)
	}
	if snap.Error != "" {
		p.Fprintf(w, "  error             %s\n", snap.Error)
	}
	p.Fprintf(w, "  played for        %s\n", elapsed.Round(time.Millisecond))
	p.Fprintf(w, "  received          %d fragments, %s\n", st.Received, humanize.IBytes(st.BytesReceived))
	p.Fprintf(w, "  appended          %d\n", st.Appended)
	p.Fprintf(w, "  rejected          %d\n", st.Rejected)
	p.Fprintf(w, "  dropped early     %d\n", st.Dropped)
	p.Fprintf(w, "  abandoned         %d\n", st.Abandoned)
	p.Fprintf(w, "  evictions         %d (%.3fs removed, %d rejected, %d skipped)\n",
		st.Evictions, st.EvictedSeconds, st.EvictRejected, st.EvictSkipped)
	p.Fprintf(w, "  relocations       %d behind, %d ahead, %d stalled\n",
		st.Relocations.Behind, st.Relocations.Ahead, st.Relocations.Stalled)
	p.Fprintf(w, "  peak queue depth  %d\n", st.PeakQueueDepth)
	p.Fprintf(w, "  final buffer      %.3fs, %s\n", stats.BufferedTime, humanize.IBytes(uint64(max(stats.BufferedBytes, 0))))
}
