package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/liveedge/internal/certs"
	internalhttp "github.com/jmylchreest/liveedge/internal/http"
	"github.com/jmylchreest/liveedge/internal/http/handlers"
	"github.com/jmylchreest/liveedge/internal/observability"
	"github.com/jmylchreest/liveedge/internal/publish"
	"github.com/jmylchreest/liveedge/internal/synth"
	"github.com/jmylchreest/liveedge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the synthetic live publisher",
	Long: `Start a publisher that generates synthetic live fMP4 streams and serves them
to players.

The server provides:
- WebSocket delivery at /live/<stream>
- QUIC delivery when publish.quic_addr is set (self-signed certificate; the
  fingerprint to pin is logged at startup)
- Stream listing at /api/v1/streams and health checks at /livez, /readyz, /health
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("quic", "", "QUIC listen address, e.g. :4443 (empty disables QUIC)")
	serveCmd.Flags().StringSlice("stream", nil, "stream names to publish (repeatable)")
	serveCmd.Flags().Bool("no-audio", false, "publish video only")
}

func runServe(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	overrideString(flags, "host", &cfg.Publish.Host)
	overrideInt(flags, "port", &cfg.Publish.Port)
	overrideString(flags, "quic", &cfg.Publish.QUICAddr)
	overrideStrings(flags, "stream", &cfg.Publish.Streams)
	if flags.Changed("no-audio") {
		noAudio, _ := flags.GetBool("no-audio")
		cfg.Publish.Audio = !noAudio
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx)
}

func serve(ctx context.Context) error {
	logger := slog.Default()
	pubLogger := observability.WithComponent(logger, "publish")

	hub := publish.NewHub(cfg.Publish.ViewerBuffer, pubLogger)
	defer hub.Close()

	synthCfg := synth.Config{
		FrameRate:        cfg.Publish.FrameRate,
		FragmentDuration: cfg.Publish.FragmentDuration,
		Audio:            cfg.Publish.Audio,
		PayloadSize:      int(cfg.Publish.PayloadSize.Bytes()),
	}

	serverCfg := internalhttp.DefaultServerConfig()
	serverCfg.Host = cfg.Publish.Host
	serverCfg.Port = cfg.Publish.Port
	serverCfg.Description = "Synthetic live fMP4 publisher"

	server := internalhttp.NewServer(serverCfg, observability.WithComponent(logger, "http"), version.Version)
	publish.NewWebSocketHandler(hub, pubLogger).Register(server.Router())
	handlers.NewStreamHandler(hub).Register(server.API())
	handlers.NewHealthHandler(version.Version).
		WithCheck("streams", streamsReady(hub, len(cfg.Publish.Streams))).
		Register(server.API())

	var quicServer *publish.QUICServer
	if cfg.Publish.QUICAddr != "" {
		var err error
		if quicServer, err = startQUIC(hub, pubLogger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return publish.RunSources(gctx, hub, cfg.Publish.Streams, synthCfg, pubLogger)
	})
	g.Go(func() error { return server.ListenAndServe(gctx) })
	if quicServer != nil {
		g.Go(func() error { return quicServer.Serve(gctx) })
	}

	logger.Info("publishing",
		slog.Any("streams", cfg.Publish.Streams),
		slog.String("websocket", "ws://"+serverCfg.Address()+"/live/{stream}"),
		slog.Duration("fragment_duration", synthCfg.FragmentDuration),
		slog.Bool("audio", synthCfg.Audio),
	)

	return g.Wait()
}

func startQUIC(hub *publish.Hub, logger *slog.Logger) (*publish.QUICServer, error) {
	var hosts []string
	if host, _, err := net.SplitHostPort(cfg.Publish.QUICAddr); err == nil && host != "" {
		hosts = append(hosts, host)
	}

	cert, err := certs.Generate(cfg.Publish.CertValidity, hosts...)
	if err != nil {
		return nil, fmt.Errorf("generating quic certificate: %w", err)
	}

	srv, err := publish.ListenQUIC(cfg.Publish.QUICAddr, cert, hub, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("quic certificate generated",
		slog.String("fingerprint", cert.FingerprintBase64()),
		slog.Time("not_after", cert.NotAfter),
	)
	return srv, nil
}

// streamsReady reports ready once every configured stream has its init
// segment.
func streamsReady(hub *publish.Hub, want int) handlers.ComponentCheck {
	return func(context.Context) error {
		ready := 0
		for _, s := range hub.Stats() {
			if s.HasInit {
				ready++
			}
		}
		if ready < want {
			return errors.New("waiting for streams")
		}
		return nil
	}
}
