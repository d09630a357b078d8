package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/liveedge/internal/synth"
)

// Source paces a synthetic generator into a stream in real time: one
// fragment per fragment duration.
type Source struct {
	stream *Stream
	gen    *synth.Generator
	logger *slog.Logger
}

// NewSource binds a generator to a stream.
func NewSource(stream *Stream, gen *synth.Generator, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		stream: stream,
		gen:    gen,
		logger: logger.With(slog.String("stream", stream.Name())),
	}
}

// Run publishes until ctx is cancelled. The stream is closed on return.
func (s *Source) Run(ctx context.Context) error {
	defer s.stream.Close()

	s.stream.SetInit(s.gen.Init())
	s.logger.Info("source started",
		slog.Any("codecs", s.gen.Codecs()),
		slog.Duration("fragment_duration", s.gen.FragmentDuration()),
	)

	ticker := time.NewTicker(s.gen.FragmentDuration())
	defer ticker.Stop()

	for {
		frag, err := s.gen.Next()
		if err != nil {
			return fmt.Errorf("generate fragment for %s: %w", s.stream.Name(), err)
		}
		s.stream.Publish(frag)

		select {
		case <-ctx.Done():
			s.logger.Info("source stopped", slog.Uint64("fragments", uint64(s.gen.Sequence()-1)))
			return nil
		case <-ticker.C:
		}
	}
}

// RunSources creates one stream per name on the hub and paces a fresh
// generator into each until ctx is cancelled or one of them fails.
func RunSources(ctx context.Context, hub *Hub, names []string, cfg synth.Config, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		gen, err := synth.New(cfg)
		if err != nil {
			return fmt.Errorf("stream %s: %w", name, err)
		}
		stream, err := hub.Create(name)
		if err != nil {
			return fmt.Errorf("stream %s: %w", name, err)
		}
		src := NewSource(stream, gen, logger)
		g.Go(func() error { return src.Run(ctx) })
	}
	return g.Wait()
}
