// Package demux parses fMP4 initialization segments into the codec set a
// media sink needs to be configured with.
package demux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// Init segment errors.
var (
	ErrEmptyInit        = errors.New("empty initialization segment")
	ErrMalformedInit    = errors.New("malformed initialization segment")
	ErrNoTracks         = errors.New("initialization segment declares no tracks")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Kind is the media type of a track.
type Kind string

// Track kinds.
const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Track describes one track declared by the initialization segment.
type Track struct {
	ID        int    `json:"id"`
	Kind      Kind   `json:"kind"`
	TimeScale uint32 `json:"timescale"`
	// Codec is the RFC 6381 codec identifier, e.g. "avc1.42E01E".
	Codec string `json:"codec"`

	Width      int `json:"width,omitempty"`
	Height     int `json:"height,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`
}

// InitInfo is the result of parsing an initialization segment.
type InitInfo struct {
	Tracks []Track `json:"tracks"`
}

// Codecs returns the codec identifiers in track order.
func (i *InitInfo) Codecs() []string {
	codecs := make([]string, 0, len(i.Tracks))
	for _, t := range i.Tracks {
		codecs = append(codecs, t.Codec)
	}
	return codecs
}

// MIMEType returns the container MIME type with a codecs parameter, e.g.
// `video/mp4; codecs="avc1.42E01E, mp4a.40.2"`. Audio-only streams use
// audio/mp4.
func (i *InitInfo) MIMEType() string {
	container := "audio/mp4"
	for _, t := range i.Tracks {
		if t.Kind == KindVideo {
			container = "video/mp4"
			break
		}
	}
	return fmt.Sprintf("%s; codecs=%q", container, strings.Join(i.Codecs(), ", "))
}

// Track returns the track with the given ID.
func (i *InitInfo) Track(id int) (Track, bool) {
	for _, t := range i.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Demuxer parses fMP4 initialization segments.
type Demuxer struct {
	logger *slog.Logger
}

// New creates a demuxer. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{logger: logger}
}

// ParseInit parses an initialization segment (ftyp+moov) and returns the
// declared tracks with their codec identifiers.
func (d *Demuxer) ParseInit(data []byte) (*InitInfo, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInit
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInit, err)
	}
	if len(init.Tracks) == 0 {
		return nil, ErrNoTracks
	}

	info := &InitInfo{Tracks: make([]Track, 0, len(init.Tracks))}
	for _, it := range init.Tracks {
		track, err := describeTrack(it)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", it.ID, err)
		}
		info.Tracks = append(info.Tracks, track)

		d.logger.Debug("demuxed init track",
			slog.Int("track_id", track.ID),
			slog.String("kind", string(track.Kind)),
			slog.String("codec", track.Codec),
			slog.Uint64("timescale", uint64(track.TimeScale)),
		)
	}

	return info, nil
}
