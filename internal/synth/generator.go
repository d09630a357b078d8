// Package synth generates a synthetic fMP4 live stream: one initialization
// segment followed by an endless run of media fragments with continuous
// timestamps. Payloads are well-formed containers around filler samples;
// they are meant for exercising transports and sinks, not decoders.
package synth

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// Track layout of generated streams.
const (
	VideoTrackID   = 1
	AudioTrackID   = 2
	VideoTimeScale = 90000
	AudioTimeScale = 48000

	aacFrameSamples = 1024
)

// Parameter sets for a 1920x1080 constrained-baseline H.264 stream
// (avc1.42E01E).
var (
	videoSPS = []byte{
		0x67, 0x42, 0xe0, 0x1e, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	videoPPS = []byte{0x08}
)

// Configuration errors.
var (
	ErrInvalidFrameRate        = errors.New("frame rate must be positive")
	ErrInvalidFragmentDuration = errors.New("fragment duration must be at least one frame")
)

// Config controls the shape of the generated stream.
type Config struct {
	// FrameRate is the video frame rate in frames per second.
	FrameRate int
	// FragmentDuration is the media duration carried by each fragment.
	FragmentDuration time.Duration
	// Audio adds an AAC-LC 48kHz stereo track.
	Audio bool
	// PayloadSize is the filler size of each video sample in bytes.
	PayloadSize int
}

// DefaultConfig returns a 25fps stream with 2s fragments and audio.
func DefaultConfig() Config {
	return Config{
		FrameRate:        25,
		FragmentDuration: 2 * time.Second,
		Audio:            true,
		PayloadSize:      512,
	}
}

// Generator produces the initialization segment and consecutive fragments.
// It is not safe for concurrent use.
type Generator struct {
	cfg  Config
	init []byte

	framesPerFragment int
	frame             uint64 // frames emitted so far
	audioTime         uint64 // audio decode time in AudioTimeScale units
	seq               uint32
}

// New creates a generator and builds its initialization segment.
func New(cfg Config) (*Generator, error) {
	if cfg.FrameRate <= 0 {
		return nil, ErrInvalidFrameRate
	}
	frames := int(cfg.FragmentDuration * time.Duration(cfg.FrameRate) / time.Second)
	if frames < 1 {
		return nil, ErrInvalidFragmentDuration
	}
	if cfg.PayloadSize < 1 {
		cfg.PayloadSize = 1
	}

	g := &Generator{
		cfg:               cfg,
		framesPerFragment: frames,
		seq:               1,
	}

	init, err := g.buildInit()
	if err != nil {
		return nil, err
	}
	g.init = init
	return g, nil
}

// Init returns the initialization segment (ftyp+moov).
func (g *Generator) Init() []byte {
	return g.init
}

// Codecs returns the codec identifiers declared by the init segment.
func (g *Generator) Codecs() []string {
	if g.cfg.Audio {
		return []string{"avc1.42E01E", "mp4a.40.2"}
	}
	return []string{"avc1.42E01E"}
}

// FragmentDuration returns the exact media duration of each fragment.
func (g *Generator) FragmentDuration() time.Duration {
	return time.Duration(g.framesPerFragment) * time.Second / time.Duration(g.cfg.FrameRate)
}

// Sequence returns the sequence number the next fragment will carry.
func (g *Generator) Sequence() uint32 {
	return g.seq
}

// Next returns the next fragment (moof+mdat). Every fragment starts with a
// sync sample.
func (g *Generator) Next() ([]byte, error) {
	videoBase := g.videoTime(g.frame)
	samples := make([]*fmp4.Sample, 0, g.framesPerFragment)
	for i := 0; i < g.framesPerFragment; i++ {
		n := g.frame + uint64(i)
		payload, err := g.videoPayload(i == 0)
		if err != nil {
			return nil, err
		}
		samples = append(samples, &fmp4.Sample{
			Duration:        uint32(g.videoTime(n+1) - g.videoTime(n)),
			IsNonSyncSample: i != 0,
			Payload:         payload,
		})
	}
	g.frame += uint64(g.framesPerFragment)

	part := &fmp4.Part{
		SequenceNumber: g.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       VideoTrackID,
			BaseTime: videoBase,
			Samples:  samples,
		}},
	}

	if g.cfg.Audio {
		// Emit whole AAC frames until audio catches up with video.
		target := g.frame * AudioTimeScale / uint64(g.cfg.FrameRate)
		audioBase := g.audioTime
		var audio []*fmp4.Sample
		for g.audioTime < target {
			audio = append(audio, &fmp4.Sample{
				Duration: aacFrameSamples,
				Payload:  []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c},
			})
			g.audioTime += aacFrameSamples
		}
		if len(audio) > 0 {
			part.Tracks = append(part.Tracks, &fmp4.PartTrack{
				ID:       AudioTrackID,
				BaseTime: audioBase,
				Samples:  audio,
			})
		}
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshal fragment %d: %w", g.seq, err)
	}
	g.seq++
	return buf.Bytes(), nil
}

// videoTime returns the decode time of frame n. Deriving it from the frame
// index keeps timestamps drift-free for rates that do not divide 90kHz.
func (g *Generator) videoTime(n uint64) uint64 {
	return n * VideoTimeScale / uint64(g.cfg.FrameRate)
}

func (g *Generator) videoPayload(idr bool) ([]byte, error) {
	nalu := make([]byte, g.cfg.PayloadSize)
	if idr {
		nalu[0] = byte(h264.NALUTypeIDR) | 0x60
	} else {
		nalu[0] = byte(h264.NALUTypeNonIDR) | 0x40
	}
	for i := 1; i < len(nalu); i++ {
		nalu[i] = 0xaa
	}

	au := [][]byte{nalu}
	if idr {
		au = [][]byte{videoSPS, videoPPS, nalu}
	}
	return h264.AVCC(au).Marshal()
}

func (g *Generator) buildInit() ([]byte, error) {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        VideoTrackID,
			TimeScale: VideoTimeScale,
			Codec: &mp4.CodecH264{
				SPS: videoSPS,
				PPS: videoPPS,
			},
		}},
	}

	if g.cfg.Audio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        AudioTrackID,
			TimeScale: AudioTimeScale,
			Codec: &mp4.CodecMPEG4Audio{
				Config: mpeg4audio.AudioSpecificConfig{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   AudioTimeScale,
					ChannelCount: 2,
				},
			},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshal init: %w", err)
	}
	return buf.Bytes(), nil
}
