package synth

import (
	"bytes"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"zero frame rate", Config{FrameRate: 0, FragmentDuration: time.Second}, ErrInvalidFrameRate},
		{"fragment shorter than a frame", Config{FrameRate: 25, FragmentDuration: time.Millisecond}, ErrInvalidFragmentDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGenerator_Init(t *testing.T) {
	g, err := New(DefaultConfig())
	require.NoError(t, err)

	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(g.Init())))
	require.Len(t, init.Tracks, 2)

	assert.Equal(t, VideoTrackID, init.Tracks[0].ID)
	assert.Equal(t, uint32(VideoTimeScale), init.Tracks[0].TimeScale)
	_, ok := init.Tracks[0].Codec.(*mp4.CodecH264)
	assert.True(t, ok)

	assert.Equal(t, AudioTrackID, init.Tracks[1].ID)
	_, ok = init.Tracks[1].Codec.(*mp4.CodecMPEG4Audio)
	assert.True(t, ok)

	assert.Equal(t, []string{"avc1.42E01E", "mp4a.40.2"}, g.Codecs())
}

func TestGenerator_VideoOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio = false
	g, err := New(cfg)
	require.NoError(t, err)

	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(g.Init())))
	assert.Len(t, init.Tracks, 1)
	assert.Equal(t, []string{"avc1.42E01E"}, g.Codecs())

	frag, err := g.Next()
	require.NoError(t, err)

	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(frag))
	require.Len(t, parts, 1)
	assert.Len(t, parts[0].Tracks, 1)
}

func TestGenerator_ContinuousTimestamps(t *testing.T) {
	cfg := Config{FrameRate: 30, FragmentDuration: time.Second, Audio: true, PayloadSize: 64}
	g, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, g.FragmentDuration())

	var nextVideo, nextAudio uint64
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint32(i+1), g.Sequence())

		frag, err := g.Next()
		require.NoError(t, err)

		var parts fmp4.Parts
		require.NoError(t, parts.Unmarshal(frag))
		require.Len(t, parts, 1)
		assert.Equal(t, uint32(i+1), parts[0].SequenceNumber)

		for _, track := range parts[0].Tracks {
			var dur uint64
			for _, s := range track.Samples {
				dur += uint64(s.Duration)
			}
			switch track.ID {
			case VideoTrackID:
				assert.Equal(t, nextVideo, track.BaseTime, "fragment %d", i)
				assert.Len(t, track.Samples, 30)
				assert.False(t, track.Samples[0].IsNonSyncSample)
				assert.True(t, track.Samples[1].IsNonSyncSample)
				assert.Equal(t, uint64(VideoTimeScale), dur)
				nextVideo += dur
			case AudioTrackID:
				assert.Equal(t, nextAudio, track.BaseTime, "fragment %d", i)
				nextAudio += dur
			default:
				t.Fatalf("unexpected track %d", track.ID)
			}
		}

		// Audio never lags video by a whole frame.
		assert.GreaterOrEqual(t, nextAudio*VideoTimeScale, nextVideo*AudioTimeScale)
	}
}
