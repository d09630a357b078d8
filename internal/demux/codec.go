package demux

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// describeTrack maps a mediacommon init track to a Track with its RFC 6381
// codec identifier.
func describeTrack(it *fmp4.InitTrack) (Track, error) {
	track := Track{
		ID:        it.ID,
		TimeScale: it.TimeScale,
	}

	switch codec := it.Codec.(type) {
	case *mp4.CodecH264:
		track.Kind = KindVideo
		str, err := h264CodecString(codec.SPS)
		if err != nil {
			return Track{}, err
		}
		track.Codec = str

		var sps h264.SPS
		if err := sps.Unmarshal(codec.SPS); err == nil {
			track.Width = sps.Width()
			track.Height = sps.Height()
		}

	case *mp4.CodecH265:
		track.Kind = KindVideo
		str, err := h265CodecString(codec.SPS)
		if err != nil {
			return Track{}, err
		}
		track.Codec = str

	case *mp4.CodecAV1:
		track.Kind = KindVideo
		str, err := av1CodecString(codec.SequenceHeader)
		if err != nil {
			return Track{}, err
		}
		track.Codec = str

	case *mp4.CodecVP9:
		track.Kind = KindVideo
		track.Width = int(codec.Width)
		track.Height = int(codec.Height)
		depth := int(codec.BitDepth)
		if depth == 0 {
			depth = 8
		}
		track.Codec = fmt.Sprintf("vp09.%02d.%02d.%02d",
			int(codec.Profile), vp9Level(track.Width*track.Height), depth)

	case *mp4.CodecMPEG4Audio:
		track.Kind = KindAudio
		track.Codec = fmt.Sprintf("mp4a.40.%d", int(codec.Config.Type))
		track.SampleRate = int(codec.Config.SampleRate)
		track.Channels = int(codec.Config.ChannelCount)

	case *mp4.CodecOpus:
		track.Kind = KindAudio
		track.Codec = "opus"
		track.SampleRate = 48000
		track.Channels = int(codec.ChannelCount)

	case *mp4.CodecAC3:
		track.Kind = KindAudio
		track.Codec = "ac-3"
		track.SampleRate = int(codec.SampleRate)
		track.Channels = int(codec.ChannelCount)

	case *mp4.CodecMPEG1Audio:
		track.Kind = KindAudio
		track.Codec = "mp4a.6B"

	default:
		return Track{}, fmt.Errorf("%w: %T", ErrUnsupportedCodec, it.Codec)
	}

	return track, nil
}

// h264CodecString builds avc1.PPCCLL from profile_idc, the constraint flags
// and level_idc, which are the three bytes after the NAL header.
func h264CodecString(sps []byte) (string, error) {
	if len(sps) < 4 {
		return "", fmt.Errorf("%w: h264 sps too short", ErrMalformedInit)
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3]), nil
}

// h265CodecString builds hvc1.[space]profile.compat.tierlevel.constraints
// from the profile_tier_level at the start of the SPS.
func h265CodecString(sps []byte) (string, error) {
	if len(sps) < 2 {
		return "", fmt.Errorf("%w: h265 sps too short", ErrMalformedInit)
	}

	rbsp := h264.EmulationPreventionRemove(sps[2:])
	// sps_video_parameter_set_id, max_sub_layers_minus1, temporal_id_nesting
	// share the first byte; general_profile_tier_level follows.
	if len(rbsp) < 13 {
		return "", fmt.Errorf("%w: h265 sps too short", ErrMalformedInit)
	}
	ptl := rbsp[1:13]

	space := ptl[0] >> 6
	tier := (ptl[0] >> 5) & 0x01
	profile := ptl[0] & 0x1f
	compat := bits.Reverse32(binary.BigEndian.Uint32(ptl[1:5]))
	constraints := ptl[5:11]
	level := ptl[11]

	var b strings.Builder
	b.WriteString("hvc1.")
	if space > 0 {
		b.WriteByte('A' + space - 1)
	}
	fmt.Fprintf(&b, "%d.%X.", profile, compat)
	if tier == 1 {
		b.WriteByte('H')
	} else {
		b.WriteByte('L')
	}
	fmt.Fprintf(&b, "%d", level)

	last := len(constraints)
	for last > 0 && constraints[last-1] == 0 {
		last--
	}
	for _, c := range constraints[:last] {
		fmt.Fprintf(&b, ".%X", c)
	}

	return b.String(), nil
}

// av1CodecString builds av01.P.LLT.DD from the sequence header OBU. Level and
// tier are read from the first operating point; headers that carry timing
// info report level 0 main tier.
func av1CodecString(seqHeader []byte) (string, error) {
	if len(seqHeader) == 0 {
		return "", fmt.Errorf("%w: empty av1 sequence header", ErrMalformedInit)
	}

	payload := seqHeader
	if obuType := (payload[0] >> 3) & 0x0f; obuType == 1 {
		hasExt := payload[0]&0x04 != 0
		hasSize := payload[0]&0x02 != 0
		payload = payload[1:]
		if hasExt {
			if len(payload) == 0 {
				return "", fmt.Errorf("%w: truncated av1 obu header", ErrMalformedInit)
			}
			payload = payload[1:]
		}
		if hasSize {
			for len(payload) > 0 {
				more := payload[0]&0x80 != 0
				payload = payload[1:]
				if !more {
					break
				}
			}
		}
	}

	r := bitReader{buf: payload}
	profile := r.read(3)
	r.read(1) // still_picture
	reduced := r.read(1) == 1

	var level, tier uint32
	if reduced {
		level = r.read(5)
	} else if r.read(1) == 0 { // timing_info_present_flag
		r.read(1)  // initial_display_delay_present_flag
		r.read(5)  // operating_points_cnt_minus_1
		r.read(12) // operating_point_idc[0]
		level = r.read(5)
		if level > 7 {
			tier = r.read(1)
		}
	}
	if r.overrun {
		return "", fmt.Errorf("%w: truncated av1 sequence header", ErrMalformedInit)
	}

	tierChar := 'M'
	if tier == 1 {
		tierChar = 'H'
	}
	depth := 8
	if profile == 2 {
		depth = 10
	}
	return fmt.Sprintf("av01.%d.%02d%c.%02d", profile, level, tierChar, depth), nil
}

// vp9Level picks the lowest VP9 level whose picture size limit fits.
func vp9Level(pixels int) int {
	levels := []struct {
		maxPixels int
		level     int
	}{
		{36864, 10},
		{73728, 11},
		{122880, 20},
		{245760, 21},
		{552960, 30},
		{983040, 31},
		{2228224, 40},
		{8912896, 50},
		{35651584, 60},
	}
	for _, l := range levels {
		if pixels <= l.maxPixels {
			return l.level
		}
	}
	return 62
}

type bitReader struct {
	buf     []byte
	pos     int
	overrun bool
}

func (r *bitReader) read(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.pos / 8
		if byteIdx >= len(r.buf) {
			r.overrun = true
			return 0
		}
		bit := (r.buf[byteIdx] >> (7 - uint(r.pos%8))) & 0x01
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v
}
