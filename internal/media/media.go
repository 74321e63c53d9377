// Package media defines the units that flow through a playback session, from
// the compressed packets a source produces to the frames and samples its
// decoders hand to sinks.
package media

import (
	"time"

	"github.com/samber/mo"
	"github.com/zsiec/ccx"
)

// StreamKind identifies what an elementary stream carries.
type StreamKind int

const (
	KindVideo StreamKind = iota
	KindAudio
	KindData
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "data"
	}
}

// Codec names used by sources and decoders.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
)

// StreamInfo describes one elementary stream carried by a source.
type StreamInfo struct {
	ID    int
	Kind  StreamKind
	Codec string

	// Bitrate is the stream's own bitrate in bits per second, when known.
	Bitrate mo.Option[uint64]

	// FrameDuration is the nominal interval between video frames. Zero means
	// unknown; the session falls back to a default and measures the real
	// interval once frames arrive.
	FrameDuration time.Duration

	SampleRate int
	Channels   int
}

// SeekDirection hints which way a source should search for a sync point.
type SeekDirection int

const (
	SeekForward SeekDirection = iota
	SeekBackward
)

func (d SeekDirection) String() string {
	if d == SeekBackward {
		return "backward"
	}
	return "forward"
}

// Packet is one compressed unit read from a source. Ownership moves from the
// source to a queue to exactly one stream worker.
type Packet struct {
	Stream   int
	DTS      mo.Option[time.Duration]
	PTS      mo.Option[time.Duration]
	Keyframe bool
	Payload  []byte
}

// Size returns the payload length in bytes.
func (p *Packet) Size() int {
	return len(p.Payload)
}

// DecodeTime returns the decode timestamp, falling back to the presentation
// timestamp for sources that only stamp one.
func (p *Packet) DecodeTime() mo.Option[time.Duration] {
	if p.DTS.IsPresent() {
		return p.DTS
	}
	return p.PTS
}

// Frame is a decoded video picture ready for presentation.
type Frame struct {
	PTS      mo.Option[time.Duration]
	Keyframe bool
	Codec    string
	Width    int
	Height   int
	Data     []byte
	Captions []*ccx.CaptionFrame
}

// Samples is a block of decoded stereo PCM in [-1, 1].
type Samples struct {
	PTS        mo.Option[time.Duration]
	SampleRate int
	Channels   int
	Frames     [][2]float64
}

// Duration returns how long the block plays at its own sample rate.
func (s *Samples) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Frames)) * time.Second / time.Duration(s.SampleRate)
}

// FromMPEGTime converts a 90 kHz MPEG timestamp to a duration.
func FromMPEGTime(base int64) time.Duration {
	return time.Duration(base * 100_000 / 9)
}

// ToMPEGTime converts a duration to a 90 kHz MPEG timestamp.
func ToMPEGTime(d time.Duration) int64 {
	return int64(d) * 9 / 100_000
}
