package decode

import (
	"errors"
	"fmt"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/media"
)

// ErrNoFrames is returned for an audio packet without ADTS frames.
var ErrNoFrames = errors.New("decode: packet has no ADTS frames")

// SilentAAC turns ADTS packets into silence of the same duration, so the
// audio clock advances exactly as it would with real decoded sound.
type SilentAAC struct {
	sampleRate int
	channels   int
}

// NewSilentAAC returns a decoder for info. Its sample rate and channel
// count are used until the first ADTS header says otherwise.
func NewSilentAAC(info media.StreamInfo) (*SilentAAC, error) {
	if info.Codec != media.CodecAAC {
		return nil, fmt.Errorf("decode: unsupported audio codec %q", info.Codec)
	}
	return &SilentAAC{sampleRate: info.SampleRate, channels: info.Channels}, nil
}

// Decode returns silence covering every ADTS frame in p.
func (d *SilentAAC) Decode(p *media.Packet) (*media.Samples, error) {
	frames, err := demux.ParseADTS(p.Payload)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	d.sampleRate, d.channels = frames[0].SampleRate, frames[0].Channels
	return &media.Samples{
		PTS:        p.PTS,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Frames:     make([][2]float64, len(frames)*demux.SamplesPerFrame),
	}, nil
}

// Flush is a no-op; AAC frames decode independently.
func (d *SilentAAC) Flush() {}
