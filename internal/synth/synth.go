// Package synth writes synthetic MPEG transport streams: H.264-shaped access
// units at a fixed frame rate, optional ADTS audio, and optional CEA-608
// captions carried in SEI. The payloads are not decodable pictures but have
// real stream structure, so everything up to the decoder behaves as it would
// with camera output.
package synth

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/mpegts"
)

// PIDs of the generated program.
const (
	PMTPID   = 0x1000
	VideoPID = 0x100
	AudioPID = 0x101
)

// StartPTS is the 90 kHz timestamp of the first frame. Real encoders rarely
// start at zero.
const StartPTS = 126000

// Config controls the generated stream.
type Config struct {
	Duration   time.Duration
	FrameRate  int // frames per second, default 25
	GOP        int // frames per keyframe interval, default FrameRate
	FrameBytes int // slice payload bytes, default 1500
	Audio      bool
	SampleRate int // default 48000
	Channels   int // default 2
	Captions   string
}

// Summary describes what Write produced.
type Summary struct {
	VideoFrames int
	AudioFrames int
	Bytes       int64
	Duration    time.Duration
}

// SPS is the 1280x720 High profile sequence parameter set written ahead of
// every keyframe.
var SPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var pps = []byte{0x68, 0xee, 0x3c, 0x80}

func (c *Config) defaults() error {
	if c.Duration <= 0 {
		return errors.New("synth: duration must be positive")
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 25
	}
	if c.GOP <= 0 {
		c.GOP = c.FrameRate
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = 1500
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	return nil
}

// FrameDuration returns the interval between video frames.
func (c Config) FrameDuration() time.Duration {
	return time.Second / time.Duration(max(c.FrameRate, 1))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Write generates a stream described by cfg into w.
func Write(w io.Writer, cfg Config) (Summary, error) {
	if err := cfg.defaults(); err != nil {
		return Summary{}, err
	}

	cw := &countingWriter{w: w}
	streams := []mpegts.WriterStream{{PID: VideoPID, StreamType: mpegts.StreamTypeH264}}
	if cfg.Audio {
		streams = append(streams, mpegts.WriterStream{PID: AudioPID, StreamType: mpegts.StreamTypeAAC})
	}
	mux, err := mpegts.NewWriter(cw, PMTPID, streams...)
	if err != nil {
		return Summary{}, err
	}

	videoFrames := int(cfg.Duration / cfg.FrameDuration())
	audioTick := int64(demux.SamplesPerFrame) * 90000 / int64(cfg.SampleRate)
	audioFrames := 0
	if cfg.Audio {
		audioFrames = int(int64(cfg.Duration) * int64(cfg.SampleRate) / int64(time.Second) / demux.SamplesPerFrame)
	}
	captions := captionPairs(cfg.Captions)

	var sum Summary
	v, a := 0, 0
	for v < videoFrames || a < audioFrames {
		vpts := int64(StartPTS) + int64(v)*90000/int64(cfg.FrameRate)
		apts := int64(StartPTS) + int64(a)*audioTick
		if v < videoFrames && (a >= audioFrames || vpts <= apts) {
			key := v%cfg.GOP == 0
			if key {
				if err := mux.WriteTables(); err != nil {
					return sum, err
				}
			}
			var cc []ccPair
			if v < len(captions) {
				cc = captions[v : v+1]
			}
			au := accessUnit(v, key, cfg.FrameBytes, cc)
			if err := mux.WritePES(VideoPID, mpegts.StreamIDVideo, vpts, -1, au, key); err != nil {
				return sum, err
			}
			v++
			continue
		}

		frame, err := demux.AppendADTS(nil, cfg.SampleRate, cfg.Channels, silentPayload(cfg.Channels))
		if err != nil {
			return sum, fmt.Errorf("synth: %w", err)
		}
		if err := mux.WritePES(AudioPID, mpegts.StreamIDAudio, apts, -1, frame, false); err != nil {
			return sum, err
		}
		a++
	}

	sum.VideoFrames = v
	sum.AudioFrames = a
	sum.Bytes = cw.n
	sum.Duration = time.Duration(v) * cfg.FrameDuration()
	return sum, nil
}

// accessUnit builds an Annex B access unit: AUD, parameter sets on
// keyframes, an optional caption SEI, and one slice.
func accessUnit(n int, key bool, size int, cc []ccPair) []byte {
	nalus := [][]byte{{0x09, 0xf0}}
	if key {
		nalus = append(nalus, SPS, pps)
	}
	if len(cc) > 0 {
		nalus = append(nalus, captionSEI(cc))
	}

	slice := make([]byte, size)
	slice[0] = 0x41 // nal_ref_idc 2, non-IDR slice
	if key {
		slice[0] = 0x65
	}
	for i := 1; i < size; i++ {
		// Never zero, so no start code emulation.
		slice[i] = byte((n+i)%251) + 1
	}
	nalus = append(nalus, slice)
	return demux.AppendAnnexB(nil, nalus...)
}

// silentPayload stands in for an AAC raw data block.
func silentPayload(channels int) []byte {
	if channels == 1 {
		return []byte{0x01, 0x40, 0x20, 0x07}
	}
	return []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
}
