package playback

import (
	"context"
	"image"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/media"
)

// Source produces compressed packets. ReadPacket returns io.EOF at the end of
// the stream; any other error is treated as transient and retried.
type Source interface {
	ReadPacket(ctx context.Context) (*media.Packet, error)
	Seek(ctx context.Context, to time.Duration, dir media.SeekDirection) error
	Seekable() bool
	BitrateHint() mo.Option[uint64]
	Streams() []media.StreamInfo
	Length() mo.Option[time.Duration]
	Close() error
}

// VideoDecoder turns packets into frames. A nil frame with a nil error means
// the packet produced nothing to present. Flush discards decoder state after
// a seek. Decoders are only ever called from one goroutine.
type VideoDecoder interface {
	Decode(p *media.Packet) (*media.Frame, error)
	Flush()
}

// AudioDecoder turns packets into PCM samples.
type AudioDecoder interface {
	Decode(p *media.Packet) (*media.Samples, error)
	Flush()
}

// VideoSink displays frames into a destination rectangle.
type VideoSink interface {
	Present(f *media.Frame, dst image.Rectangle) error
}

// AudioSink plays samples. Write blocks while the output is full and returns
// when ctx ends. The control methods may be called from any goroutine while
// a Write is in progress.
type AudioSink interface {
	Write(ctx context.Context, s *media.Samples) error
	OutputLatency() time.Duration
	Flush()
	SetRate(rate float64) error
	SetVolume(level float64) error
}

// Pauser is implemented by audio sinks that can hold output while the
// session speed is zero.
type Pauser interface {
	SetPaused(paused bool)
}

// FrameFunc is called on the video worker after each presented frame. It
// must not call Stop or Close.
type FrameFunc func(f *media.Frame)
