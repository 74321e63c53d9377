// Package clock provides the presentation clock a session paces video
// against, and the pacing arithmetic that keeps video on it.
package clock

import (
	"sync/atomic"
	"time"
)

// Source reports the current presentation position.
type Source interface {
	Now() time.Duration
}

// Timestamp is a presentation timestamp written by one stream worker and read
// by any goroutine.
type Timestamp struct {
	v atomic.Int64
}

// Store sets the timestamp.
func (t *Timestamp) Store(d time.Duration) {
	t.v.Store(int64(d))
}

// Load returns the timestamp.
func (t *Timestamp) Load() time.Duration {
	return time.Duration(t.v.Load())
}

// LatencyReporter reports how much written audio has not been heard yet.
type LatencyReporter interface {
	OutputLatency() time.Duration
}

// AudioClock follows the audio worker: the end of the written samples minus
// what is still buffered in the output.
type AudioClock struct {
	written *Timestamp
	sink    LatencyReporter
}

// NewAudio returns a clock derived from the audio worker's written position.
func NewAudio(written *Timestamp, sink LatencyReporter) *AudioClock {
	return &AudioClock{written: written, sink: sink}
}

// Now returns the audible position, never negative.
func (c *AudioClock) Now() time.Duration {
	return max(c.written.Load()-c.sink.OutputLatency(), 0)
}

// VideoClock follows the last presented video frame. It is used when a
// session has no audio.
type VideoClock struct {
	presented *Timestamp
}

// NewVideo returns a clock that reports the video worker's timestamp.
func NewVideo(presented *Timestamp) *VideoClock {
	return &VideoClock{presented: presented}
}

func (c *VideoClock) Now() time.Duration {
	return c.presented.Load()
}
