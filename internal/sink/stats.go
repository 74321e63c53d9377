// Package sink provides output endpoints for playback sessions that need no
// display or audio device: a counting video sink and a wall-clock audio
// sink. Device and network sinks live in the speaker and monitor
// subpackages.
package sink

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/media"
)

// Stats is a video sink that counts what it is shown and logs captions.
type Stats struct {
	log *slog.Logger

	mu        sync.Mutex
	frames    int64
	keyframes int64
	captions  int64
	bytes     int64
	first     mo.Option[time.Duration]
	last      mo.Option[time.Duration]
	size      image.Point
}

// Snapshot is a copy of the counters kept by Stats.
type Snapshot struct {
	Frames    int64
	Keyframes int64
	Captions  int64
	Bytes     int64
	FirstPTS  mo.Option[time.Duration]
	LastPTS   mo.Option[time.Duration]
	Size      image.Point
}

// NewStats returns an empty counting sink.
func NewStats(log *slog.Logger) *Stats {
	if log == nil {
		log = slog.Default()
	}
	return &Stats{log: log.With("component", "sink", "sink", "stats")}
}

// Present records f. It never fails.
func (s *Stats) Present(f *media.Frame, dst image.Rectangle) error {
	s.mu.Lock()
	s.frames++
	s.bytes += int64(len(f.Data))
	if f.Keyframe {
		s.keyframes++
	}
	if pts, ok := f.PTS.Get(); ok {
		if s.first.IsAbsent() {
			s.first = mo.Some(pts)
		}
		s.last = mo.Some(pts)
	}
	s.size = dst.Size()
	s.captions += int64(len(f.Captions))
	s.mu.Unlock()

	for _, c := range f.Captions {
		s.log.Info("caption", "channel", c.Channel, "text", c.Text)
	}
	return nil
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Frames:    s.frames,
		Keyframes: s.keyframes,
		Captions:  s.captions,
		Bytes:     s.bytes,
		FirstPTS:  s.first,
		LastPTS:   s.last,
		Size:      s.size,
	}
}
