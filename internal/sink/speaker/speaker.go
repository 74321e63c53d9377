// Package speaker plays session audio on the system output device through
// beep. Samples written by the audio worker are buffered at their own rate
// and pulled through a resampler (speed and rate conversion), a volume
// stage and a pause control.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/notify"
)

const (
	DefaultSampleRate = beep.SampleRate(48000)
	DefaultBuffer     = 200 * time.Millisecond
	DefaultQuality    = 4
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("speaker: closed")

// Output is the device a Sink plays on. Stream is called with the output
// lock held.
type Output interface {
	Play(s ...beep.Streamer)
	Lock()
	Unlock()
}

type systemOutput struct{}

func (systemOutput) Play(s ...beep.Streamer) { speaker.Play(s...) }
func (systemOutput) Lock()                   { speaker.Lock() }
func (systemOutput) Unlock()                 { speaker.Unlock() }

// Config configures a Sink.
type Config struct {
	// SampleRate is the device rate. Samples at other rates are resampled.
	SampleRate beep.SampleRate
	// Buffer is how much audio, in wall time, Write queues before blocking.
	Buffer time.Duration
	// Quality is the resampler quality, 1 to 64.
	Quality int
	Logger  *slog.Logger
}

func (c *Config) defaults() error {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.Quality == 0 {
		c.Quality = DefaultQuality
	}
	if c.Quality < 1 || c.Quality > 64 {
		return fmt.Errorf("speaker: quality %d out of range [1, 64]", c.Quality)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Sink is an audio sink backed by a beep Output.
type Sink struct {
	log         *slog.Logger
	out         Output
	deviceRate  beep.SampleRate
	capacity    time.Duration
	closeDevice func()

	// Owned by the output; touched only under out.Lock.
	ctrl      *beep.Ctrl
	volume    *effects.Volume
	resampler *beep.Resampler

	mu      sync.Mutex
	pending [][2]float64 // not yet pulled, at srcRate
	srcRate beep.SampleRate
	rate    float64
	played  int64
	closed  bool
	changed notify.Cond
}

// Open initializes the system speaker and returns a Sink playing on it.
// Only one Sink may be open at a time.
func Open(cfg Config) (*Sink, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	if err := speaker.Init(cfg.SampleRate, cfg.SampleRate.N(cfg.Buffer/4)); err != nil {
		return nil, fmt.Errorf("speaker: init: %w", err)
	}
	s, err := New(systemOutput{}, cfg)
	if err != nil {
		speaker.Close()
		return nil, err
	}
	s.closeDevice = speaker.Close
	return s, nil
}

// New returns a Sink playing on out.
func New(out Output, cfg Config) (*Sink, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	s := &Sink{
		log:        cfg.Logger.With("component", "sink", "sink", "speaker"),
		out:        out,
		deviceRate: cfg.SampleRate,
		capacity:   cfg.Buffer,
		srcRate:    cfg.SampleRate,
		rate:       1,
	}
	s.resampler = beep.ResampleRatio(cfg.Quality, 1, feed{s})
	s.volume = &effects.Volume{Streamer: s.resampler, Base: 2}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}
	out.Play(s.ctrl)
	return s, nil
}

// feed is the head of the output chain. It plays silence when the buffer
// runs dry so the device keeps running across underruns.
type feed struct{ s *Sink }

func (f feed) Stream(samples [][2]float64) (int, bool) {
	s := f.s
	s.mu.Lock()
	n := copy(samples, s.pending)
	s.pending = s.pending[n:]
	s.played += int64(n)
	s.mu.Unlock()

	clear(samples[n:])
	if n > 0 {
		s.changed.Broadcast()
	}
	return len(samples), true
}

func (f feed) Err() error { return nil }

// Write queues s, blocking while more than the configured buffer is
// waiting to play.
func (s *Sink) Write(ctx context.Context, smp *media.Samples) error {
	rate := beep.SampleRate(smp.SampleRate)
	if rate <= 0 {
		return fmt.Errorf("speaker: invalid sample rate %d", smp.SampleRate)
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if rate != s.srcRate {
			s.srcRate = rate
			s.mu.Unlock()
			s.applyRatio()
			continue
		}
		if s.bufferedLocked() < s.capacity {
			s.pending = append(s.pending, smp.Frames...)
			s.mu.Unlock()
			return nil
		}
		wake := s.changed.Wait()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// bufferedLocked returns the wall time the pending samples take to play.
func (s *Sink) bufferedLocked() time.Duration {
	return time.Duration(float64(s.srcRate.D(len(s.pending))) / s.rate)
}

// OutputLatency returns the media time queued ahead of the device.
func (s *Sink) OutputLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srcRate.D(len(s.pending))
}

// Flush drops queued audio.
func (s *Sink) Flush() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.changed.Broadcast()
}

// SetRate plays media faster or slower than real time.
func (s *Sink) SetRate(rate float64) error {
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return fmt.Errorf("speaker: invalid rate %v", rate)
	}
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
	s.applyRatio()
	s.changed.Broadcast()
	return nil
}

func (s *Sink) applyRatio() {
	s.mu.Lock()
	ratio := float64(s.srcRate) / float64(s.deviceRate) * s.rate
	s.mu.Unlock()

	s.out.Lock()
	s.resampler.SetRatio(ratio)
	s.out.Unlock()
}

// SetVolume sets a linear gain in [0, 1]; 0 mutes.
func (s *Sink) SetVolume(level float64) error {
	if level < 0 || level > 1 || math.IsNaN(level) {
		return fmt.Errorf("speaker: volume %v out of range [0, 1]", level)
	}
	s.out.Lock()
	s.volume.Silent = level == 0
	if level > 0 {
		s.volume.Volume = math.Log2(level)
	}
	s.out.Unlock()
	return nil
}

// SetPaused holds output without dropping what is queued.
func (s *Sink) SetPaused(paused bool) {
	s.out.Lock()
	s.ctrl.Paused = paused
	s.out.Unlock()
}

// Played returns the number of sample frames pulled by the device.
func (s *Sink) Played() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

// Close stops playback and releases the device if Open acquired it.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.changed.Broadcast()

	s.out.Lock()
	s.ctrl.Streamer = nil
	s.out.Unlock()
	if s.closeDevice != nil {
		s.closeDevice()
	}
	s.log.Debug("speaker closed")
	return nil
}
