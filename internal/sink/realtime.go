package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/notify"
)

// DefaultRealtimeBuffer is the output buffer a Realtime sink emulates.
const DefaultRealtimeBuffer = 100 * time.Millisecond

// Realtime is an audio sink that discards samples but consumes them at the
// speed a device would, so writes block and the reported latency drains
// with the wall clock.
type Realtime struct {
	capacity time.Duration

	mu      sync.Mutex
	until   time.Time     // wall time at which buffered audio finishes
	held    time.Duration // buffered wall time while paused
	paused  bool
	rate    float64
	volume  float64
	written int64
	changed notify.Cond
}

// NewRealtime returns a sink that buffers up to capacity of wall time.
func NewRealtime(capacity time.Duration) *Realtime {
	if capacity <= 0 {
		capacity = DefaultRealtimeBuffer
	}
	return &Realtime{capacity: capacity, rate: 1, volume: 1}
}

// Write buffers s, blocking while the buffer is full.
func (r *Realtime) Write(ctx context.Context, s *media.Samples) error {
	for {
		r.mu.Lock()
		now := time.Now()
		left := r.leftLocked(now)
		if left < r.capacity {
			add := time.Duration(float64(s.Duration()) / r.rate)
			r.setLeftLocked(now, left+add)
			r.written += int64(len(s.Frames))
			r.mu.Unlock()
			return nil
		}
		wake := r.changed.Wait()
		paused := r.paused
		r.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !paused {
			timer = time.NewTimer(left - r.capacity + time.Millisecond)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// OutputLatency returns the buffered audio in media time.
func (r *Realtime) OutputLatency() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(float64(r.leftLocked(time.Now())) * r.rate)
}

// Flush drops buffered audio.
func (r *Realtime) Flush() {
	r.mu.Lock()
	r.setLeftLocked(time.Now(), 0)
	r.mu.Unlock()
	r.changed.Broadcast()
}

// SetRate changes the playback rate. Buffered media time is preserved.
func (r *Realtime) SetRate(rate float64) error {
	if rate <= 0 {
		return errors.New("sink: rate must be positive")
	}
	r.mu.Lock()
	now := time.Now()
	buffered := float64(r.leftLocked(now)) * r.rate
	r.rate = rate
	r.setLeftLocked(now, time.Duration(buffered/rate))
	r.mu.Unlock()
	r.changed.Broadcast()
	return nil
}

// SetVolume records the level; there is nothing to attenuate.
func (r *Realtime) SetVolume(level float64) error {
	r.mu.Lock()
	r.volume = level
	r.mu.Unlock()
	return nil
}

// SetPaused freezes or resumes consumption.
func (r *Realtime) SetPaused(paused bool) {
	r.mu.Lock()
	now := time.Now()
	left := r.leftLocked(now)
	r.paused = paused
	r.setLeftLocked(now, left)
	r.mu.Unlock()
	r.changed.Broadcast()
}

// Written returns the number of sample frames accepted.
func (r *Realtime) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Volume returns the last level set.
func (r *Realtime) Volume() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volume
}

func (r *Realtime) leftLocked(now time.Time) time.Duration {
	if r.paused {
		return r.held
	}
	return max(r.until.Sub(now), 0)
}

func (r *Realtime) setLeftLocked(now time.Time, left time.Duration) {
	if r.paused {
		r.held = left
		return
	}
	r.until = now.Add(left)
}
