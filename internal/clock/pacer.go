package clock

import (
	"time"

	"github.com/samber/lo"
)

// Pacing defaults. Drift smaller than the gap threshold is corrected by at
// most the tolerance per frame; larger drift is applied in full.
const (
	DefaultGapThreshold  = 250 * time.Millisecond
	DefaultGapTolerance  = 15 * time.Millisecond
	DefaultFrameDuration = 40 * time.Millisecond

	// measureAfter is the number of frames observed before the measured
	// interval replaces the nominal one.
	measureAfter = 8
)

// ClampDelay limits small drift corrections to ±tolerance. Delays at or
// beyond ±threshold pass through unchanged.
func ClampDelay(delay, threshold, tolerance time.Duration) time.Duration {
	if delay > -threshold && delay < threshold {
		return lo.Clamp(delay, -tolerance, tolerance)
	}
	return delay
}

// Plan is the pacing decision taken after a frame is presented: wait before
// the next frame, or drop frames to catch up.
type Plan struct {
	Wait time.Duration
	Drop int
}

// Pacer computes per-frame waits for a video stream.
type Pacer struct {
	nominal   time.Duration
	threshold time.Duration
	tolerance time.Duration

	duration time.Duration
	first    time.Duration
	frames   int
}

// NewPacer returns a pacer that starts from the nominal frame interval.
// Zero arguments select the package defaults.
func NewPacer(nominal, threshold, tolerance time.Duration) *Pacer {
	if nominal <= 0 {
		nominal = DefaultFrameDuration
	}
	if threshold <= 0 {
		threshold = DefaultGapThreshold
	}
	if tolerance <= 0 {
		tolerance = DefaultGapTolerance
	}
	return &Pacer{
		nominal:   nominal,
		threshold: threshold,
		tolerance: tolerance,
		duration:  nominal,
	}
}

// Nominal returns the configured frame interval.
func (p *Pacer) Nominal() time.Duration {
	return p.nominal
}

// Duration returns the frame interval in use.
func (p *Pacer) Duration() time.Duration {
	return p.duration
}

// Observe records a frame timestamp. Once enough frames have been seen the
// interval becomes their measured average.
func (p *Pacer) Observe(pts time.Duration) {
	if p.frames == 0 {
		p.first = pts
	}
	p.frames++
	if p.frames <= measureAfter {
		return
	}
	if avg := (pts - p.first) / time.Duration(p.frames-1); avg > 0 {
		p.duration = avg
	}
}

// Reset forgets measurements. Called after a seek.
func (p *Pacer) Reset() {
	p.frames = 0
	p.first = 0
	p.duration = p.nominal
}

// Plan decides how long to wait after presenting the frame at pts when the
// clock reads now. speed must be positive.
func (p *Pacer) Plan(pts, now time.Duration, speed float64) Plan {
	if speed <= 0 {
		return Plan{}
	}
	interval := time.Duration(float64(p.duration) / speed)
	delay := ClampDelay(pts-now, p.threshold, p.tolerance)
	wait := interval + delay
	if wait > 0 {
		return Plan{Wait: wait}
	}
	lag := -wait
	if interval > 0 && lag >= interval {
		return Plan{Drop: int(lag / interval)}
	}
	return Plan{}
}
