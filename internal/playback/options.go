package playback

import (
	"log/slog"
	"time"

	"github.com/zsiec/playsync/internal/clock"
	"github.com/zsiec/playsync/internal/queue"
)

// Flags alter session behavior.
type Flags uint32

const (
	// FlagLoop restarts a seekable source from the beginning when it ends.
	FlagLoop Flags = 1 << iota
)

// MaxSpeed is the fastest playback rate SetSpeed accepts.
const MaxSpeed = 32.0

// Options tune a session. Zero fields take the values from DefaultOptions.
type Options struct {
	// QueueWindow is the buffered time per stream queue.
	QueueWindow time.Duration
	// QueueBytes caps a queue when the stream bitrate is unknown.
	QueueBytes int
	// Prebuffer is the span every queue must hold before a live source
	// starts or resumes presenting.
	Prebuffer time.Duration

	GapThreshold time.Duration
	GapTolerance time.Duration

	// Backoff is the retry delay after a transient read error, and the
	// safety timeout on backpressure waits.
	Backoff time.Duration
	// IdleWait bounds how long a worker sleeps on an empty queue.
	IdleWait time.Duration

	MaxReadErrors   int
	MaxDecodeErrors int

	// Speed is the initial playback rate; zero selects 1.
	Speed float64
	Flags Flags

	Logger *slog.Logger
}

// DefaultOptions returns the settings used for zero Options fields.
func DefaultOptions() Options {
	return Options{
		QueueWindow:     queue.DefaultWindow,
		QueueBytes:      queue.DefaultWindowBytes,
		Prebuffer:       500 * time.Millisecond,
		GapThreshold:    clock.DefaultGapThreshold,
		GapTolerance:    clock.DefaultGapTolerance,
		Backoff:         20 * time.Millisecond,
		IdleWait:        10 * time.Millisecond,
		MaxReadErrors:   50,
		MaxDecodeErrors: 32,
		Speed:           1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueWindow <= 0 {
		o.QueueWindow = d.QueueWindow
	}
	if o.QueueBytes <= 0 {
		o.QueueBytes = d.QueueBytes
	}
	if o.Prebuffer <= 0 {
		o.Prebuffer = d.Prebuffer
	}
	if o.GapThreshold <= 0 {
		o.GapThreshold = d.GapThreshold
	}
	if o.GapTolerance <= 0 {
		o.GapTolerance = d.GapTolerance
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.IdleWait <= 0 {
		o.IdleWait = d.IdleWait
	}
	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = d.MaxReadErrors
	}
	if o.MaxDecodeErrors <= 0 {
		o.MaxDecodeErrors = d.MaxDecodeErrors
	}
	if o.Speed == 0 {
		o.Speed = d.Speed
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
