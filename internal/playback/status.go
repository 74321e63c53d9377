package playback

import (
	"time"

	"github.com/samber/mo"
)

// Status is the externally visible session state.
type Status int

const (
	StatusStopped Status = iota
	StatusPlaying
	// StatusBuffering is reported while a live source refills its queues.
	// Internally the session is still playing.
	StatusBuffering
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusBuffering:
		return "buffering"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// gate controls whether workers may present while playing.
type gate int

const (
	gateReady gate = iota
	gateBuffering
	// gateDraining means the source has ended and the queues are emptying.
	gateDraining
)

func (g gate) String() string {
	switch g {
	case gateBuffering:
		return "buffering"
	case gateDraining:
		return "draining"
	default:
		return "ready"
	}
}

// StreamStats is a snapshot of one stream worker.
type StreamStats struct {
	Codec        string
	Queued       int
	QueuedBytes  int
	Span         time.Duration
	Timestamp    time.Duration
	Decoded      int64
	Presented    int64
	Dropped      int64
	DecodeErrors int64
}

// Stats is a snapshot of a session.
type Stats struct {
	SessionID     string
	Status        Status
	Position      time.Duration
	Speed         float64
	Video         StreamStats
	Audio         mo.Option[StreamStats]
	Discarded     int64
	EventsDropped int64
}
