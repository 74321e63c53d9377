package playback

import (
	"errors"
	"fmt"

	"github.com/zsiec/playsync/internal/media"
)

// Sentinel errors for session control. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrNotSeekable   = errors.New("playback: source is not seekable")
	ErrNoVideoStream = errors.New("playback: source has no video stream")
	ErrClosed        = errors.New("playback: session closed")
	ErrFinished      = errors.New("playback: live source has finished")
)

// SourceError reports a source operation that failed past the point of
// retrying.
type SourceError struct {
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("playback: source %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// DecodeError reports a decoder that kept failing on consecutive units.
type DecodeError struct {
	Stream media.StreamKind
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("playback: decode %s: %v", e.Stream, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SinkError reports a sink that rejected output. The worker feeding it stops
// and the error is returned by later Play and SeekTo calls until Stop.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("playback: %s sink: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// ConfigError reports an argument or setting the session cannot accept.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("playback: invalid %s: %s", e.Field, e.Message)
}
