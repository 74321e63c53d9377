package sink

import (
	"errors"
	"image"

	"github.com/zsiec/playsync/internal/media"
)

// VideoSink is the presenting half of a playback video sink.
type VideoSink interface {
	Present(f *media.Frame, dst image.Rectangle) error
}

// Tee presents every frame to each of its sinks in order. All sinks see the
// frame even when one fails; the errors are joined.
type Tee []VideoSink

// Present forwards f to every sink.
func (t Tee) Present(f *media.Frame, dst image.Rectangle) error {
	var errs []error
	for _, s := range t {
		if err := s.Present(f, dst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
