package playback

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/clock"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/queue"
)

type videoWorker struct {
	stream

	s     *Session
	log   *slog.Logger
	dec   VideoDecoder
	pacer *clock.Pacer

	sink    VideoSink
	dst     image.Rectangle
	onFrame FrameFunc

	// Owned by the worker goroutine.
	last mo.Option[time.Duration]
	drop int
	errs int
}

func newVideoWorker(s *Session, info media.StreamInfo, dec VideoDecoder, limits queue.Limits) *videoWorker {
	w := &videoWorker{
		s:     s,
		log:   s.log.With("stream", "video", "codec", info.Codec),
		dec:   dec,
		pacer: clock.NewPacer(info.FrameDuration, s.opts.GapThreshold, s.opts.GapTolerance),
	}
	w.init(info, limits)
	return w
}

// attach sets the output for the next run. Only called while the worker is
// not running.
func (w *videoWorker) attach(sink VideoSink, dst image.Rectangle, onFrame FrameFunc) {
	w.sink = sink
	w.dst = dst
	w.onFrame = onFrame
}

func (w *videoWorker) run(ctx context.Context) error {
	s := w.s
	for {
		speed, ok := s.awaitRunnable(ctx)
		if !ok {
			return nil
		}

		wake := s.changedWait()
		pushed := w.queue.Pushed()
		pkt, ok := w.queue.Pop()
		if !ok {
			if !s.sleep(ctx, s.opts.IdleWait, wake, pushed, nil) {
				return nil
			}
			continue
		}

		if w.seekPending.Swap(false) {
			w.dec.Flush()
			w.pacer.Reset()
			w.last = mo.None[time.Duration]()
			w.drop = 0
		}

		frame, err := w.dec.Decode(pkt)
		if err != nil {
			w.decodeFailed(err)
			continue
		}
		w.errs = 0
		if frame == nil {
			continue
		}

		pts := w.timestamp(frame)
		// A seek landed while decoding; the frame is from the old position.
		if !w.advance(pts) {
			continue
		}
		w.decoded.Add(1)
		w.pacer.Observe(pts)

		if w.drop > 0 {
			w.drop--
			w.dropped.Add(1)
			continue
		}

		if err := w.sink.Present(frame, w.dst); err != nil {
			w.log.Error("video sink failed", "error", err)
			s.sinkFailed(&SinkError{Sink: "video", Err: err})
			return nil
		}
		w.presented.Add(1)
		if w.onFrame != nil {
			w.onFrame(frame)
		}

		plan := w.pacer.Plan(pts, s.clock.Now(), speed)
		if plan.Drop > 0 {
			w.drop = plan.Drop
			w.log.Debug("behind clock, dropping frames", "frames", plan.Drop, "pts", pts)
			continue
		}
		if plan.Wait > 0 && !s.sleep(ctx, plan.Wait, wake, nil, nil) {
			return nil
		}
	}
}

// timestamp returns the frame's presentation time, extrapolating from the
// previous frame when the decoder did not provide one.
func (w *videoWorker) timestamp(f *media.Frame) time.Duration {
	pts, ok := f.PTS.Get()
	if !ok {
		if prev, seen := w.last.Get(); seen {
			pts = prev + w.pacer.Nominal()
		} else {
			pts = w.pts.Load()
		}
	}
	w.last = mo.Some(pts)
	return pts
}

func (w *videoWorker) decodeFailed(err error) {
	w.errs++
	w.decodeErrors.Add(1)
	if w.errs <= w.s.opts.MaxDecodeErrors {
		w.log.Debug("skipping undecodable packet", "error", err)
		return
	}
	w.errs = 0
	w.log.Error("video decoder keeps failing", "error", err)
	w.s.finish(&DecodeError{Stream: media.KindVideo, Err: err})
}
