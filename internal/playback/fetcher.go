package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/playsync/internal/media"
)

type seekRequest struct {
	to  time.Duration
	dir media.SeekDirection
}

// fetcher reads the source on its own goroutine and fills the stream queues.
type fetcher struct {
	s   *Session
	log *slog.Logger

	discarded atomic.Int64

	// Owned by the fetch goroutine, or by halt once it has exited.
	eos      bool
	endErr   error
	readErrs int
}

func newFetcher(s *Session) *fetcher {
	return &fetcher{s: s, log: s.log.With("worker", "fetch")}
}

func (f *fetcher) reset() {
	f.eos = false
	f.endErr = nil
	f.readErrs = 0
}

func (f *fetcher) run(ctx context.Context) error {
	s := f.s
	for ctx.Err() == nil {
		if req, ok := s.takeSeek(); ok {
			if err := f.seek(ctx, req); err != nil {
				f.log.Warn("seek failed", "to", req.to, "error", err)
			}
			continue
		}

		s.mu.Lock()
		finished := s.state == StatusFinished
		wake := s.changed.Wait()
		s.mu.Unlock()

		if finished {
			s.sleep(ctx, 0, wake, nil, nil)
			continue
		}

		videoPopped, audioPopped := f.popped()
		if f.anyFull() {
			// No more reads until a worker pops, so the prebuffer cannot grow.
			f.updateGate()
			s.sleep(ctx, s.opts.Backoff, wake, videoPopped, audioPopped)
			continue
		}

		if f.eos {
			f.drain(ctx, wake, videoPopped, audioPopped)
			continue
		}

		f.read(ctx, wake)
	}
	return nil
}

func (f *fetcher) read(ctx context.Context, wake <-chan struct{}) {
	s := f.s
	pkt, err := s.src.ReadPacket(ctx)
	switch {
	case err == nil:
		f.readErrs = 0
		f.route(pkt)
		f.updateGate()
	case errors.Is(err, io.EOF):
		f.log.Debug("end of source")
		f.eos = true
		s.setGate(gateDraining)
	case ctx.Err() != nil:
	default:
		f.readErrs++
		if f.readErrs >= s.opts.MaxReadErrors {
			f.log.Error("source keeps failing, treating as ended", "errors", f.readErrs, "error", err)
			f.eos = true
			f.endErr = &SourceError{Op: "read", Err: err}
			s.setGate(gateDraining)
			return
		}
		f.log.Warn("source read failed, retrying", "error", err, "attempt", f.readErrs)
		s.sleep(ctx, s.opts.Backoff, wake, nil, nil)
	}
}

func (f *fetcher) route(p *media.Packet) {
	s := f.s
	switch {
	case p.Stream == s.video.info.ID:
		s.video.queue.Push(p)
	case s.audio != nil && p.Stream == s.audio.info.ID:
		s.audio.queue.Push(p)
	default:
		f.discarded.Add(1)
	}
}

// drain waits for the workers to empty their queues after the source ended,
// then loops or finishes the session.
func (f *fetcher) drain(ctx context.Context, wake, videoPopped, audioPopped <-chan struct{}) {
	s := f.s
	if !f.allEmpty() {
		s.sleep(ctx, s.opts.Backoff, wake, videoPopped, audioPopped)
		return
	}
	if f.endErr == nil && s.looping() && s.src.Seekable() {
		f.log.Debug("looping to start")
		if err := f.seek(ctx, seekRequest{to: 0, dir: media.SeekBackward}); err != nil {
			s.finish(err)
		}
		return
	}
	s.finish(f.endErr)
}

// seek repositions the source and flushes the queues under the seek lock.
// The lock order is seek lock, video queue, audio queue.
func (f *fetcher) seek(ctx context.Context, req seekRequest) error {
	s := f.s
	s.seekMu.Lock()
	defer s.seekMu.Unlock()

	if err := s.src.Seek(ctx, req.to, req.dir); err != nil {
		return &SourceError{Op: "seek", Err: err}
	}

	dropped := s.video.queue.Flush()
	s.video.resetTo(req.to)
	if s.audio != nil {
		dropped += s.audio.queue.Flush()
		s.audio.resetTo(req.to)
	}
	f.reset()

	s.mu.Lock()
	if s.state == StatusFinished {
		s.state = StatusPlaying
	}
	s.gate = s.initialGate()
	s.mu.Unlock()
	s.changed.Broadcast()

	f.log.Debug("seek complete", "to", req.to, "direction", req.dir.String(), "dropped", dropped)
	return nil
}

// updateGate moves a live session between buffering and ready. A full queue
// ends buffering even when another queue is short of the prebuffer span.
// Seekable sources never buffer.
func (f *fetcher) updateGate() {
	s := f.s
	if s.src.Seekable() {
		return
	}
	s.mu.Lock()
	g := s.gate
	s.mu.Unlock()

	full := f.anyFull()
	switch g {
	case gateReady:
		if f.anyEmpty() && !full {
			f.log.Debug("queue ran dry, buffering")
			s.setGate(gateBuffering)
		}
	case gateBuffering:
		if full || f.allPrebuffered() {
			f.log.Debug("prebuffer filled", "queue_full", full)
			s.setGate(gateReady)
		}
	}
}

func (f *fetcher) popped() (video, audio <-chan struct{}) {
	video = f.s.video.queue.Popped()
	if f.s.audio != nil {
		audio = f.s.audio.queue.Popped()
	}
	return video, audio
}

func (f *fetcher) anyFull() bool {
	s := f.s
	if s.video.queue.IsFull(s.video.limits) {
		return true
	}
	return s.audio != nil && s.audio.queue.IsFull(s.audio.limits)
}

func (f *fetcher) anyEmpty() bool {
	s := f.s
	if s.video.queue.Len() == 0 {
		return true
	}
	return s.audio != nil && s.audio.queue.Len() == 0
}

func (f *fetcher) allEmpty() bool {
	s := f.s
	if s.video.queue.Len() != 0 {
		return false
	}
	return s.audio == nil || s.audio.queue.Len() == 0
}

func (f *fetcher) allPrebuffered() bool {
	s := f.s
	if !s.video.prebuffered(s.opts.Prebuffer) {
		return false
	}
	return s.audio == nil || s.audio.prebuffered(s.opts.Prebuffer)
}
