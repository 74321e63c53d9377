package playback

import (
	"context"
	"log/slog"

	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/queue"
)

type audioWorker struct {
	stream

	s    *Session
	log  *slog.Logger
	dec  AudioDecoder
	sink AudioSink

	errs int
}

func newAudioWorker(s *Session, info media.StreamInfo, dec AudioDecoder, sink AudioSink, limits queue.Limits) *audioWorker {
	w := &audioWorker{
		s:    s,
		log:  s.log.With("stream", "audio", "codec", info.Codec),
		dec:  dec,
		sink: sink,
	}
	w.init(info, limits)
	return w
}

func (w *audioWorker) setPaused(paused bool) {
	if p, ok := w.sink.(Pauser); ok {
		p.SetPaused(paused)
	}
}

func (w *audioWorker) run(ctx context.Context) error {
	s := w.s
	for {
		if _, ok := s.awaitRunnable(ctx); !ok {
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
			w.sink.Flush()
		}

		samples, err := w.dec.Decode(pkt)
		if err != nil {
			w.decodeFailed(err)
			continue
		}
		w.errs = 0
		if samples == nil || w.seekPending.Load() {
			continue
		}
		w.decoded.Add(1)

		start := samples.PTS.OrElse(w.pts.Load())
		if err := w.sink.Write(ctx, samples); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("audio sink failed", "error", err)
			s.sinkFailed(&SinkError{Sink: "audio", Err: err})
			return nil
		}
		if !w.advance(start + samples.Duration()) {
			continue
		}
		w.presented.Add(1)
	}
}

func (w *audioWorker) decodeFailed(err error) {
	w.errs++
	w.decodeErrors.Add(1)
	if w.errs <= w.s.opts.MaxDecodeErrors {
		w.log.Debug("skipping undecodable packet", "error", err)
		return
	}
	w.errs = 0
	w.log.Error("audio decoder keeps failing", "error", err)
	w.s.finish(&DecodeError{Stream: media.KindAudio, Err: err})
}
