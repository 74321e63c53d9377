package cli

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playsync/internal/certs"
	"github.com/zsiec/playsync/internal/config"
	"github.com/zsiec/playsync/internal/decode"
	"github.com/zsiec/playsync/internal/events"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/playback"
	"github.com/zsiec/playsync/internal/sink"
	"github.com/zsiec/playsync/internal/sink/monitor"
	"github.com/zsiec/playsync/internal/sink/speaker"
)

const statsInterval = 5 * time.Second

// viewport is the destination rectangle handed to video sinks.
var viewport = image.Rect(0, 0, 1280, 720)

var errSessionDone = errors.New("session done")

type runOptions struct {
	seek  time.Duration
	limit time.Duration
}

type closer func() error

// runSession plays src until it finishes, the limit passes or ctx ends,
// then prints a summary to out. src is closed on return.
func (a *app) runSession(ctx context.Context, out io.Writer, src playback.Source, ro runOptions) error {
	log := slog.Default()
	var cleanup []closer
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			if err := cleanup[i](); err != nil {
				log.Warn("cleanup failed", "error", err)
			}
		}
	}()
	cleanup = append(cleanup, src.Close)

	streams := src.Streams()
	vinfo, ok := lo.Find(streams, func(si media.StreamInfo) bool { return si.Kind == media.KindVideo })
	if !ok {
		return playback.ErrNoVideoStream
	}
	video, err := decode.NewAccessUnit(vinfo.Codec, log)
	if err != nil {
		return err
	}

	pcfg := playback.Config{
		Source:  src,
		Video:   video,
		Options: a.cfg.PlaybackOptions(log),
	}
	ainfo, hasAudio := lo.Find(streams, func(si media.StreamInfo) bool { return si.Kind == media.KindAudio })
	if hasAudio && a.cfg.Audio.Output != config.OutputNone {
		if pcfg.Audio, err = decode.NewSilentAAC(ainfo); err != nil {
			return err
		}
		as, closeAudio, err := a.audioSink()
		if err != nil {
			return err
		}
		pcfg.AudioSink = as
		if closeAudio != nil {
			cleanup = append(cleanup, closeAudio)
		}
	}

	stats := sink.NewStats(log)
	vsink := sink.Tee{stats}
	var mon *monitor.Sink
	if a.cfg.Monitor.Addr != "" {
		if mon, err = a.dialMonitor(ctx); err != nil {
			return err
		}
		cleanup = append(cleanup, mon.Close)
		vsink = append(vsink, mon)
	}

	sess, err := playback.New(pcfg)
	if err != nil {
		return err
	}
	// The session closes the source from here on.
	cleanup[0] = sess.Close

	evs := make(chan events.Event, 16)
	sess.Subscribe(evs)
	defer sess.Unsubscribe(evs)

	if pcfg.AudioSink != nil && a.cfg.Audio.Volume != 1 {
		if err := sess.SetVolume(a.cfg.Audio.Volume); err != nil {
			return err
		}
	}
	if ro.seek > 0 {
		if err := sess.SeekTo(ro.seek); err != nil {
			return err
		}
	}
	if err := sess.Play(vsink, viewport, nil); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var finishErr error
	g.Go(func() error {
		var limit <-chan time.Time
		if ro.limit > 0 {
			t := time.NewTimer(ro.limit)
			defer t.Stop()
			limit = t.C
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-limit:
				log.Info("play time limit reached", "limit", ro.limit)
				return errSessionDone
			case ev := <-evs:
				log.Info("session event",
					"type", ev.Type.String(),
					"position", ev.Position,
					"speed", ev.Speed,
					"error", ev.Err)
				if ev.Type == events.Finished {
					finishErr = ev.Err
					return errSessionDone
				}
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				st := sess.Stats()
				log.Info("playback",
					"status", st.Status.String(),
					"position", st.Position,
					"presented", st.Video.Presented,
					"dropped", st.Video.Dropped,
					"queued", st.Video.Queued)
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errSessionDone) {
		return err
	}

	final := sess.Stats()
	if err := sess.Stop(); err != nil {
		return err
	}
	printSummary(out, final, stats.Snapshot(), mon)
	if ctx.Err() != nil {
		return nil
	}
	return finishErr
}

func (a *app) audioSink() (playback.AudioSink, closer, error) {
	ac := a.cfg.Audio
	if ac.Output == config.OutputNull {
		return sink.NewRealtime(ac.Buffer), nil, nil
	}
	sp, err := speaker.Open(speaker.Config{
		SampleRate: beep.SampleRate(ac.SampleRate),
		Buffer:     ac.Buffer,
	})
	if err != nil {
		return nil, nil, err
	}
	return sp, sp.Close, nil
}

func (a *app) dialMonitor(ctx context.Context) (*monitor.Sink, error) {
	mc := a.cfg.Monitor
	fp, err := certs.ParseFingerprint(mc.Fingerprint)
	if err != nil {
		return nil, &config.ConfigError{Field: "monitor.fingerprint", Message: err.Error()}
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return monitor.Dial(dctx, monitor.SinkConfig{
		Addr:        mc.Addr,
		Fingerprint: fp,
		Name:        mc.Name,
	})
}

func printSummary(out io.Writer, st playback.Stats, snap sink.Snapshot, mon *monitor.Sink) {
	fmt.Fprintf(out, "session %s: %s at %v\n", st.SessionID, st.Status, st.Position.Round(time.Millisecond))
	fmt.Fprintf(out, "video: %d frames presented, %d dropped, %d keyframes, %d captions, %d bytes\n",
		snap.Frames, st.Video.Dropped, snap.Keyframes, snap.Captions, snap.Bytes)
	if a, ok := st.Audio.Get(); ok {
		fmt.Fprintf(out, "audio: %d blocks decoded, %d decode errors\n", a.Decoded, a.DecodeErrors)
	}
	if mon != nil {
		ms := mon.Stats()
		fmt.Fprintf(out, "monitor: %d frames sent, %d dropped, %d bytes\n", ms.Sent, ms.Dropped, ms.Bytes)
	}
}
