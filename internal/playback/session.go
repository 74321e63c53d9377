// Package playback implements a media playback session: a fetch goroutine
// fills bounded per-stream queues from a Source, and one worker per stream
// decodes, paces against a shared presentation clock, and hands output to
// its sink. Sessions expose transport controls and publish state changes
// through an events.Hub.
package playback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playsync/internal/clock"
	"github.com/zsiec/playsync/internal/events"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/notify"
	"github.com/zsiec/playsync/internal/queue"
)

// Config assembles a session. Audio is played only when both an audio
// decoder and an audio sink are given and the source carries audio.
type Config struct {
	Source    Source
	Video     VideoDecoder
	Audio     AudioDecoder
	AudioSink AudioSink
	Options   Options
}

// Session plays one source. All methods are safe for concurrent use.
type Session struct {
	id   string
	log  *slog.Logger
	opts Options
	src  Source
	hub  *events.Hub

	video *videoWorker
	audio *audioWorker
	fetch *fetcher
	clock clock.Source

	// life serializes Play, Stop and Close so goroutines are started and
	// joined by one caller at a time.
	life sync.Mutex

	// mu is the coordination lock. It guards everything below and is never
	// held while waiting.
	mu      sync.Mutex
	state   Status
	gate    gate
	speed   float64
	flags   Flags
	seek    *seekRequest
	sinkErr error
	lastErr error
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	changed notify.Cond

	// seekMu is held by the fetcher while it repositions the source and
	// flushes queues.
	seekMu sync.Mutex
}

// New validates cfg and builds a stopped session. Nothing is started until
// Play.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, &ConfigError{Field: "source", Message: "required"}
	}
	if cfg.Video == nil {
		return nil, &ConfigError{Field: "video decoder", Message: "required"}
	}
	opts := cfg.Options.withDefaults()
	if err := validSpeed(opts.Speed); err != nil {
		return nil, err
	}
	seekable := cfg.Source.Seekable()
	if opts.Flags&FlagLoop != 0 && !seekable {
		return nil, &ConfigError{Field: "flags", Message: "looping needs a seekable source"}
	}

	streams := cfg.Source.Streams()
	vinfo, ok := lo.Find(streams, func(si media.StreamInfo) bool { return si.Kind == media.KindVideo })
	if !ok {
		return nil, ErrNoVideoStream
	}

	id := uuid.NewString()
	s := &Session{
		id:    id,
		log:   opts.Logger.With("component", "playback", "session", id),
		opts:  opts,
		src:   cfg.Source,
		hub:   events.NewHub(opts.Logger),
		speed: opts.Speed,
		flags: opts.Flags,
	}

	hint := cfg.Source.BitrateHint()
	limits := func(si media.StreamInfo) queue.Limits {
		bitrate := si.Bitrate
		if bitrate.IsAbsent() {
			bitrate = hint
		}
		return queue.LimitsFor(opts.QueueWindow, bitrate, opts.QueueBytes)
	}

	s.video = newVideoWorker(s, vinfo, cfg.Video, limits(vinfo))
	if cfg.Audio != nil {
		ainfo, ok := lo.Find(streams, func(si media.StreamInfo) bool { return si.Kind == media.KindAudio })
		switch {
		case !ok:
			s.log.Info("source has no audio stream, video clock in use")
		case cfg.AudioSink == nil:
			return nil, &ConfigError{Field: "audio sink", Message: "required with an audio decoder"}
		default:
			s.audio = newAudioWorker(s, ainfo, cfg.Audio, cfg.AudioSink, limits(ainfo))
		}
	}

	if s.audio != nil {
		s.clock = clock.NewAudio(&s.audio.pts, cfg.AudioSink)
	} else {
		s.clock = clock.NewVideo(&s.video.pts)
	}
	s.fetch = newFetcher(s)

	s.log.Info("session created",
		"seekable", seekable,
		"video", vinfo.Codec,
		"audio", s.audio != nil,
		"video_queue_bytes", s.video.limits.MaxBytes)
	return s, nil
}

// ID returns the session's unique id, carried on every event.
func (s *Session) ID() string {
	return s.id
}

// Play starts playback, presenting video frames to sink within dst and
// calling onFrame (when non-nil) after each presented frame. Playing an
// already playing session does nothing. A finished seekable session starts
// again from the beginning.
func (s *Session) Play(sink VideoSink, dst image.Rectangle, onFrame FrameFunc) error {
	if sink == nil {
		return &ConfigError{Field: "sink", Message: "video sink is required"}
	}
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.sinkErr != nil:
		err := s.sinkErr
		s.mu.Unlock()
		return err
	case s.state == StatusPlaying:
		s.mu.Unlock()
		return nil
	case s.state == StatusFinished && !s.src.Seekable():
		s.mu.Unlock()
		return ErrFinished
	}
	rewind := s.state == StatusFinished
	s.mu.Unlock()

	if rewind {
		s.halt()
		s.mu.Lock()
		s.seek = &seekRequest{to: 0, dir: media.SeekBackward}
		s.mu.Unlock()
	}

	s.video.attach(sink, dst, onFrame)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.state = StatusPlaying
	s.gate = s.initialGate()
	s.lastErr = nil
	s.cancel = cancel
	s.group = g
	speed := s.speed
	s.mu.Unlock()
	s.changed.Broadcast()

	if s.audio != nil {
		if speed > 0 {
			if err := s.audio.sink.SetRate(speed); err != nil {
				s.log.Warn("audio sink rejected rate", "speed", speed, "error", err)
			}
		}
		s.audio.setPaused(speed == 0)
	}
	g.Go(func() error { return s.fetch.run(gctx) })
	g.Go(func() error { return s.video.run(gctx) })
	if s.audio != nil {
		g.Go(func() error { return s.audio.run(gctx) })
	}

	s.log.Info("playback started", "speed", speed, "rewind", rewind)
	s.publish(events.Started, nil)
	return nil
}

// Stop halts playback, joins every worker and empties the queues. On a
// seekable source the next Play resumes from the stopped position. Stopping
// a stopped session does nothing.
func (s *Session) Stop() error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	prev := s.state
	s.mu.Unlock()
	if prev == StatusStopped {
		return nil
	}

	pos := s.Position()
	s.halt()

	s.mu.Lock()
	s.state = StatusStopped
	s.sinkErr = nil
	if s.src.Seekable() && s.seek == nil {
		resume := pos
		if prev == StatusFinished {
			resume = 0
		}
		s.seek = &seekRequest{to: resume, dir: media.SeekBackward}
	}
	s.mu.Unlock()
	s.changed.Broadcast()

	s.log.Info("playback stopped", "position", pos)
	s.publish(events.Stopped, nil)
	return nil
}

// halt cancels and joins the workers, then flushes queues and output.
func (s *Session) halt() {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	s.changed.Broadcast()
	if err := g.Wait(); err != nil {
		s.log.Warn("worker exited with error", "error", err)
	}

	s.seekMu.Lock()
	s.video.queue.Flush()
	s.video.seekPending.Store(true)
	if s.audio != nil {
		s.audio.queue.Flush()
		s.audio.seekPending.Store(true)
		s.audio.sink.Flush()
	}
	s.seekMu.Unlock()
	s.fetch.reset()
}

// Status returns the session state. A playing live session that is
// refilling its queues reports StatusBuffering.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatusPlaying && s.gate == gateBuffering {
		return StatusBuffering
	}
	return s.state
}

// SeekTo asks the fetcher to reposition to t. The seek is applied
// asynchronously; while stopped it is applied on the next Play.
func (s *Session) SeekTo(t time.Duration) error {
	if !s.src.Seekable() {
		return ErrNotSeekable
	}
	if t < 0 {
		return &ConfigError{Field: "position", Message: "must not be negative"}
	}
	if length, ok := s.src.Length().Get(); ok && t > length {
		t = length
	}
	dir := media.SeekForward
	if t < s.Position() {
		dir = media.SeekBackward
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sinkErr != nil {
		err := s.sinkErr
		s.mu.Unlock()
		return err
	}
	s.seek = &seekRequest{to: t, dir: dir}
	s.mu.Unlock()
	s.changed.Broadcast()

	s.log.Debug("seek requested", "to", t, "direction", dir.String())
	return nil
}

func (s *Session) takeSeek() (seekRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seek == nil {
		return seekRequest{}, false
	}
	req := *s.seek
	s.seek = nil
	return req, true
}

// Position returns the presentation clock.
func (s *Session) Position() time.Duration {
	return s.clock.Now()
}

// Length returns the source duration when known.
func (s *Session) Length() mo.Option[time.Duration] {
	return s.src.Length()
}

// SetSpeed changes the playback rate. Zero parks the workers without
// stopping; the session stays Playing.
func (s *Session) SetSpeed(speed float64) error {
	if err := validSpeed(speed); err != nil {
		return err
	}
	if s.audio != nil {
		if speed > 0 {
			if err := s.audio.sink.SetRate(speed); err != nil {
				return &ConfigError{Field: "speed", Message: err.Error()}
			}
		}
		s.audio.setPaused(speed == 0)
	}

	s.mu.Lock()
	old := s.speed
	s.speed = speed
	s.mu.Unlock()
	s.changed.Broadcast()

	if old != speed {
		s.log.Info("speed changed", "from", old, "to", speed)
		s.publish(events.SpeedChanged, nil)
	}
	return nil
}

func validSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < 0 || speed > MaxSpeed {
		return &ConfigError{Field: "speed", Message: fmt.Sprintf("%v is outside [0, %v]", speed, MaxSpeed)}
	}
	return nil
}

// Speed returns the playback rate.
func (s *Session) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// SetFlags replaces the session flags.
func (s *Session) SetFlags(f Flags) error {
	if f&FlagLoop != 0 && !s.src.Seekable() {
		return &ConfigError{Field: "flags", Message: "looping needs a seekable source"}
	}
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
	s.changed.Broadcast()
	return nil
}

// Flags returns the session flags.
func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) looping() bool {
	return s.Flags()&FlagLoop != 0
}

// SetVolume sets the audio output level in [0, 1].
func (s *Session) SetVolume(level float64) error {
	if s.audio == nil {
		return &ConfigError{Field: "volume", Message: "session has no audio"}
	}
	if math.IsNaN(level) || level < 0 || level > 1 {
		return &ConfigError{Field: "volume", Message: fmt.Sprintf("%v is outside [0, 1]", level)}
	}
	if err := s.audio.sink.SetVolume(level); err != nil {
		return &SinkError{Sink: "audio", Err: err}
	}
	return nil
}

// Subscribe registers ch for events and returns its subscription id.
func (s *Session) Subscribe(ch chan<- events.Event) string {
	return s.hub.Subscribe(ch)
}

// Unsubscribe removes ch.
func (s *Session) Unsubscribe(ch chan<- events.Event) bool {
	return s.hub.Unsubscribe(ch)
}

// EnableEvents adds event types to the delivered set.
func (s *Session) EnableEvents(m events.Mask) {
	s.hub.Enable(m)
}

// DisableEvents removes event types from the delivered set.
func (s *Session) DisableEvents(m events.Mask) {
	s.hub.Disable(m)
}

// Err returns the error that finished the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:     s.id,
		Status:        s.Status(),
		Position:      s.Position(),
		Speed:         s.Speed(),
		Video:         s.video.stats(),
		Audio:         mo.None[StreamStats](),
		Discarded:     s.fetch.discarded.Load(),
		EventsDropped: s.hub.Dropped(),
	}
	if s.audio != nil {
		st.Audio = mo.Some(s.audio.stats())
	}
	return st
}

// Close stops the session and closes its source. A closed session rejects
// Play and SeekTo.
func (s *Session) Close() error {
	stopErr := s.Stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stopErr
	}
	s.closed = true
	s.mu.Unlock()

	return errors.Join(stopErr, s.src.Close())
}

// finish moves a playing session to Finished and publishes Finished with
// err, which may be nil for a normal end of stream.
func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.state != StatusPlaying {
		s.mu.Unlock()
		return
	}
	s.state = StatusFinished
	s.lastErr = err
	s.mu.Unlock()
	s.changed.Broadcast()

	if err != nil {
		s.log.Error("playback finished with error", "error", err)
	} else {
		s.log.Info("playback finished")
	}
	s.publish(events.Finished, err)
}

func (s *Session) sinkFailed(err error) {
	s.mu.Lock()
	s.sinkErr = err
	s.mu.Unlock()
	s.finish(err)
}

func (s *Session) setGate(g gate) {
	s.mu.Lock()
	if s.gate == g {
		s.mu.Unlock()
		return
	}
	s.gate = g
	s.mu.Unlock()
	s.changed.Broadcast()
}

// initialGate is the gate a fresh run or seek starts with. Called with mu
// held.
func (s *Session) initialGate() gate {
	if s.src.Seekable() {
		return gateReady
	}
	return gateBuffering
}

func (s *Session) publish(t events.Type, err error) {
	s.hub.Publish(events.Event{
		Type:      t,
		SessionID: s.id,
		Position:  s.Position(),
		Speed:     s.Speed(),
		Err:       err,
	})
}
