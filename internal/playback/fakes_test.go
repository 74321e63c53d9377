package playback

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/events"
	"github.com/zsiec/playsync/internal/media"
)

const (
	videoInterval = 40 * time.Millisecond
	audioInterval = 1024 * time.Second / 48000
)

var (
	errTransient  = errors.New("transient read failure")
	errBadUnit    = errors.New("bad unit")
	errSinkBroken = errors.New("sink broken")
	testRect      = image.Rect(0, 0, 320, 240)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStreams(withAudio bool) []media.StreamInfo {
	streams := []media.StreamInfo{{ID: 0, Kind: media.KindVideo, Codec: media.CodecH264, FrameDuration: videoInterval}}
	if withAudio {
		streams = append(streams, media.StreamInfo{ID: 1, Kind: media.KindAudio, Codec: media.CodecAAC, SampleRate: 48000, Channels: 2})
	}
	return streams
}

// content returns d worth of 25 fps video packets, interleaved by decode
// time with 1024-sample audio packets when withAudio is set.
func content(d time.Duration, withAudio bool) []*media.Packet {
	var out []*media.Packet
	var v, a time.Duration
	frame := 0
	for {
		videoLeft := v < d
		audioLeft := withAudio && a < d
		if !videoLeft && !audioLeft {
			return out
		}
		if videoLeft && (!audioLeft || v <= a) {
			out = append(out, &media.Packet{
				Stream:   0,
				DTS:      mo.Some(v),
				PTS:      mo.Some(v),
				Keyframe: frame%25 == 0,
				Payload:  make([]byte, 200),
			})
			frame++
			v += videoInterval
			continue
		}
		out = append(out, &media.Packet{Stream: 1, DTS: mo.Some(a), PTS: mo.Some(a), Payload: make([]byte, 64)})
		a += audioInterval
	}
}

func countStream(packets []*media.Packet, id int) int64 {
	var n int64
	for _, p := range packets {
		if p.Stream == id {
			n++
		}
	}
	return n
}

type fakeSource struct {
	mu         sync.Mutex
	packets    []*media.Packet
	pos        int
	seekable   bool
	streams    []media.StreamInfo
	pace       time.Duration
	stall      time.Duration
	failReads  int
	alwaysFail error
	seeks      []time.Duration
	afterSeek  bool
	onSeekRead func()
	closed     bool
}

func (f *fakeSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	f.mu.Lock()
	pace := f.pace
	if f.stall > 0 {
		pace, f.stall = f.stall, 0
	}
	var hook func()
	if f.afterSeek {
		hook, f.afterSeek = f.onSeekRead, false
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if pace > 0 {
		t := time.NewTimer(pace)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alwaysFail != nil {
		return nil, f.alwaysFail
	}
	if f.failReads > 0 {
		f.failReads--
		return nil, errTransient
	}
	if f.pos >= len(f.packets) {
		return nil, io.EOF
	}
	p := *f.packets[f.pos]
	f.pos++
	return &p, nil
}

func (f *fakeSource) Seek(_ context.Context, to time.Duration, _ media.SeekDirection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.seekable {
		return errors.New("not seekable")
	}
	f.seeks = append(f.seeks, to)
	f.pos = len(f.packets)
	for i, p := range f.packets {
		if p.DecodeTime().OrEmpty() >= to {
			f.pos = i
			break
		}
	}
	f.afterSeek = true
	return nil
}

func (f *fakeSource) Seekable() bool                   { return f.seekable }
func (f *fakeSource) BitrateHint() mo.Option[uint64]   { return mo.None[uint64]() }
func (f *fakeSource) Streams() []media.StreamInfo      { return f.streams }
func (f *fakeSource) Length() mo.Option[time.Duration] { return mo.None[time.Duration]() }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) seekLog() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.seeks...)
}

// read returns how many packets the source has handed out.
func (f *fakeSource) read() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeSource) setSeekHook(fn func()) {
	f.mu.Lock()
	f.onSeekRead = fn
	f.mu.Unlock()
}

type fakeVideoDecoder struct {
	fail    bool
	flushes atomic.Int64
}

func (d *fakeVideoDecoder) Decode(p *media.Packet) (*media.Frame, error) {
	if d.fail {
		return nil, errBadUnit
	}
	return &media.Frame{PTS: p.PTS, Keyframe: p.Keyframe, Data: p.Payload}, nil
}

func (d *fakeVideoDecoder) Flush() { d.flushes.Add(1) }

type fakeAudioDecoder struct {
	flushes atomic.Int64
}

func (d *fakeAudioDecoder) Decode(p *media.Packet) (*media.Samples, error) {
	return &media.Samples{PTS: p.PTS, SampleRate: 48000, Channels: 2, Frames: make([][2]float64, 1024)}, nil
}

func (d *fakeAudioDecoder) Flush() { d.flushes.Add(1) }

type recordingSink struct {
	mu        sync.Mutex
	pts       []time.Duration
	failAfter int
}

func (r *recordingSink) Present(f *media.Frame, _ image.Rectangle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.pts) >= r.failAfter {
		return errSinkBroken
	}
	r.pts = append(r.pts, f.PTS.OrEmpty())
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pts)
}

func (r *recordingSink) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.pts...)
}

// gatedSink holds every Present until a token arrives on release.
type gatedSink struct {
	release chan struct{}
	done    chan struct{}
	n       atomic.Int64
}

func newGatedSink(t *testing.T) *gatedSink {
	g := &gatedSink{release: make(chan struct{}), done: make(chan struct{})}
	t.Cleanup(func() { close(g.done) })
	return g
}

func (g *gatedSink) Present(*media.Frame, image.Rectangle) error {
	g.n.Add(1)
	select {
	case <-g.release:
	case <-g.done:
	}
	return nil
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = quietLogger()
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func subscribe(s *Session) chan events.Event {
	ch := make(chan events.Event, 64)
	s.Subscribe(ch)
	return ch
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ events.Type, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return events.Event{}
		}
	}
}

// drainEvents returns the events already queued on ch.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
