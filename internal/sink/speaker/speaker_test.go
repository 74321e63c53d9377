package speaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/zsiec/playsync/internal/media"
)

// fakeOutput stands in for the device; tests pull samples by hand.
type fakeOutput struct {
	mu        sync.Mutex
	streamers []beep.Streamer
}

func (o *fakeOutput) Play(s ...beep.Streamer) {
	o.mu.Lock()
	o.streamers = append(o.streamers, s...)
	o.mu.Unlock()
}

func (o *fakeOutput) Lock()   { o.mu.Lock() }
func (o *fakeOutput) Unlock() { o.mu.Unlock() }

func (o *fakeOutput) pull(n int) ([][2]float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf := make([][2]float64, n)
	got, ok := o.streamers[0].Stream(buf)
	return buf[:got], ok
}

// readAhead bounds how far the resampler reads ahead of what it has
// produced; it pulls its source in 512-frame blocks.
const readAhead = 2*512 + 64

func newSink(t *testing.T, buffer time.Duration) (*Sink, *fakeOutput) {
	t.Helper()
	out := &fakeOutput{}
	s, err := New(out, Config{
		SampleRate: 48000,
		Buffer:     buffer,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, out
}

func block(rate, n int, level float64) *media.Samples {
	s := &media.Samples{SampleRate: rate, Channels: 2, Frames: make([][2]float64, n)}
	for i := range s.Frames {
		s.Frames[i] = [2]float64{level, level}
	}
	return s
}

func TestWriteBlocksUntilPulled(t *testing.T) {
	t.Parallel()

	s, out := newSink(t, 100*time.Millisecond)
	ctx := context.Background()
	if err := s.Write(ctx, block(48000, 4800, 0)); err != nil {
		t.Fatal(err)
	}
	if got := s.OutputLatency(); got != 100*time.Millisecond {
		t.Fatalf("OutputLatency = %v, want 100ms", got)
	}

	done := make(chan error, 1)
	go func() { done <- s.Write(ctx, block(48000, 480, 0)) }()

	select {
	case err := <-done:
		t.Fatalf("Write returned %v with a full buffer", err)
	case <-time.After(30 * time.Millisecond):
	}

	out.pull(2400)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write still blocked after the device pulled samples")
	}
	if s.Played() == 0 {
		t.Error("Played = 0 after pull")
	}
}

func TestWriteHonorsContext(t *testing.T) {
	t.Parallel()

	s, _ := newSink(t, 10*time.Millisecond)
	if err := s.Write(context.Background(), block(48000, 480, 0)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Write(ctx, block(48000, 480, 0)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write = %v, want deadline exceeded", err)
	}
}

func TestFlushEmptiesBuffer(t *testing.T) {
	t.Parallel()

	s, _ := newSink(t, 50*time.Millisecond)
	ctx := context.Background()
	if err := s.Write(ctx, block(48000, 4800, 0)); err != nil {
		t.Fatal(err)
	}
	s.Flush()
	if got := s.OutputLatency(); got != 0 {
		t.Errorf("OutputLatency after Flush = %v, want 0", got)
	}
	if err := s.Write(ctx, block(48000, 480, 0)); err != nil {
		t.Fatal(err)
	}
}

func TestPausedOutputKeepsBuffer(t *testing.T) {
	t.Parallel()

	s, out := newSink(t, time.Second)
	if err := s.Write(context.Background(), block(48000, 4800, 0.5)); err != nil {
		t.Fatal(err)
	}
	s.SetPaused(true)
	buf, _ := out.pull(1024)
	for _, f := range buf {
		if f != [2]float64{} {
			t.Fatal("paused output should be silent")
		}
	}
	if got := s.OutputLatency(); got != 100*time.Millisecond {
		t.Errorf("OutputLatency while paused = %v, want 100ms", got)
	}

	s.SetPaused(false)
	out.pull(1024)
	if got := s.OutputLatency(); got >= 100*time.Millisecond {
		t.Errorf("OutputLatency after resume = %v, want less than 100ms", got)
	}
}

func TestSetRateConsumesFaster(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate float64
		want int64
	}{
		{rate: 1, want: 2000},
		{rate: 2, want: 4000},
		{rate: 0.5, want: 1000},
	}
	for _, tt := range tests {
		s, out := newSink(t, 10*time.Second)
		if err := s.SetRate(tt.rate); err != nil {
			t.Fatal(err)
		}
		if err := s.Write(context.Background(), block(48000, 48000, 0)); err != nil {
			t.Fatal(err)
		}
		out.pull(2000)
		if got := s.Played(); math.Abs(float64(got-tt.want)) > readAhead {
			t.Errorf("rate %v: played %d source frames, want about %d", tt.rate, got, tt.want)
		}
	}
}

func TestResamplesOtherRates(t *testing.T) {
	t.Parallel()

	s, out := newSink(t, 10*time.Second)
	if err := s.Write(context.Background(), block(24000, 2400, 0)); err != nil {
		t.Fatal(err)
	}
	if got := s.OutputLatency(); got != 100*time.Millisecond {
		t.Fatalf("OutputLatency = %v, want 100ms", got)
	}
	out.pull(4800)
	if got := s.Played(); math.Abs(float64(got-2400)) > readAhead {
		t.Errorf("played %d source frames for 4800 device frames, want about 2400", got)
	}
}

func TestSetVolume(t *testing.T) {
	t.Parallel()

	s, out := newSink(t, time.Second)
	if err := s.Write(context.Background(), block(48000, 4800, 0.5)); err != nil {
		t.Fatal(err)
	}

	buf, _ := out.pull(256)
	if got := buf[len(buf)-1][0]; math.Abs(got-0.5) > 0.01 {
		t.Errorf("unity gain sample = %v, want 0.5", got)
	}

	if err := s.SetVolume(0.5); err != nil {
		t.Fatal(err)
	}
	buf, _ = out.pull(256)
	if got := buf[len(buf)-1][0]; math.Abs(got-0.25) > 0.01 {
		t.Errorf("half gain sample = %v, want 0.25", got)
	}

	if err := s.SetVolume(0); err != nil {
		t.Fatal(err)
	}
	buf, _ = out.pull(256)
	for _, f := range buf {
		if f != [2]float64{} {
			t.Fatal("muted output should be silent")
		}
	}

	for _, bad := range []float64{-0.1, 1.5, math.NaN()} {
		if err := s.SetVolume(bad); err == nil {
			t.Errorf("SetVolume(%v) should fail", bad)
		}
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	s, out := newSink(t, time.Second)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(context.Background(), block(48000, 10, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, ok := out.pull(16); ok {
		t.Error("closed sink should end its stream")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestConfigRejects(t *testing.T) {
	t.Parallel()

	if _, err := New(&fakeOutput{}, Config{Quality: 100}); err == nil {
		t.Error("New with quality 100 should fail")
	}
	s, _ := newSink(t, time.Second)
	for _, bad := range []float64{0, -1, math.Inf(1)} {
		if err := s.SetRate(bad); err == nil {
			t.Errorf("SetRate(%v) should fail", bad)
		}
	}
	if err := s.Write(context.Background(), &media.Samples{}); err == nil {
		t.Error("Write with no sample rate should fail")
	}
}
