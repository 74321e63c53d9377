package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/playsync/internal/certs"
	"github.com/zsiec/playsync/internal/media"
)

// DefaultQueue is the number of frames a Sink holds for its writer.
const DefaultQueue = 64

var (
	// ErrClosed is returned by Present after Close.
	ErrClosed = errors.New("monitor: sink closed")
	// ErrDisconnected is returned by Present once the connection to the
	// receiver is gone.
	ErrDisconnected = errors.New("monitor: receiver disconnected")
)

// SinkConfig configures Dial.
type SinkConfig struct {
	Addr string
	// Fingerprint pins the receiver's certificate.
	Fingerprint [32]byte
	// Name identifies this sender to the receiver.
	Name   string
	Queue  int
	Logger *slog.Logger
}

// Sink is a video sink that forwards frames to a Receiver. Present never
// blocks: when the link cannot keep up, frames are dropped until the next
// keyframe.
type Sink struct {
	log    *slog.Logger
	conn   quic.Connection
	frames chan *groupFrame
	cancel context.CancelFunc
	done   chan struct{}
	// err is set by the writer before done closes.
	err error

	group        atomic.Uint64
	damagedGroup atomic.Uint64
	closed       atomic.Bool
	closeOnce    sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
	bytes   atomic.Int64
}

type groupFrame struct {
	group uint64
	frame *media.Frame
}

// SinkStats reports delivery counters.
type SinkStats struct {
	Sent    int64
	Dropped int64
	Bytes   int64
}

// Dial connects to the receiver at cfg.Addr and sends the hello.
func Dial(ctx context.Context, cfg SinkConfig) (*Sink, error) {
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := quic.DialAddr(ctx, cfg.Addr, certs.PinnedClientConfig(cfg.Fingerprint, ALPN), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: dial %s: %w", cfg.Addr, err)
	}

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("monitor: open control stream: %w", err)
	}
	hello := Hello{Version: Version, Name: cfg.Name}
	if err := writeControlMsg(control, msgHello, hello.marshal()); err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("monitor: send hello: %w", err)
	}

	return newSink(conn, cfg), nil
}

func newSink(conn quic.Connection, cfg SinkConfig) *Sink {
	s := &Sink{
		log:    cfg.Logger.With("component", "sink", "sink", "monitor", "addr", cfg.Addr),
		conn:   conn,
		frames: make(chan *groupFrame, cfg.Queue),
		done:   make(chan struct{}),
	}
	if conn == nil {
		close(s.done)
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.writeLoop(ctx)
	return s
}

// Present queues f for the receiver.
func (s *Sink) Present(f *media.Frame, _ image.Rectangle) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case <-s.done:
		if s.err != nil {
			return s.err
		}
	default:
	}
	if f.Keyframe {
		s.group.Add(1)
	}
	s.enqueue(&groupFrame{group: s.group.Load(), frame: f})
	return nil
}

// enqueue drops a frame whose group already lost a frame, since the
// receiver could not decode it.
func (s *Sink) enqueue(gf *groupFrame) {
	if gf.frame.Keyframe {
		s.damagedGroup.Store(0)
	} else if s.damagedGroup.Load() == gf.group {
		s.dropped.Add(1)
		return
	}

	select {
	case s.frames <- gf:
	default:
		s.dropped.Add(1)
		if !gf.frame.Keyframe {
			s.damagedGroup.Store(gf.group)
		}
	}
}

func (s *Sink) writeLoop(ctx context.Context) {
	defer close(s.done)

	var stream quic.SendStream
	var group uint64
	closeStream := func() {
		if stream != nil {
			stream.Close()
			stream = nil
		}
	}
	defer closeStream()

	lost := func(err error) {
		if ctx.Err() == nil {
			s.err = fmt.Errorf("%w: %w", ErrDisconnected, err)
			s.log.Warn("monitor connection lost", "error", err)
		}
	}

	var buf []byte
	for {
		var gf *groupFrame
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Context().Done():
			lost(context.Cause(s.conn.Context()))
			return
		case gf = <-s.frames:
		}

		if gf.frame.Keyframe || gf.group != group {
			closeStream()
			if !gf.frame.Keyframe {
				// Its keyframe was dropped; wait for the next one.
				s.dropped.Add(1)
				continue
			}
			group = gf.group
			var err error
			stream, err = s.conn.OpenUniStreamSync(ctx)
			if err != nil {
				lost(err)
				return
			}
			if _, err := stream.Write(appendGroupHeader(nil, group)); err != nil {
				s.log.Debug("group header write failed", "error", err)
				closeStream()
				continue
			}
		}
		if stream == nil {
			s.dropped.Add(1)
			continue
		}

		buf = appendFrame(buf[:0], gf.frame)
		if _, err := stream.Write(buf); err != nil {
			s.log.Debug("frame write failed", "error", err)
			stream.CancelWrite(0)
			stream = nil
			continue
		}
		s.sent.Add(1)
		s.bytes.Add(int64(len(buf)))
	}
}

// Stats returns delivery counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Bytes:   s.bytes.Load(),
	}
}

// Close flushes queued frames for up to a second, then closes the
// connection.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		for len(s.frames) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		s.cancel()
		<-s.done
		s.conn.CloseWithError(0, "bye")
	})
	return nil
}
