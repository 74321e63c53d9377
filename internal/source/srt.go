package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize holds ten 1316-byte SRT payloads of seven TS packets.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT receiver latency (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// messageReader adapts a message-oriented connection, whose reads must
// take a whole message, to the small reads of the demuxer.
type messageReader struct {
	*bufio.Reader
	once  sync.Once
	close func()
}

func newMessageReader(conn io.Reader, close func()) *messageReader {
	return &messageReader{
		Reader: bufio.NewReaderSize(conn, srtReadBufferSize),
		close:  close,
	}
}

func (m *messageReader) Close() error {
	m.once.Do(m.close)
	return nil
}

// openLive probes a live input, closing it when probing fails.
func openLive(ctx context.Context, r *messageReader, log *slog.Logger) (*TS, error) {
	s, err := NewTS(ctx, r, log)
	if err != nil {
		r.Close()
		return nil, err
	}
	return s, nil
}

// DialSRT connects to a remote SRT listener in caller mode and returns a
// live source over the transport stream it sends. An empty streamID is sent
// as none.
func DialSRT(ctx context.Context, addr, streamID string, log *slog.Logger) (*TS, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	log.Info("dialing", "component", "srt", "addr", addr, "stream_id", streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()
	// Close a connection whose dial completes after we gave up on it.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", addr, res.err)
		}
		return openLive(ctx, newMessageReader(res.conn, func() { res.conn.Close() }), log)
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("source: SRT dial %s timed out after %s", addr, srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// ListenSRT waits on addr for a publisher in listener mode and returns a
// live source over its stream. When streamKey is set, publishers announcing
// another key are rejected.
func ListenSRT(ctx context.Context, addr, streamKey string, log *slog.Logger) (*TS, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt")

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("source: SRT listen on %s: %w", addr, err)
	}
	log.Info("listening", "addr", addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if streamKey != "" && extractStreamKey(req.StreamID) != extractStreamKey(streamKey) {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	conn, err := l.Accept()
	if !stop() {
		if conn != nil {
			conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("source: SRT accept: %w", err)
	}
	log.Info("publish", "stream_key", extractStreamKey(conn.StreamID()), "remote", conn.RemoteAddr())

	return openLive(ctx, newMessageReader(conn, func() {
		conn.Close()
		l.Close()
	}), log)
}

// extractStreamKey normalizes an SRT stream id: a leading slash and a
// "live/" prefix are dropped.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
