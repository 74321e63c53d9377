package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/playsync/internal/certs"
	"github.com/zsiec/playsync/internal/media"
)

// ReceiverConfig configures Listen.
type ReceiverConfig struct {
	Addr   string
	Cert   *certs.CertInfo
	Logger *slog.Logger
}

// Peer identifies a connected sink.
type Peer struct {
	Name       string
	RemoteAddr net.Addr
}

// FrameHandler is called for every received frame. Frames of one group
// arrive in order; different groups and peers may be delivered
// concurrently.
type FrameHandler func(p Peer, group uint64, f *media.Frame)

// Receiver accepts monitor sinks.
type Receiver struct {
	log    *slog.Logger
	ln     *quic.Listener
	closed atomic.Bool
}

// Listen starts a QUIC listener presenting cfg.Cert.
func Listen(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Cert == nil {
		return nil, errors.New("monitor: receiver needs a certificate")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ln, err := quic.ListenAddr(cfg.Addr, cfg.Cert.ServerConfig(ALPN), &quic.Config{
		MaxIdleTimeout:        30 * time.Second,
		MaxIncomingUniStreams: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: listen %s: %w", cfg.Addr, err)
	}
	r := &Receiver{
		log: cfg.Logger.With("component", "monitor-receiver"),
		ln:  ln,
	}
	r.log.Info("monitor receiver listening", "addr", ln.Addr(), "fingerprint", cfg.Cert.FingerprintBase64())
	return r, nil
}

// Addr returns the listening address.
func (r *Receiver) Addr() net.Addr { return r.ln.Addr() }

// Serve accepts sinks until ctx ends, then waits for their streams to
// finish. It returns nil on cancellation.
func (r *Receiver) Serve(ctx context.Context, fn FrameHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || r.closed.Load() {
				return nil
			}
			return fmt.Errorf("monitor: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handleConn(ctx, conn, fn)
		}()
	}
}

func (r *Receiver) handleConn(ctx context.Context, conn quic.Connection, fn FrameHandler) {
	log := r.log.With("remote", conn.RemoteAddr())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.CloseWithError(0, "")

	helloCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	control, err := conn.AcceptStream(helloCtx)
	if err != nil {
		cancel()
		log.Warn("no control stream", "error", err)
		return
	}
	msgType, payload, err := readControlMsg(control)
	cancel()
	if err != nil || msgType != msgHello {
		log.Warn("bad hello", "type", msgType, "error", err)
		return
	}
	hello, err := parseHello(payload)
	if err != nil {
		log.Warn("bad hello", "error", err)
		return
	}
	if hello.Version != Version {
		log.Warn("unsupported version", "version", hello.Version)
		conn.CloseWithError(1, "unsupported version")
		return
	}
	peer := Peer{Name: hello.Name, RemoteAddr: conn.RemoteAddr()}
	log = log.With("peer", hello.Name)
	log.Info("monitor sink connected")

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			log.Info("monitor sink disconnected", "reason", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := readGroup(stream, peer, fn); err != nil {
				log.Debug("group stream ended", "error", err)
			}
		}()
	}
}

func readGroup(stream io.Reader, peer Peer, fn FrameHandler) error {
	br := bufio.NewReader(stream)
	group, err := readGroupHeader(br)
	if err != nil {
		return err
	}
	for {
		f, err := readFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(peer, group, f)
	}
}

// Close stops accepting sinks.
func (r *Receiver) Close() error {
	r.closed.Store(true)
	return r.ln.Close()
}
