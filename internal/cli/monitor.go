package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playsync/internal/certs"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/sink/monitor"
)

// peerStats counts what one monitor sink has delivered.
type peerStats struct {
	frames    int64
	keyframes int64
	bytes     int64
	lastPTS   time.Duration
}

func (a *app) monitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Receive frames from players streaming with --monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runMonitor(cmd.Context(), cmd)
		},
	}
	f := cmd.Flags()
	f.String("listen", ":4450", "UDP address to receive on")
	f.StringSlice("host", nil, "extra certificate host names or addresses")
	a.bind(f.Lookup, map[string]string{
		"monitor.listen": "listen",
		"monitor.hosts":  "host",
	})
	return cmd
}

func (a *app) runMonitor(ctx context.Context, cmd *cobra.Command) error {
	mc := a.cfg.Monitor
	cert, err := certs.Generate(0, mc.Hosts...)
	if err != nil {
		return err
	}
	r, err := monitor.Listen(monitor.ReceiverConfig{Addr: mc.Listen, Cert: cert})
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\nfingerprint %s\n", r.Addr(), cert.FingerprintBase64())

	var mu sync.Mutex
	peers := make(map[string]*peerStats)
	handle := func(p monitor.Peer, _ uint64, f *media.Frame) {
		key := p.Name + "@" + p.RemoteAddr.String()
		mu.Lock()
		defer mu.Unlock()
		ps := peers[key]
		if ps == nil {
			ps = &peerStats{}
			peers[key] = ps
		}
		ps.frames++
		ps.bytes += int64(len(f.Data))
		if f.Keyframe {
			ps.keyframes++
		}
		if pts, ok := f.PTS.Get(); ok {
			ps.lastPTS = pts
		}
		for _, c := range f.Captions {
			slog.Info("caption", "peer", key, "channel", c.Channel, "text", c.Text)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Serve(gctx, handle) })
	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				mu.Lock()
				for key, ps := range peers {
					slog.Info("monitor",
						"peer", key,
						"frames", ps.frames,
						"keyframes", ps.keyframes,
						"bytes", ps.bytes,
						"pts", ps.lastPTS)
				}
				mu.Unlock()
			}
		}
	})
	return g.Wait()
}
