// Package cli implements the playsync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/playsync/internal/config"
	"github.com/zsiec/playsync/internal/logger"
)

// Version information, set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	cfg     *config.Config
}

// NewRootCommand builds the playsync command tree with its own viper
// instance.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "playsync",
		Short: "Synchronized playback of MPEG-TS, SRT and RTP streams",
		Long: `playsync reads compressed audio and video from a file or a live
network source, paces presentation against an audio-driven clock, and
presents frames to a counting sink, the speaker, or a remote QUIC monitor.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ./playsync.yaml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.Float64("speed", 1, "initial playback speed")
	pf.Bool("loop", false, "restart seekable sources at the end")
	pf.Duration("prebuffer", 0, "span each queue holds before live playback starts")
	pf.String("audio", config.OutputSpeaker, "audio output (speaker, null, none)")
	pf.Float64("volume", 1, "audio volume in [0, 1]")
	pf.String("monitor", "", "stream presented frames to a monitor receiver at this address")
	pf.String("fingerprint", "", "base64 SHA-256 fingerprint of the monitor's certificate")

	a.bind(pf.Lookup, map[string]string{
		"logging.level":       "log-level",
		"logging.format":      "log-format",
		"playback.speed":      "speed",
		"playback.loop":       "loop",
		"playback.prebuffer":  "prebuffer",
		"audio.output":        "audio",
		"audio.volume":        "volume",
		"monitor.addr":        "monitor",
		"monitor.fingerprint": "fingerprint",
	})

	root.AddCommand(
		a.playCommand(),
		a.pullCommand(),
		a.rtpCommand(),
		a.monitorCommand(),
		a.genCommand(),
		versionCommand(),
	)
	return root
}

// bind ties config keys to flags. Unchanged flags do not override the
// config file or environment.
func (a *app) bind(lookup func(string) *pflag.Flag, keys map[string]string) {
	for key, name := range keys {
		if err := a.v.BindPFlag(key, lookup(name)); err != nil {
			panic(fmt.Sprintf("cli: bind %s: %v", key, err))
		}
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	a.cfg = cfg
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}
