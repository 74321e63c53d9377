package cli

import (
	"github.com/spf13/cobra"

	"github.com/zsiec/playsync/internal/playback"
	"github.com/zsiec/playsync/internal/source"
)

func (a *app) pullCommand() *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "pull <host:port>",
		Short: "Play a live MPEG-TS stream received over SRT",
		Long: `pull calls an SRT listener at host:port and plays the transport stream
it sends. With --listen it instead waits on host:port for a caller that
presents the configured stream key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc := a.cfg.SRT
			var src playback.Source
			var err error
			if sc.Listen {
				src, err = source.ListenSRT(ctx, args[0], sc.StreamKey, nil)
			} else {
				src, err = source.DialSRT(ctx, args[0], sc.StreamID, nil)
			}
			if err != nil {
				return err
			}
			return a.runSession(ctx, cmd.OutOrStdout(), src, ro)
		},
	}
	f := cmd.Flags()
	f.String("stream-id", "", "SRT stream id sent when calling")
	f.Bool("listen", false, "wait for an SRT caller instead of calling")
	f.String("stream-key", "", "stream key a caller must present when listening")
	f.DurationVar(&ro.limit, "for", 0, "stop after this much wall time")
	a.bind(f.Lookup, map[string]string{
		"srt.stream_id":  "stream-id",
		"srt.listen":     "listen",
		"srt.stream_key": "stream-key",
	})
	return cmd
}
