package cli

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/playsync/internal/synth"
)

func (a *app) genCommand() *cobra.Command {
	var cfg synth.Config
	cmd := &cobra.Command{
		Use:   "gen <out.ts>",
		Short: "Write a synthetic H.264/AAC transport stream for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			w := bufio.NewWriterSize(f, 64<<10)
			sum, err := synth.Write(w, cfg)
			if err == nil {
				err = w.Flush()
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("gen: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %v, %d video frames, %d audio frames, %d bytes\n",
				args[0], sum.Duration, sum.VideoFrames, sum.AudioFrames, sum.Bytes)
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&cfg.Duration, "duration", 10*time.Second, "stream duration")
	f.IntVar(&cfg.FrameRate, "fps", 25, "video frame rate")
	f.IntVar(&cfg.GOP, "gop", 0, "frames per keyframe interval (default one second)")
	f.IntVar(&cfg.FrameBytes, "frame-bytes", 1500, "slice bytes per video frame")
	f.BoolVar(&cfg.Audio, "aac", true, "include an AAC stream")
	f.IntVar(&cfg.SampleRate, "sample-rate", 48000, "audio sample rate")
	f.StringVar(&cfg.Captions, "captions", "", "CEA-608 caption text to embed")
	return cmd
}
