package cli

import (
	"github.com/spf13/cobra"

	"github.com/zsiec/playsync/internal/source"
)

func (a *app) rtpCommand() *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "rtp <udp-addr>",
		Short: "Play H.264 (and optional AAC) received as RTP over UDP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := a.cfg.RTP
			src, err := source.ListenRTP(source.RTPConfig{
				Addr:             args[0],
				VideoPayloadType: uint8(rc.VideoPayloadType),
				AudioPayloadType: uint8(rc.AudioPayloadType),
				Audio:            rc.Audio,
				SampleRate:       rc.SampleRate,
				Channels:         rc.Channels,
			})
			if err != nil {
				return err
			}
			return a.runSession(cmd.Context(), cmd.OutOrStdout(), src, ro)
		},
	}
	f := cmd.Flags()
	f.Int("video-pt", source.DefaultVideoPayloadType, "RTP payload type of the H.264 stream")
	f.Int("audio-pt", source.DefaultAudioPayloadType, "RTP payload type of the AAC stream")
	f.Bool("rtp-audio", false, "expect an AAC stream")
	f.Int("audio-rate", 48000, "AAC RTP clock rate")
	f.DurationVar(&ro.limit, "for", 0, "stop after this much wall time")
	a.bind(f.Lookup, map[string]string{
		"rtp.video_payload_type": "video-pt",
		"rtp.audio_payload_type": "audio-pt",
		"rtp.audio":              "rtp-audio",
		"rtp.sample_rate":        "audio-rate",
	})
	return cmd
}
