package cli

import (
	"github.com/spf13/cobra"

	"github.com/zsiec/playsync/internal/source"
)

func (a *app) playCommand() *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "play <file.ts>",
		Short: "Play an MPEG transport stream file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := source.OpenTS(ctx, args[0], nil)
			if err != nil {
				return err
			}
			return a.runSession(ctx, cmd.OutOrStdout(), src, ro)
		},
	}
	cmd.Flags().DurationVar(&ro.seek, "seek", 0, "start position")
	cmd.Flags().DurationVar(&ro.limit, "for", 0, "stop after this much wall time (0 plays to the end)")
	return cmd
}
