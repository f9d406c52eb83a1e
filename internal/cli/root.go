// Package cli wires the ragsync commands: sync, watch, reset, and status.
package cli

import (
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	projectFile string
	verbose     bool
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ragsync",
		Short:         "Mirror content shops into retrieval stores",
		Long:          "ragsync pulls incremental changes from configured content sources, merges them, and replays the result against every configured retrieval store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.projectFile, "project", "p", "ragsync.yaml", "path to the project file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newSyncCommand(opts),
		newWatchCommand(opts),
		newResetCommand(opts),
		newStatusCommand(),
	)
	return cmd
}
