package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	// Reference adapters register themselves on import.
	_ "github.com/knowledgeforge/ragsync/internal/adapters/dirsink"
	_ "github.com/knowledgeforge/ragsync/internal/adapters/localdir"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _, cleanup, err := buildEngine(opts, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			report, runErr := engine.RunOnce(cmd.Context())
			if report != nil {
				fmt.Fprint(cmd.OutOrStdout(), report.RenderText())
			}
			return runErr
		},
	}
}
