package commands

import (
	"github.com/spf13/cobra"

	"github.com/datamill/datamill/pkg/engine"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh and save the configured workbooks",
		Long: `Sync runs the workbook worker alone: each configured workbook is
opened, refreshed, and saved in order, without touching the portal.

A workbook that fails all its attempts is abandoned and the hosting
application is relaunched before the next one; the run is then recorded
as partial rather than failed.`,
		Example: `  # Sync with the default config
  datamill sync

  # Sync against a specific history database
  datamill sync --db ./history.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return executeRun(cmd.Context(), rt, runOptions{
				kind:     engine.RunKindSync,
				withSync: true,
			})
		},
	}

	return cmd
}
