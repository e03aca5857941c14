package commands

import (
	"github.com/spf13/cobra"

	"github.com/datamill/datamill/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var skipReport bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync workbooks and run the portal report together",
		Long: `Run starts the workbook sync worker and the portal report workflow
concurrently, waits for both, and records the outcome as one run.

The sync worker processes the configured workbooks strictly in order,
retrying each up to its attempt budget. The portal workflow logs in,
selects the configured template, and applies today's date filters. A
portal failure never interrupts the sync; it is reported after the
worker finishes.`,
		Example: `  # Full run with the default config
  datamill run

  # Full run with an explicit config file
  datamill run --config ./datamill.yaml

  # Sync the workbooks but skip the portal workflow
  datamill run --skip-report`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return executeRun(cmd.Context(), rt, runOptions{
				kind:       engine.RunKindFull,
				withSync:   true,
				withReport: !skipReport,
			})
		},
	}

	cmd.Flags().BoolVar(&skipReport, "skip-report", false, "sync workbooks without the portal workflow")

	return cmd
}
