package commands

import (
	"github.com/spf13/cobra"

	"github.com/datamill/datamill/pkg/engine"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run the portal report workflow alone",
		Long: `Report drives the portal's daily workflow without syncing any
workbooks: log in, select the configured template, filter both date
panels to today, and open the summary tab.

Each portal operation retries on its own budget; when one exhausts its
attempts the session is disposed and the run is recorded as failed.`,
		Example: `  # Today's report with the default config
  datamill report

  # With the portal credentials from the environment
  DATAMILL_PORTAL_PASSWORD=... datamill report`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return executeRun(cmd.Context(), rt, runOptions{
				kind:       engine.RunKindReport,
				withReport: true,
			})
		},
	}

	return cmd
}
