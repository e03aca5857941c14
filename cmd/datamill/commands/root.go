package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	dbPath     string

	// buildVersion is the binary version, carried into telemetry.
	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "datamill",
		Short: "Datamill - workbook refresh and portal report automation",
		Long: `Datamill refreshes a fleet of data workbooks and drives the reporting
portal's daily workflow in one orchestrated run.

The sync worker opens each configured workbook in turn, refreshes its
external connections, waits for the refresh to settle, and saves it,
relaunching the hosting application whenever a workbook exhausts its
retry budget. Concurrently, a portal session logs in, selects the
report template, and applies the day's date filters. Every run is
recorded in a local history database, and refreshed workbooks can be
published to an SFTP drop for downstream consumers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error|fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console|json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "run history database path")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newExtractCommand())

	return rootCmd
}
