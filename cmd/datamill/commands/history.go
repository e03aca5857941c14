package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/datamill/datamill/pkg/stores"
)

// historyEventLimit caps how many events the detail view fetches for one
// run.
const historyEventLimit = 200

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Long: `History lists the runs recorded in the local database, most recent
first. With --run it shows one run in full: its per-workbook outcomes
in processing order and the events the worker emitted along the way.`,
		Example: `  # The 20 most recent runs
  datamill history

  # More of them
  datamill history --limit 100

  # One run's workbook outcomes and events
  datamill history --run 6f1c9a52-6077-4f94-9cb5-d47af15f4a11`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if runID != "" {
				return showRun(cmd, rt, runID)
			}
			return listRuns(cmd, rt, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show one run's outcomes and events")

	return cmd
}

func listRuns(cmd *cobra.Command, rt *runtime, limit int) error {
	runs, err := rt.store.ListRuns(cmd.Context(), limit, 0)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	formatRuns(os.Stdout, runs)
	return nil
}

func showRun(cmd *cobra.Command, rt *runtime, runID string) error {
	ctx := cmd.Context()

	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	syncs, err := rt.store.ListResourceSyncs(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load resource outcomes: %w", err)
	}

	events, err := rt.store.GetEvents(ctx, &runID, nil, historyEventLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}

	formatRunDetail(os.Stdout, run, syncs, events)
	return nil
}

// formatRuns writes one line per run, aligned in columns.
func formatRuns(w io.Writer, runs []*stores.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tSYNCED\tMISSING\tEXHAUSTED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			run.ID,
			run.Kind,
			run.Status,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			runDuration(run),
			run.Synced,
			run.Missing,
			run.Exhausted,
		)
	}
	tw.Flush()
}

// formatRunDetail writes a run header followed by its resource outcomes and
// events.
func formatRunDetail(w io.Writer, run *stores.Run, syncs []*stores.ResourceSync, events []*stores.Event) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Kind:     %s\n", run.Kind)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	if run.ConfigPath != "" {
		fmt.Fprintf(w, "Config:   %s\n", run.ConfigPath)
	}
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", runDuration(run))
	fmt.Fprintf(w, "Launches: %d, teardowns: %d\n", run.Launches, run.Teardowns)
	if run.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", *run.Error)
	}

	if len(syncs) > 0 {
		fmt.Fprintf(w, "\nWorkbooks:\n")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tPATH\tSTATUS\tATTEMPTS\tDURATION\tERROR")
		for _, rs := range syncs {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%s\n",
				rs.Position,
				rs.Path,
				rs.Status,
				rs.Attempts,
				(time.Duration(rs.DurationMS) * time.Millisecond).String(),
				optional(rs.Error),
			)
		}
		tw.Flush()
	}

	if len(events) > 0 {
		fmt.Fprintf(w, "\nEvents:\n")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  TIME\tLEVEL\tRESOURCE\tMESSAGE")
		for _, ev := range events {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
				ev.Timestamp.Format("15:04:05"),
				ev.Level,
				optional(ev.Resource),
				ev.Message,
			)
		}
		tw.Flush()
	}
}

// runDuration renders the wall time of a finished run, or "-" while it is
// still in progress.
func runDuration(run *stores.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
