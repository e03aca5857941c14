package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/datamill/datamill/pkg/engine"
	"github.com/datamill/datamill/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync workbooks whenever they change on disk",
		Long: `Watch monitors the configured workbook directories and re-runs the
sync whenever a watched file is written. Changes are debounced so a
burst of saves triggers one run, and changes arriving while a sync is
already running coalesce into a single follow-up run.

Each triggered sync is recorded as its own run. Watch runs until
interrupted.`,
		Example: `  # Watch the directories of the configured workbooks
  datamill watch

  # Watch with the metrics endpoint exposed
  datamill watch --config ./datamill.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return runWatch(cmd.Context(), rt)
		},
	}

	return cmd
}

// runWatch blocks until ctx is cancelled, running one sync per debounced
// batch of filesystem changes.
func runWatch(ctx context.Context, rt *runtime) error {
	if len(rt.cfg.Workbooks.Paths) == 0 {
		return fmt.Errorf("no workbooks configured")
	}

	dirs := rt.cfg.WatchPaths()
	if len(dirs) == 0 {
		return fmt.Errorf("no watch paths configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	// Long-running mode serves metrics over HTTP instead of pushing them.
	if err := rt.tel.StartMetricsServer(); err != nil {
		rt.tel.Logger.WithError(err).Warn("failed to start metrics server")
	}

	log := rt.tel.Logger.NewComponentLogger("watch")
	log.WithFields(map[string]interface{}{
		"dirs":     len(dirs),
		"debounce": rt.cfg.Watch.Debounce.Std().String(),
	}).Info("watching for workbook changes")

	// The trigger channel holds at most one pending trigger. Triggers
	// raised while a sync is running fill the slot and coalesce into a
	// single follow-up run.
	triggers := make(chan struct{}, 1)
	go debounceEvents(ctx, watcher, log, rt.cfg.Watch.Debounce.Std(), triggers)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch stopped")
			return nil
		case <-triggers:
			log.Info("change detected, starting sync")
			err := executeRun(ctx, rt, runOptions{
				kind:     engine.RunKindWatch,
				withSync: true,
			})
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Error("triggered sync failed")
			}
		}
	}
}

// debounceEvents folds raw filesystem events into sync triggers. The timer
// restarts on every relevant event, so a save storm produces one trigger
// after the quiet period.
func debounceEvents(ctx context.Context, watcher *fsnotify.Watcher, log *telemetry.Logger, debounce time.Duration, triggers chan<- struct{}) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevantChange(event.Op) {
				continue
			}
			log.WithResource(event.Name).Debug("filesystem change")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher error")
		case <-timer.C:
			select {
			case triggers <- struct{}{}:
			default:
			}
		}
	}
}

// relevantChange reports whether a filesystem operation should trigger a
// sync. Applications save workbooks by writing in place or by writing a
// temp file and renaming it over the original.
func relevantChange(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename)
}
