package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datamill/datamill/pkg/telemetry"
)

// Default worker timing values.
const (
	// DefaultMaxRetries is the per-resource attempt budget.
	DefaultMaxRetries = 5

	// DefaultWorkerRetryDelay is the wait between failed attempts on the
	// same resource.
	DefaultWorkerRetryDelay = 2 * time.Second

	// DefaultSettleDelay is the fixed wait between refresh and save, giving
	// external data connections time to complete.
	DefaultSettleDelay = 5 * time.Second
)

// WorkerConfig configures one sync run.
type WorkerConfig struct {
	// Resources is the ordered list of resource paths to sync.
	Resources []string

	// MaxRetries is the attempt budget per resource. Zero or negative falls
	// back to DefaultMaxRetries.
	MaxRetries int

	// RetryDelay is the wait between failed attempts on one resource.
	RetryDelay time.Duration

	// SettleDelay is the wait between refresh and save.
	SettleDelay time.Duration

	// Exists reports whether a resource is present at path. Nil falls back
	// to a filesystem check.
	Exists func(path string) bool
}

// SyncWorker drives one application through an ordered list of resources on
// its own goroutine. It holds at most one open resource at a time, retries
// each resource up to the configured budget, and tears the application down
// and relaunches it whenever a resource exhausts its attempts before moving
// to the next one. A stop request takes effect between resources, never in
// the middle of one.
type SyncWorker struct {
	launcher Launcher
	cfg      WorkerConfig
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	sink     EventSink

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}

	mu     sync.Mutex
	report *SyncReport
}

// NewSyncWorker creates a worker for one run. launcher must not be nil; log,
// metrics, and sink may be.
func NewSyncWorker(launcher Launcher, cfg WorkerConfig, log *telemetry.Logger, metrics *telemetry.Metrics, sink EventSink) *SyncWorker {
	if log == nil {
		log = telemetry.Nop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Exists == nil {
		cfg.Exists = fileExists
	}
	return &SyncWorker{
		launcher: launcher,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		sink:     sink,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (w *SyncWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		w.log.WithField("resources", len(w.cfg.Resources)).Info("starting sync worker")
		go w.run(ctx)
	})
}

// Done returns a channel closed when the run completes.
func (w *SyncWorker) Done() <-chan struct{} {
	return w.done
}

// Stop requests the run end before the next resource and waits for the
// worker to finish. The resource currently in progress is never interrupted.
// Stop may be called any number of times.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.log.Info("sync worker stop requested")
	})
	if !w.started.Load() {
		return
	}
	<-w.done
}

// Report returns the completed run's report, or nil while the run is still
// in progress. After Done is closed the report is always non-nil.
func (w *SyncWorker) Report() *SyncReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.report
}

func (w *SyncWorker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.done)

	report := &SyncReport{StartedAt: time.Now()}
	defer func() {
		report.CompletedAt = time.Now()
		w.mu.Lock()
		w.report = report
		w.mu.Unlock()
	}()

	w.log.Info("launching application")
	app, err := w.launcher.Launch(ctx)
	if err != nil {
		w.log.WithError(err).Error("failed to launch application")
		w.publish(ctx, EventLevelError, "", "failed to launch application: "+err.Error())
		report.Err = fmt.Errorf("failed to launch application: %w", err)
		w.markSkipped(report, w.cfg.Resources)
		return
	}
	report.Launches++
	w.publish(ctx, EventLevelInfo, "", "application launched")

	for i, path := range w.cfg.Resources {
		if w.stopRequested(ctx) {
			w.log.Info("stop requested, ending sync run")
			w.publish(ctx, EventLevelInfo, "", "stop requested, remaining resources skipped")
			report.StopRequested = true
			w.markSkipped(report, w.cfg.Resources[i:])
			break
		}

		if !w.cfg.Exists(path) {
			w.log.WithResource(path).Warn("resource not found, skipping")
			w.publish(ctx, EventLevelWarn, path, "resource not found, skipping")
			report.Outcomes = append(report.Outcomes, ResourceOutcome{Path: path, Status: ResourceStatusMissing})
			w.metrics.RecordResourceSync(string(ResourceStatusMissing), 0, 0)
			continue
		}

		outcome, fatal := w.syncResource(ctx, &app, path, report)
		report.Outcomes = append(report.Outcomes, outcome)
		w.metrics.RecordResourceSync(string(outcome.Status), outcome.Attempts, outcome.Duration)
		if fatal != nil {
			report.Err = fatal
			w.markSkipped(report, w.cfg.Resources[i+1:])
			break
		}
	}

	if app != nil {
		w.teardownApp(ctx, app, report)
	}

	synced, missing, exhausted := report.Counts()
	w.log.WithFields(map[string]interface{}{
		"synced":    synced,
		"missing":   missing,
		"exhausted": exhausted,
	}).Info("sync run complete")
}

// syncResource retries one resource up to the configured budget. An
// exhausted resource is abandoned: its outcome records the final error and
// the application is torn down and relaunched so the next resource starts
// clean. The returned error is non-nil only when the relaunch itself fails,
// which aborts the run.
func (w *SyncWorker) syncResource(ctx context.Context, app *Application, path string, report *SyncReport) (ResourceOutcome, error) {
	log := w.log.WithResource(path)
	start := time.Now()
	outcome := ResourceOutcome{Path: path}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		outcome.Attempts = attempt
		err := w.processOnce(*app, path)
		if err == nil {
			outcome.Status = ResourceStatusSynced
			outcome.Duration = time.Since(start)
			log.WithAttempt(attempt, w.cfg.MaxRetries).Info("resource synced")
			w.publish(ctx, EventLevelInfo, path, fmt.Sprintf("resource synced on attempt %d", attempt))
			return outcome, nil
		}
		lastErr = err
		log.WithAttempt(attempt, w.cfg.MaxRetries).WithError(err).Warn("resource sync attempt failed")
		w.publish(ctx, EventLevelWarn, path, fmt.Sprintf("sync attempt %d/%d failed: %v", attempt, w.cfg.MaxRetries, err))
		if attempt < w.cfg.MaxRetries {
			time.Sleep(w.cfg.RetryDelay)
		}
	}

	outcome.Status = ResourceStatusExhausted
	outcome.Err = lastErr
	outcome.AppRestarted = true
	outcome.Duration = time.Since(start)
	log.WithError(lastErr).Error("resource abandoned after exhausting retries")
	w.publish(ctx, EventLevelError, path, fmt.Sprintf("abandoned after %d attempts: %v", w.cfg.MaxRetries, lastErr))

	if err := w.restartApplication(ctx, app, report); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// processOnce runs one attempt: open, refresh, settle, save, close. A handle
// left open by a failed refresh or save is closed before the error returns
// so the retry starts from a fresh open.
func (w *SyncWorker) processOnce(app Application, path string) error {
	log := w.log.WithResource(path)

	log.Debug("opening resource")
	res, err := app.Open(path)
	if err != nil {
		return NewTransientError("failed to open resource", err).WithOp("open").WithResource(path)
	}

	log.Debug("refreshing resource")
	if err := res.Refresh(); err != nil {
		w.closeQuietly(res, path)
		return NewTransientError("failed to refresh resource", err).WithOp("refresh").WithResource(path)
	}

	if w.cfg.SettleDelay > 0 {
		log.Debug("waiting for refresh to settle")
		time.Sleep(w.cfg.SettleDelay)
	}

	log.Debug("saving resource")
	if err := res.Save(); err != nil {
		w.closeQuietly(res, path)
		return NewTransientError("failed to save resource", err).WithOp("save").WithResource(path)
	}

	if err := res.Close(); err != nil {
		return NewTransientError("failed to close resource", err).WithOp("close").WithResource(path)
	}
	return nil
}

func (w *SyncWorker) closeQuietly(res Resource, path string) {
	if err := res.Close(); err != nil {
		w.log.WithResource(path).WithError(err).Debug("failed to close resource after error")
	}
}

// restartApplication tears the current application down and launches a fresh
// one. On relaunch failure the application pointer is left nil and the error
// aborts the run.
func (w *SyncWorker) restartApplication(ctx context.Context, app *Application, report *SyncReport) error {
	w.log.Info("recreating application after exhausted retries")
	w.teardownApp(ctx, *app, report)
	*app = nil
	w.metrics.RecordAppRestart()

	fresh, err := w.launcher.Launch(ctx)
	if err != nil {
		w.log.WithError(err).Error("failed to relaunch application")
		w.publish(ctx, EventLevelError, "", "failed to relaunch application: "+err.Error())
		return fmt.Errorf("failed to relaunch application: %w", err)
	}
	*app = fresh
	report.Launches++
	w.publish(ctx, EventLevelInfo, "", "application relaunched")
	return nil
}

func (w *SyncWorker) teardownApp(ctx context.Context, app Application, report *SyncReport) {
	if err := app.Quit(); err != nil {
		w.log.WithError(err).Warn("application teardown failed")
		w.publish(ctx, EventLevelWarn, "", "application teardown failed: "+err.Error())
	} else {
		w.log.Info("application closed")
	}
	report.Teardowns++
}

func (w *SyncWorker) markSkipped(report *SyncReport, paths []string) {
	for _, p := range paths {
		report.Outcomes = append(report.Outcomes, ResourceOutcome{Path: p, Status: ResourceStatusSkipped})
	}
}

func (w *SyncWorker) publish(ctx context.Context, level, resource, msg string) {
	if w.sink == nil {
		return
	}
	w.sink.Publish(ctx, Event{Time: time.Now(), Level: level, Resource: resource, Message: msg})
}
