package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/datamill/datamill/pkg/config"
	"github.com/datamill/datamill/pkg/engine"
	"github.com/datamill/datamill/pkg/portal"
	"github.com/datamill/datamill/pkg/publish"
	"github.com/datamill/datamill/pkg/stores"
	"github.com/datamill/datamill/pkg/telemetry"
	"github.com/datamill/datamill/pkg/workbook"
)

// shutdownTimeout bounds the store and telemetry teardown so a cancelled
// command still finalizes its run record.
const shutdownTimeout = 10 * time.Second

// runtime bundles what every command needs: parsed configuration, the
// telemetry stack, and the run history store.
type runtime struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore

	// cfgPath is the file the config was loaded from, empty when running
	// on built-in defaults.
	cfgPath string
}

// loadConfig loads the file named by --config, or the first default path
// that exists, and applies flag overrides on top. The returned path is
// empty when no config file was found.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		for _, p := range config.DefaultPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	loader := config.NewLoader()

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = loader.Load(path)
	} else {
		cfg, err = loader.LoadDefault()
	}
	if err != nil {
		return nil, "", err
	}

	// Flags win over the file and the environment.
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.LogFormat = logFormat
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	return cfg, path, nil
}

// newRuntime loads configuration, builds the telemetry stack, and opens the
// run history store, migrating it to the current schema. Callers own the
// runtime and must Close it.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry.Build(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create run store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize run store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate run store: %w", err)
	}

	return &runtime{cfg: cfg, tel: tel, store: store, cfgPath: cfgPath}, nil
}

// Close releases the store and flushes telemetry. It uses its own deadline
// so shutdown completes even when the command context is already cancelled.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rt.store.Close(); err != nil {
		rt.tel.Logger.WithError(err).Warn("failed to close run store")
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.tel.Logger.WithError(err).Warn("failed to shut down telemetry")
	}
}

// runOptions selects which halves of a full run execute.
type runOptions struct {
	kind       engine.RunKind
	withSync   bool
	withReport bool
}

// executeRun performs one orchestrated run: it records the run, starts the
// sync worker and the portal task, joins them, and persists the outcome.
// The returned error is non-nil exactly when the run is recorded as failed,
// so commands exit non-zero in step with the history.
func executeRun(ctx context.Context, rt *runtime, opts runOptions) error {
	if opts.withSync && len(rt.cfg.Workbooks.Paths) == 0 {
		return fmt.Errorf("no workbooks configured")
	}
	if opts.withReport {
		if err := checkPortalConfig(rt.cfg.Portal); err != nil {
			return err
		}
	}

	runID := uuid.New().String()
	log := rt.tel.Logger.WithRunID(runID)

	now := time.Now()
	run := &stores.Run{
		ID:         runID,
		Kind:       opts.kind,
		Status:     engine.RunStatusRunning,
		ConfigPath: rt.cfgPath,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := rt.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	rt.tel.Metrics.RecordRunStarted(string(opts.kind))
	log.WithField("kind", string(opts.kind)).Info("run started")

	workerCfg := rt.cfg.WorkerConfig()
	if !opts.withSync {
		workerCfg.Resources = nil
	}

	sink := stores.NewRunEventSink(rt.store, runID, rt.tel.Logger)
	launcher := workbook.NewLauncher(rt.tel.Logger)
	worker := engine.NewSyncWorker(launcher, workerCfg, rt.tel.Logger, rt.tel.Metrics, sink)

	var tasks []engine.Task
	if opts.withReport {
		tasks = append(tasks, portal.ReportTask(func(context.Context) (*portal.Session, error) {
			return newPortalSession(rt)
		}))
	}

	orch := engine.NewOrchestrator(worker, tasks, rt.tel.Logger)

	start := time.Now()
	taskErr := orch.Run(ctx)
	report := worker.Report()
	status := engine.StatusForReport(report, taskErr)

	rt.tel.Metrics.RecordRunCompleted(string(opts.kind), string(status), time.Since(start))

	// Finalize on a fresh context so a signal-cancelled run still lands in
	// the history.
	finCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if report != nil && len(report.Outcomes) > 0 {
		if err := rt.store.RecordOutcomes(finCtx, runID, report.Outcomes); err != nil {
			log.WithError(err).Warn("failed to record resource outcomes")
		}
	}

	runErr := runError(report, taskErr)
	var errMsg *string
	if runErr != nil {
		s := runErr.Error()
		errMsg = &s
	}
	if err := rt.store.FinishRun(finCtx, runID, status, errMsg, report); err != nil {
		log.WithError(err).Warn("failed to finalize run record")
	}

	log.WithFields(map[string]interface{}{
		"status":   string(status),
		"duration": time.Since(start).String(),
	}).Info("run finished")

	if status == engine.RunStatusFailed {
		return fmt.Errorf("run %s failed: %w", runID, runErr)
	}

	if status == engine.RunStatusSucceeded || status == engine.RunStatusPartial {
		if err := publishSynced(ctx, rt, report); err != nil {
			return fmt.Errorf("run %s: %w", runID, err)
		}
	}

	return nil
}

// runError derives the error a finished run reports. The worker's fatal
// error wins over the session task error.
func runError(report *engine.SyncReport, taskErr error) error {
	if report != nil && report.Err != nil {
		return report.Err
	}
	return taskErr
}

// checkPortalConfig rejects a report run before it records anything when
// the portal section is missing required values. The validator cannot
// require them globally because sync-only deployments never set them.
func checkPortalConfig(p config.PortalConfig) error {
	if p.URL == "" {
		return fmt.Errorf("portal url is not configured")
	}
	if p.Username == "" {
		return fmt.Errorf("portal username is not configured")
	}
	if p.Template == "" {
		return fmt.Errorf("portal template is not configured")
	}
	return nil
}

// newPortalSession builds a WebDriver-backed portal session from the portal
// config section.
func newPortalSession(rt *runtime) (*portal.Session, error) {
	p := rt.cfg.Portal

	driver, err := portal.NewWebDriver(portal.WebDriverConfig{
		URL:         p.WebDriverURL,
		Browser:     p.Browser,
		Headless:    p.Headless,
		DownloadDir: p.DownloadDir,
		PageTimeout: p.PageTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	return portal.NewSession(driver, portal.Config{
		URL:           p.URL,
		Username:      p.Username,
		Password:      p.Password,
		Template:      p.Template,
		BridgeSize:    p.BridgeSize,
		MaxAttempts:   p.MaxAttempts,
		RetryDelay:    p.RetryDelay.Std(),
		LocateTimeout: p.LocateTimeout.Std(),
	}, rt.tel.Logger, rt.tel.Metrics), nil
}

// publishSynced uploads the run's synced workbooks when publishing is
// enabled. Missing, exhausted, and skipped resources are not uploaded.
func publishSynced(ctx context.Context, rt *runtime, report *engine.SyncReport) error {
	if !rt.cfg.Publish.Enabled || report == nil {
		return nil
	}

	var paths []string
	for _, outcome := range report.Outcomes {
		if outcome.Status == engine.ResourceStatusSynced {
			paths = append(paths, outcome.Path)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	pub, err := publish.NewPublisher(publishConfig(rt.cfg.Publish), rt.tel.Logger, rt.tel.Metrics)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, paths); err != nil {
		return fmt.Errorf("failed to publish synced workbooks: %w", err)
	}
	return nil
}

// publishConfig converts the YAML publish section into the publisher's
// configuration.
func publishConfig(p config.PublishConfig) publish.Config {
	return publish.Config{
		Host:                  p.Host,
		Port:                  p.Port,
		Username:              p.Username,
		Password:              p.Password,
		KeyFile:               p.KeyFile,
		KnownHostsFile:        p.KnownHostsFile,
		InsecureIgnoreHostKey: p.InsecureIgnoreHostKey,
		RemoteDir:             p.RemoteDir,
		Timeout:               p.Timeout.Std(),
	}
}
