package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datamill/datamill/pkg/telemetry"
)

// DefaultJoinPoll is how often the orchestrator logs while waiting for the
// sync worker to drain after the session tasks finish.
const DefaultJoinPoll = time.Second

// Task is a unit of session work run alongside the sync worker, typically
// the portal report workflow.
type Task struct {
	// Name identifies the task in logs and errors.
	Name string

	// Run does the work. A non-nil error fails the run.
	Run func(ctx context.Context) error
}

// Orchestrator runs the sync worker and the session tasks together: it
// starts the worker, runs every task to completion, then joins the worker.
// The join is event driven; the ticker only surfaces progress in the logs.
type Orchestrator struct {
	worker *SyncWorker
	tasks  []Task
	poll   time.Duration
	log    *telemetry.Logger

	stopOnce sync.Once
}

// NewOrchestrator creates an orchestrator over one worker and its session
// tasks.
func NewOrchestrator(worker *SyncWorker, tasks []Task, log *telemetry.Logger) *Orchestrator {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Orchestrator{
		worker: worker,
		tasks:  tasks,
		poll:   DefaultJoinPoll,
		log:    log,
	}
}

// Run starts the worker, runs the session tasks, and waits for both to
// finish. A task failure is returned after the worker has drained; the
// worker is never abandoned mid-resource. Context cancellation asks the
// worker to stop at the next resource boundary.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.worker.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range o.tasks {
		g.Go(func() error {
			log := o.log.WithField("task", task.Name)
			log.Info("task started")
			if err := task.Run(gctx); err != nil {
				log.WithError(err).Error("task failed")
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			log.Info("task complete")
			return nil
		})
	}
	taskErr := g.Wait()

	o.waitForWorker(ctx)
	return taskErr
}

// waitForWorker blocks until the worker finishes, logging a heartbeat each
// poll interval. Cancellation requests a worker stop and then waits for the
// in-progress resource to finish.
func (o *Orchestrator) waitForWorker(ctx context.Context) {
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-o.worker.Done():
			return
		case <-ticker.C:
			o.log.Info("waiting for resource sync to finish")
		case <-ctx.Done():
			o.log.Info("run cancelled, stopping sync worker")
			o.worker.Stop()
			return
		}
	}
}

// Stop asks the worker to end after its current resource and waits for it.
// Stop is idempotent; repeated calls return once the worker is done.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.log.Info("orchestrator stop requested")
	})
	o.worker.Stop()
}
