package engine

import (
	"context"
	"fmt"
	"time"
)

// ResourceStatus is the terminal status of one resource within a sync run.
type ResourceStatus string

const (
	// ResourceStatusSynced indicates the resource was refreshed and saved.
	ResourceStatusSynced ResourceStatus = "synced"

	// ResourceStatusMissing indicates the resource did not exist at its path
	// and was skipped. Not an error.
	ResourceStatusMissing ResourceStatus = "missing"

	// ResourceStatusExhausted indicates every retry attempt failed and the
	// resource was abandoned after the application was recreated.
	ResourceStatusExhausted ResourceStatus = "exhausted"

	// ResourceStatusSkipped indicates the resource was never attempted
	// because a stop was requested or the run aborted before reaching it.
	ResourceStatusSkipped ResourceStatus = "skipped"
)

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusSynced, ResourceStatusMissing, ResourceStatusExhausted, ResourceStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// Succeeded reports whether the resource ended in a successful state.
// Missing counts as success: skipping a non-existent resource is normal flow.
func (s ResourceStatus) Succeeded() bool {
	return s == ResourceStatusSynced || s == ResourceStatusMissing
}

// ResourceOutcome is the explicit result of processing one resource.
// Abandonment after exhausted retries is a normal control path carried in
// values, never a propagated fault.
type ResourceOutcome struct {
	// Path identifies the resource.
	Path string

	// Status is the terminal status for this resource.
	Status ResourceStatus

	// Attempts is the number of refresh attempts performed.
	Attempts int

	// AppRestarted reports whether the application was torn down and
	// recreated because this resource exhausted its attempts.
	AppRestarted bool

	// Duration is the wall time spent on this resource.
	Duration time.Duration

	// Err is the failure of the final attempt for exhausted resources.
	Err error
}

// SyncReport aggregates the outcomes of one worker run.
type SyncReport struct {
	// StartedAt is when the run began.
	StartedAt time.Time

	// CompletedAt is when the run finished.
	CompletedAt time.Time

	// Outcomes holds one entry per configured resource, in list order.
	// Resources never attempted carry ResourceStatusSkipped.
	Outcomes []ResourceOutcome

	// Launches counts application constructions, including recreations.
	Launches int

	// Teardowns counts application teardown calls, including the final one.
	Teardowns int

	// StopRequested reports whether the run ended early because of a stop.
	StopRequested bool

	// Err is a fatal run error: the application could not be constructed or
	// reconstructed. Per-resource failures never set it.
	Err error
}

// Counts returns the number of synced, missing, and exhausted resources.
func (r *SyncReport) Counts() (synced, missing, exhausted int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case ResourceStatusSynced:
			synced++
		case ResourceStatusMissing:
			missing++
		case ResourceStatusExhausted:
			exhausted++
		}
	}
	return synced, missing, exhausted
}

// Failed reports whether the run itself failed. Exhausted resources do not
// fail the run; only a fatal application error does.
func (r *SyncReport) Failed() bool {
	return r.Err != nil
}

// Duration returns the wall time of the run.
func (r *SyncReport) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Event levels mirrored into persisted run events.
const (
	EventLevelInfo  = "info"
	EventLevelWarn  = "warn"
	EventLevelError = "error"
)

// Event is one observable moment of a run, mirrored to the event sink.
type Event struct {
	// Time is when the event occurred.
	Time time.Time

	// Level is one of the EventLevel constants.
	Level string

	// Resource is the resource path involved, empty for run-level events.
	Resource string

	// Message is the human-readable description.
	Message string
}

// EventSink receives run events for persistence or fan-out. Implementations
// should return quickly; the worker publishes inline.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}
