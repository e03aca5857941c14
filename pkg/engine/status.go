package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a datamill run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource synced and the session
	// tasks completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates the run finished but abandoned at least
	// one resource after exhausting its retries.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates the run failed: the application could not
	// be launched or relaunched, or a session task returned an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates a stop request ended the run early.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial ||
		s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// StatusForReport derives the terminal status of a run from its completed
// sync report and the session task error, if any. Fatal errors and task
// failures dominate; a stop request beats partial completion.
func StatusForReport(report *SyncReport, taskErr error) RunStatus {
	if report == nil {
		return RunStatusFailed
	}
	if report.Failed() || taskErr != nil {
		return RunStatusFailed
	}
	if report.StopRequested {
		return RunStatusCancelled
	}
	if _, _, exhausted := report.Counts(); exhausted > 0 {
		return RunStatusPartial
	}
	return RunStatusSucceeded
}

// RunKind identifies which command produced a run.
type RunKind string

const (
	// RunKindFull is a complete run: portal report plus resource sync.
	RunKindFull RunKind = "run"

	// RunKindSync is a resource sync without the portal session.
	RunKindSync RunKind = "sync"

	// RunKindReport is a portal report fetch without the resource sync.
	RunKindReport RunKind = "report"

	// RunKindWatch is a resource sync triggered by a filesystem change.
	RunKindWatch RunKind = "watch"
)

// Validate checks if the run kind is valid.
func (k RunKind) Validate() error {
	switch k {
	case RunKindFull, RunKindSync, RunKindReport, RunKindWatch:
		return nil
	default:
		return fmt.Errorf("invalid run kind: %s", k)
	}
}
