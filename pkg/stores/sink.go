package stores

import (
	"context"

	"github.com/datamill/datamill/pkg/engine"
	"github.com/datamill/datamill/pkg/telemetry"
)

// RunEventSink adapts a Store into an engine.EventSink, stamping every
// published event with the owning run ID. Persistence failures are logged
// and swallowed so a broken history database never interrupts a sync.
type RunEventSink struct {
	store Store
	runID string
	log   *telemetry.Logger
}

// NewRunEventSink creates a sink that persists events under the given run.
func NewRunEventSink(store Store, runID string, log *telemetry.Logger) *RunEventSink {
	if log == nil {
		log = telemetry.Nop()
	}
	return &RunEventSink{store: store, runID: runID, log: log}
}

// Publish implements engine.EventSink.
func (s *RunEventSink) Publish(ctx context.Context, ev engine.Event) {
	event := &Event{
		RunID:     s.runID,
		Level:     ev.Level,
		Message:   ev.Message,
		Timestamp: ev.Time,
	}
	if ev.Resource != "" {
		event.Resource = &ev.Resource
	}

	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.log.WithRunID(s.runID).WithError(err).Warn("failed to persist run event")
	}
}
