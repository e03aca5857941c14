package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/datamill/datamill/pkg/engine"
)

// Run is one recorded invocation of the sync pipeline.
type Run struct {
	ID          string           `json:"id"`
	Kind        engine.RunKind   `json:"kind"`
	Status      engine.RunStatus `json:"status"`
	ConfigPath  string           `json:"config_path"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Synced      int              `json:"synced"`
	Missing     int              `json:"missing"`
	Exhausted   int              `json:"exhausted"`
	Launches    int              `json:"launches"`
	Teardowns   int              `json:"teardowns"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ResourceSync is the persisted outcome of one resource within a run.
// Position preserves the order resources were processed in.
type ResourceSync struct {
	ID           int64                 `json:"id"`
	RunID        string                `json:"run_id"`
	Position     int                   `json:"position"`
	Path         string                `json:"path"`
	Status       engine.ResourceStatus `json:"status"`
	Attempts     int                   `json:"attempts"`
	AppRestarted bool                  `json:"app_restarted"`
	DurationMS   int64                 `json:"duration_ms"`
	Error        *string               `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Event is a persisted run event.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Level     string    `json:"level"`
	Resource  *string   `json:"resource,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for run history persistence.
type Store interface {
	// Lifecycle management
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status engine.RunStatus, errMsg *string, report *engine.SyncReport) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Resource sync operations
	RecordOutcomes(ctx context.Context, runID string, outcomes []engine.ResourceOutcome) error
	ListResourceSyncs(ctx context.Context, runID string) ([]*ResourceSync, error)
	LatestResourceSyncs(ctx context.Context) ([]*ResourceSync, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}
