package stores

import (
	"context"
	"errors"
	"time"

	"github.com/progresso/progresso/pkg/engine"
)

// ErrNotFound is returned when a run is not in the history index.
var ErrNotFound = errors.New("not found")

// Run is one indexed run. The artifact on disk remains the record of truth;
// this row points at it and carries its digest.
type Run struct {
	ID             string            `json:"id"`
	TargetPath     string            `json:"target_path"`
	ArtifactPath   string            `json:"artifact_path"`
	ArtifactSHA256 string            `json:"artifact_sha256"`
	Format         string            `json:"format"`
	Backend        string            `json:"backend"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Outcome        engine.RunOutcome `json:"outcome"`
	Total          int               `json:"total"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	Skipped        int               `json:"skipped"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Summary returns the run's entry counts.
func (r *Run) Summary() engine.Summary {
	return engine.Summary{Total: r.Total, Succeeded: r.Succeeded, Failed: r.Failed, Skipped: r.Skipped}
}

// ServiceEntry is a progress entry together with the run it belongs to.
type ServiceEntry struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"run_started_at"`
	engine.ProgressEntry
}

// HistoryStore indexes completed runs.
type HistoryStore interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// RecordRun stores run and every entry of record in one transaction.
	RecordRun(ctx context.Context, run *Run, record *engine.ProgressRecord) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListEntries(ctx context.Context, runID string) ([]engine.ProgressEntry, error)
	ListServiceEntries(ctx context.Context, name string, limit int) ([]*ServiceEntry, error)
	FindRunByArtifact(ctx context.Context, path string) (*Run, error)
	DeleteRun(ctx context.Context, id string) error
}
