package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/progresso/progresso/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is how timestamps are stored: fixed width UTC, so text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements HistoryStore using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ HistoryStore = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Each connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database, creating its directory if needed, and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// RecordRun stores run and the entries of record in a single transaction.
// Totals and outcome are taken from record.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run, record *engine.ProgressRecord) (err error) {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if record != nil {
		sum := record.Summary()
		run.Total, run.Succeeded, run.Failed, run.Skipped = sum.Total, sum.Succeeded, sum.Failed, sum.Skipped
		if run.Outcome == "" {
			run.Outcome = record.Outcome
		}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, target_path, artifact_path, artifact_sha256, format, backend,
			started_at, finished_at, outcome, total, succeeded, failed, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.TargetPath,
		run.ArtifactPath,
		run.ArtifactSHA256,
		run.Format,
		run.Backend,
		formatTime(run.StartedAt),
		formatTimePtr(run.FinishedAt),
		string(run.Outcome),
		run.Total,
		run.Succeeded,
		run.Failed,
		run.Skipped,
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	if record != nil {
		stmt, perr := tx.PrepareContext(ctx, `
			INSERT INTO progress_entries (run_id, position, name, start_mode, end_mode, action,
				start_processing_time, stop_time, cpu_responsive_time, end_time,
				gate_outcome, cpu_sample, outcome, error_detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if perr != nil {
			err = fmt.Errorf("failed to prepare entry insert: %w", perr)
			return err
		}
		defer stmt.Close()

		for _, e := range record.Entries {
			var sample sql.NullFloat64
			if e.CPUSample != nil {
				sample = sql.NullFloat64{Float64: *e.CPUSample, Valid: true}
			}
			_, err = stmt.ExecContext(ctx,
				run.ID,
				e.Position,
				e.Name,
				string(e.StartMode),
				string(e.EndMode),
				string(e.Action),
				formatTimePtr(e.StartProcessingTime),
				formatTimePtr(e.StopTime),
				formatTimePtr(e.CPUResponsiveTime),
				formatTimePtr(e.EndTime),
				string(e.GateOutcome),
				sample,
				string(e.Outcome),
				e.ErrorDetail,
			)
			if err != nil {
				return fmt.Errorf("failed to record entry %d: %w", e.Position, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, target_path, artifact_path, artifact_sha256, format, backend,
	started_at, finished_at, outcome, total, succeeded, failed, skipped, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var started, created string
	var finished sql.NullString
	var outcome string
	err := row.Scan(
		&run.ID,
		&run.TargetPath,
		&run.ArtifactPath,
		&run.ArtifactSHA256,
		&run.Format,
		&run.Backend,
		&started,
		&finished,
		&outcome,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&created,
	)
	if err != nil {
		return nil, err
	}
	run.Outcome = engine.RunOutcome(outcome)
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("invalid started_at for run %s: %w", run.ID, err)
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("invalid created_at for run %s: %w", run.ID, err)
	}
	if run.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, fmt.Errorf("invalid finished_at for run %s: %w", run.ID, err)
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// FindRunByArtifact returns the most recent run that wrote the artifact at path.
func (s *SQLiteStore) FindRunByArtifact(ctx context.Context, path string) (*Run, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE artifact_path = ? ORDER BY started_at DESC LIMIT 1`, path)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. A non-positive limit returns all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

const entryColumns = `position, name, start_mode, end_mode, action,
	start_processing_time, stop_time, cpu_responsive_time, end_time,
	gate_outcome, cpu_sample, outcome, error_detail`

func scanEntry(row rowScanner, extra ...any) (engine.ProgressEntry, error) {
	var e engine.ProgressEntry
	var startMode, endMode, action, gate, outcome string
	var processing, stop, responsive, end sql.NullString
	var sample sql.NullFloat64

	dest := append(extra,
		&e.Position,
		&e.Name,
		&startMode,
		&endMode,
		&action,
		&processing,
		&stop,
		&responsive,
		&end,
		&gate,
		&sample,
		&outcome,
		&e.ErrorDetail,
	)
	if err := row.Scan(dest...); err != nil {
		return e, err
	}

	e.StartMode = engine.StartMode(startMode)
	e.EndMode = engine.StartMode(endMode)
	e.Action = engine.Action(action)
	e.GateOutcome = engine.GateOutcome(gate)
	e.Outcome = engine.Outcome(outcome)
	if sample.Valid {
		v := sample.Float64
		e.CPUSample = &v
	}

	var err error
	if e.StartProcessingTime, err = parseNullTime(processing); err != nil {
		return e, err
	}
	if e.StopTime, err = parseNullTime(stop); err != nil {
		return e, err
	}
	if e.CPUResponsiveTime, err = parseNullTime(responsive); err != nil {
		return e, err
	}
	if e.EndTime, err = parseNullTime(end); err != nil {
		return e, err
	}
	return e, nil
}

// ListEntries returns the entries of a run in list order.
func (s *SQLiteStore) ListEntries(ctx context.Context, runID string) ([]engine.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM progress_entries WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.ProgressEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// ListServiceEntries returns the most recent entries for a service across runs.
// Names match case-insensitively.
func (s *SQLiteStore) ListServiceEntries(ctx context.Context, name string, limit int) ([]*ServiceEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_at, e.position, e.name, e.start_mode, e.end_mode, e.action,
			e.start_processing_time, e.stop_time, e.cpu_responsive_time, e.end_time,
			e.gate_outcome, e.cpu_sample, e.outcome, e.error_detail
		FROM progress_entries e
		JOIN runs r ON r.id = e.run_id
		WHERE e.name = ? COLLATE NOCASE
		ORDER BY r.started_at DESC
		LIMIT ?
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list service entries: %w", err)
	}
	defer rows.Close()

	out := []*ServiceEntry{}
	for rows.Next() {
		se := &ServiceEntry{}
		var started string
		e, err := scanEntry(rows, &se.RunID, &started)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service entry: %w", err)
		}
		if se.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("invalid started_at for run %s: %w", se.RunID, err)
		}
		se.ProgressEntry = e
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service entries: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run and its entries from the index. The artifact is left alone.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
