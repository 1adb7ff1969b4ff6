package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/stageflow/pkg/model"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		run.ID, string(run.Status), run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status model.RunStatus, at time.Time) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", id, "status", status)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), at.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: not found", id)
	}
	return nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.Run, error) {
	var run model.Run
	var status, startedAt string
	var completedAt *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, completed_at FROM runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&run.ID, &status, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	run.Status = model.RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	return &run, nil
}

// --- Tasks ---

// UpdateTaskState inserts or replaces the record for rec.ID.
func (s *SQLiteStore) UpdateTaskState(ctx context.Context, rec *model.TaskRecord) error {
	s.logger.Debug("sql", "op", "upsert", "table", "tasks", "id", rec.ID.String(), "state", rec.State)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var exitCode *int64
	if rec.ExitCode != nil {
		v := int64(*rec.ExitCode)
		exitCode = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, sample, template, run_id, state, command_hash, log_path,
			exit_code, error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			state = excluded.state,
			command_hash = excluded.command_hash,
			log_path = excluded.log_path,
			exit_code = excluded.exit_code,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		rec.ID.String(), rec.ID.Sample, rec.ID.Template, rec.RunID, string(rec.State),
		rec.CommandHash, rec.LogPath, exitCode, rec.Error,
		formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", rec.ID, err)
	}
	return nil
}

const taskColumns = `sample, template, run_id, state, command_hash, log_path, exit_code, error,
	started_at, completed_at, updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, id model.TaskID) (*model.TaskRecord, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return rec, nil
}

// ListTasks returns every recorded task ordered by id.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var recs []*model.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Artifacts ---

// RecordOutputs stores markers for the artifacts a task just produced and
// clears any earlier removed flag.
func (s *SQLiteStore) RecordOutputs(ctx context.Context, producer model.TaskID, artifacts []model.ArtifactRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		s.logger.Debug("sql", "op", "upsert", "table", "artifacts", "path", a.Path)
		var modTime *string
		if a.Exists {
			v := a.ModTime.UTC().Format(time.RFC3339Nano)
			modTime = &v
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (path, producer, present, mod_time, size, transient, removed)
			 VALUES (?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(path) DO UPDATE SET
				producer = excluded.producer,
				present = excluded.present,
				mod_time = excluded.mod_time,
				size = excluded.size,
				transient = excluded.transient,
				removed = 0`,
			a.Path, producer.String(), boolInt(a.Exists), modTime, a.Size, boolInt(a.Transient),
		)
		if err != nil {
			return fmt.Errorf("record artifact %s: %w", a.Path, err)
		}
	}
	return tx.Commit()
}

// MarkRemoved flags a recorded artifact as deliberately deleted.
func (s *SQLiteStore) MarkRemoved(ctx context.Context, path string) error {
	s.logger.Debug("sql", "op", "update", "table", "artifacts", "path", path, "removed", true)
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET removed = 1, present = 0 WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("mark removed %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark removed %s: artifact not recorded", path)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, path string) (*model.ArtifactRecord, error) {
	var a model.ArtifactRecord
	var producer string
	var present, transient, removed int
	var modTime *string
	err := s.db.QueryRowContext(ctx,
		`SELECT path, producer, present, mod_time, size, transient, removed FROM artifacts WHERE path = ?`, path,
	).Scan(&a.Path, &producer, &present, &modTime, &a.Size, &transient, &removed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", path, err)
	}
	a.Producer, _ = model.ParseTaskID(producer)
	a.Exists = present != 0
	a.Transient = transient != 0
	a.Removed = removed != 0
	if t := parseTimePtr(modTime); t != nil {
		a.ModTime = *t
	}
	return &a, nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	var state, updatedAt string
	var exitCode *int64
	var startedAt, completedAt *string
	err := row.Scan(&rec.ID.Sample, &rec.ID.Template, &rec.RunID, &state, &rec.CommandHash,
		&rec.LogPath, &exitCode, &rec.Error, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = model.TaskState(state)
	if exitCode != nil {
		v := int(*exitCode)
		rec.ExitCode = &v
	}
	rec.StartedAt = parseTimePtr(startedAt)
	rec.CompletedAt = parseTimePtr(completedAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
