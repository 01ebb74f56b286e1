// Package sqldb stores run records and lifecycle events in a SQL database.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/storage"
)

// Store is a SQL implementation of ports.RunStore and ports.EventStore.
type Store struct {
	db *sqlx.DB
}

var (
	_ ports.RunStore   = (*Store)(nil)
	_ ports.EventStore = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // database/sql driver name
	DSN    string // Data source name / connection string
}

// New opens the database and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		db.SetMaxOpenConns(1)
		for _, stmt := range sqlitePragmas {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute pragma: %w", err)
			}
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite database at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
id TEXT PRIMARY KEY,
pipe_code TEXT NOT NULL,
session_id TEXT,
orchestration_id TEXT,
state TEXT NOT NULL,
created_at TIMESTAMP NOT NULL,
finished_at TIMESTAMP,
output TEXT,
error_type TEXT,
error_message TEXT
)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
id INTEGER PRIMARY KEY AUTOINCREMENT,
orchestration_id TEXT NOT NULL,
type TEXT NOT NULL,
session_id TEXT,
run_id TEXT,
pipe_code TEXT,
data TEXT,
created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created ON pipeline_runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_pipe ON pipeline_runs(pipe_code)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_orchestration ON lifecycle_events(orchestration_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	var output sql.NullString
	if run.Output != nil {
		data, err := json.Marshal(run.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		output = sql.NullString{String: string(data), Valid: true}
	}

	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}

	query := s.db.Rebind(`INSERT INTO pipeline_runs
(id, pipe_code, session_id, orchestration_id, state, created_at, finished_at, output, error_type, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
state=excluded.state, finished_at=excluded.finished_at, output=excluded.output,
error_type=excluded.error_type, error_message=excluded.error_message`)

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.PipeCode, string(run.SessionID), run.OrchestrationID, string(run.State),
		run.CreatedAt, finishedAt, output, run.ErrorType, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, pipe_code, session_id, orchestration_id, state, created_at, finished_at, output, error_type, error_message`

func (s *Store) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = ?`)

	run, err := scanRun(s.db.QueryRowxContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.PipelineRun, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM pipeline_runs
ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryxContext(ctx, query, storage.Limit(opts), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*domain.PipelineRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.PipelineRun, error) {
	var (
		run        domain.PipelineRun
		sessionID  sql.NullString
		orchID     sql.NullString
		state      string
		finishedAt sql.NullTime
		output     sql.NullString
		errType    sql.NullString
		errMessage sql.NullString
	)
	err := row.Scan(&run.ID, &run.PipeCode, &sessionID, &orchID, &state,
		&run.CreatedAt, &finishedAt, &output, &errType, &errMessage)
	if err != nil {
		return nil, err
	}

	run.SessionID = domain.SessionID(sessionID.String)
	run.OrchestrationID = orchID.String
	run.State = domain.RunState(state)
	run.ErrorType = errType.String
	run.Error = errMessage.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if output.Valid && output.String != "" {
		var out domain.PipeOutput
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
		run.Output = &out
	}
	return &run, nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	var data sql.NullString
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	query := s.db.Rebind(`INSERT INTO lifecycle_events
(orchestration_id, type, session_id, run_id, pipe_code, data, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		event.OrchestrationID, string(event.Type), string(event.SessionID), event.RunID,
		event.PipeCode, data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, orchestrationID string) ([]*domain.LifecycleEvent, error) {
	query := s.db.Rebind(`SELECT type, session_id, run_id, pipe_code, data, created_at
FROM lifecycle_events WHERE orchestration_id = ? ORDER BY id ASC`)

	rows, err := s.db.QueryContext(ctx, query, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*domain.LifecycleEvent{}
	for rows.Next() {
		event := domain.LifecycleEvent{OrchestrationID: orchestrationID}
		var (
			eventType string
			sessionID sql.NullString
			runID     sql.NullString
			pipeCode  sql.NullString
			data      sql.NullString
		)
		if err := rows.Scan(&eventType, &sessionID, &runID, &pipeCode, &data, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = domain.LifecycleEventType(eventType)
		event.SessionID = domain.SessionID(sessionID.String)
		event.RunID = runID.String
		event.PipeCode = pipeCode.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
