package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema holds the DDL for the script tables. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL,
	globals_json TEXT NOT NULL DEFAULT '{}',
	native_funcs TEXT[] NOT NULL DEFAULT '{}',
	cron_expr    TEXT NOT NULL DEFAULT '',
	timeout_ms   INTEGER NOT NULL DEFAULT 5000,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS script_runs (
	id           TEXT PRIMARY KEY,
	script_id    TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
	account_id   TEXT NOT NULL,
	params_json  TEXT NOT NULL DEFAULT '{}',
	outcome      TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	logs         TEXT[] NOT NULL DEFAULT '{}',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scripts_account ON scripts(account_id);
CREATE INDEX IF NOT EXISTS idx_script_runs_script ON script_runs(script_id, started_at DESC);
`

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// EnsureSchema applies the embedded DDL.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type scriptRow struct {
	ScriptDefinition
	NativeFuncsArr pq.StringArray `db:"native_funcs"`
}

type runRow struct {
	ScriptRun
	LogsArr pq.StringArray `db:"logs"`
}

func (r scriptRow) definition() ScriptDefinition {
	def := r.ScriptDefinition
	def.NativeFuncs = []string(r.NativeFuncsArr)
	return def
}

func (r runRow) run() ScriptRun {
	run := r.ScriptRun
	run.Logs = []string(r.LogsArr)
	return run
}

// CreateScript stores a new script definition.
func (s *PostgresStore) CreateScript(ctx context.Context, def ScriptDefinition) (ScriptDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	const q = `INSERT INTO scripts
		(id, account_id, name, description, source, globals_json, native_funcs, cron_expr, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.ExecContext(ctx, q,
		def.ID, def.AccountID, def.Name, def.Description, def.Source,
		def.GlobalsJSON, pq.StringArray(def.NativeFuncs), def.CronExpr,
		def.TimeoutMs, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return ScriptDefinition{}, fmt.Errorf("insert script: %w", err)
	}
	return def, nil
}

// UpdateScript modifies an existing script definition.
func (s *PostgresStore) UpdateScript(ctx context.Context, def ScriptDefinition) (ScriptDefinition, error) {
	def.UpdatedAt = time.Now().UTC()

	const q = `UPDATE scripts SET
		name = $2, description = $3, source = $4, globals_json = $5,
		native_funcs = $6, cron_expr = $7, timeout_ms = $8, updated_at = $9
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		def.ID, def.Name, def.Description, def.Source, def.GlobalsJSON,
		pq.StringArray(def.NativeFuncs), def.CronExpr, def.TimeoutMs, def.UpdatedAt)
	if err != nil {
		return ScriptDefinition{}, fmt.Errorf("update script: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ScriptDefinition{}, fmt.Errorf("script %s: %w", def.ID, ErrNotFound)
	}
	return s.GetScript(ctx, def.ID)
}

// GetScript retrieves a script by ID.
func (s *PostgresStore) GetScript(ctx context.Context, id string) (ScriptDefinition, error) {
	var row scriptRow
	const q = `SELECT * FROM scripts WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScriptDefinition{}, fmt.Errorf("script %s: %w", id, ErrNotFound)
		}
		return ScriptDefinition{}, fmt.Errorf("select script: %w", err)
	}
	return row.definition(), nil
}

// ListScripts returns all scripts for an account.
func (s *PostgresStore) ListScripts(ctx context.Context, accountID string) ([]ScriptDefinition, error) {
	var rows []scriptRow
	var err error
	if accountID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM scripts ORDER BY created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM scripts WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defs := make([]ScriptDefinition, len(rows))
	for i, row := range rows {
		defs[i] = row.definition()
	}
	return defs, nil
}

// DeleteScript removes a script.
func (s *PostgresStore) DeleteScript(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListScheduled returns scripts carrying a cron expression.
func (s *PostgresStore) ListScheduled(ctx context.Context) ([]ScriptDefinition, error) {
	var rows []scriptRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM scripts WHERE cron_expr <> ''`); err != nil {
		return nil, fmt.Errorf("list scheduled scripts: %w", err)
	}
	defs := make([]ScriptDefinition, len(rows))
	for i, row := range rows {
		defs[i] = row.definition()
	}
	return defs, nil
}

// CreateRun stores an execution record.
func (s *PostgresStore) CreateRun(ctx context.Context, run ScriptRun) (ScriptRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	const q = `INSERT INTO script_runs
		(id, script_id, account_id, params_json, outcome, success, logs, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, q,
		run.ID, run.ScriptID, run.AccountID, run.ParamsJSON, run.Outcome,
		run.Success, pq.StringArray(run.Logs), run.StartedAt, run.CompletedAt, run.DurationMs)
	if err != nil {
		return ScriptRun{}, fmt.Errorf("insert script run: %w", err)
	}
	return run, nil
}

// GetRun retrieves an execution record.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (ScriptRun, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM script_runs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScriptRun{}, fmt.Errorf("script run %s: %w", id, ErrNotFound)
		}
		return ScriptRun{}, fmt.Errorf("select script run: %w", err)
	}
	return row.run(), nil
}

// ListRuns returns execution history for a script, most recent first.
func (s *PostgresStore) ListRuns(ctx context.Context, scriptID string, limit int) ([]ScriptRun, error) {
	if limit <= 0 {
		limit = 25
	}
	var rows []runRow
	const q = `SELECT * FROM script_runs WHERE script_id = $1 ORDER BY started_at DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &rows, q, scriptID, limit); err != nil {
		return nil, fmt.Errorf("list script runs: %w", err)
	}
	runs := make([]ScriptRun, len(rows))
	for i, row := range rows {
		runs[i] = row.run()
	}
	return runs, nil
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
