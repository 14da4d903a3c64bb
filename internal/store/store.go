// Package store persists script definitions and their execution records.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a script or run does not exist.
var ErrNotFound = errors.New("store: not found")

// ScriptDefinition is a stored business-logic script together with the
// execution environment it expects.
type ScriptDefinition struct {
	ID          string    `json:"id" db:"id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Source      string    `json:"source" db:"source"`
	GlobalsJSON string    `json:"globals_json" db:"globals_json"`
	NativeFuncs []string  `json:"native_funcs" db:"-"`
	CronExpr    string    `json:"cron_expr,omitempty" db:"cron_expr"`
	TimeoutMs   int       `json:"timeout_ms" db:"timeout_ms"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ScriptRun records one execution of a stored script.
type ScriptRun struct {
	ID          string    `json:"id" db:"id"`
	ScriptID    string    `json:"script_id" db:"script_id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	ParamsJSON  string    `json:"params_json" db:"params_json"`
	Outcome     string    `json:"outcome" db:"outcome"`
	Success     bool      `json:"success" db:"success"`
	Logs        []string  `json:"logs,omitempty" db:"-"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
	DurationMs  int64     `json:"duration_ms" db:"duration_ms"`
}

// Store is the persistence boundary for scripts and runs.
type Store interface {
	CreateScript(ctx context.Context, def ScriptDefinition) (ScriptDefinition, error)
	UpdateScript(ctx context.Context, def ScriptDefinition) (ScriptDefinition, error)
	GetScript(ctx context.Context, id string) (ScriptDefinition, error)
	ListScripts(ctx context.Context, accountID string) ([]ScriptDefinition, error)
	DeleteScript(ctx context.Context, id string) error

	// ListScheduled returns every script with a cron expression.
	ListScheduled(ctx context.Context) ([]ScriptDefinition, error)

	CreateRun(ctx context.Context, run ScriptRun) (ScriptRun, error)
	GetRun(ctx context.Context, id string) (ScriptRun, error)
	ListRuns(ctx context.Context, scriptID string, limit int) ([]ScriptRun, error)
}
