package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "sqlmock")), mock
}

func scriptColumns() []string {
	return []string{
		"id", "account_id", "name", "description", "source", "globals_json",
		"native_funcs", "cron_expr", "timeout_ms", "created_at", "updated_at",
	}
}

func TestPostgresStore_CreateScript(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO scripts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	def, err := s.CreateScript(context.Background(), ScriptDefinition{
		AccountID: "acct-1",
		Name:      "discount",
		Source:    "return 1;",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.False(t, def.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScript(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(scriptColumns()).AddRow(
		"id-1", "acct-1", "discount", "", "return 1;", "{}",
		pq.StringArray{"hostLookup"}, "", 5000, now, now,
	)
	mock.ExpectQuery("SELECT \\* FROM scripts WHERE id = \\$1").
		WithArgs("id-1").
		WillReturnRows(rows)

	def, err := s.GetScript(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, "discount", def.Name)
	assert.Equal(t, []string{"hostLookup"}, def.NativeFuncs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScript_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM scripts WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(scriptColumns()))

	_, err := s.GetScript(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteScript_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM scripts WHERE id = \\$1").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteScript(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO script_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run, err := s.CreateRun(context.Background(), ScriptRun{
		ScriptID: "id-1",
		Outcome:  `{"success":true,"result":3}`,
		Success:  true,
		Logs:     []string{"done"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	columns := []string{
		"id", "script_id", "account_id", "params_json", "outcome", "success",
		"logs", "started_at", "completed_at", "duration_ms",
	}
	rows := sqlmock.NewRows(columns).
		AddRow("run-2", "id-1", "acct-1", "{}", `{"success":true}`, true, pq.StringArray{}, now, now, 10).
		AddRow("run-1", "id-1", "acct-1", "{}", `{"success":false}`, false, pq.StringArray{"log"}, now.Add(-time.Minute), now, 20)
	mock.ExpectQuery("SELECT \\* FROM script_runs WHERE script_id = \\$1").
		WithArgs("id-1", 25).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), "id-1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, []string{"log"}, runs[1].Logs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
