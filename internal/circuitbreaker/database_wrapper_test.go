package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, wrapper.PingContext(ctx))

	// Placeholders are rebound to the postgres style.
	mock.ExpectExec(`INSERT INTO sessions \(session_id\) VALUES \(\$1\)`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := wrapper.ExecContext(ctx, "INSERT INTO sessions (session_id) VALUES (?)", "sess-1")
	require.NoError(t, err)
	affected, _ := res.RowsAffected()
	assert.Equal(t, int64(1), affected)

	var ids []string
	mock.ExpectQuery("SELECT session_id FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("a").AddRow("b"))
	require.NoError(t, wrapper.SelectContext(ctx, &ids, "SELECT session_id FROM sessions"))
	assert.Equal(t, []string{"a", "b"}, ids)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	t.Setenv("CB_DB_FAILURE_THRESHOLD", "1")
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT status FROM tasks").WillReturnError(sql.ErrNoRows)
		var status string
		err := wrapper.GetContext(ctx, &status, "SELECT status FROM tasks WHERE task_id = ?", "missing")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestDatabaseWrapper_OpensOnFailures(t *testing.T) {
	t.Setenv("CB_DB_FAILURE_THRESHOLD", "2")
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mock.ExpectExec("UPDATE tasks").WillReturnError(errors.New("connection reset"))
		_, err := wrapper.ExecContext(ctx, "UPDATE tasks SET status = ?", "failed")
		require.Error(t, err)
	}
	require.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.ExecContext(ctx, "UPDATE tasks SET status = ?", "failed")
	assert.ErrorIs(t, err, ErrOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_TransactionWrapper(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions").WithArgs(2, "sess-1", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := wrapper.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "UPDATE sessions SET version = ? WHERE session_id = ? AND version = ?", 2, "sess-1", 1)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}
