package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
	"github.com/casefill/orchestrator/internal/models"
)

type taskRow struct {
	TaskID    string         `db:"task_id"`
	SessionID string         `db:"session_id"`
	RecordID  string         `db:"record_id"`
	Status    string         `db:"status"`
	Envelope  string         `db:"envelope"`
	Result    sql.NullString `db:"result"`
	ErrorCode sql.NullString `db:"error_code"`
	Error     sql.NullString `db:"error"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
	StartedAt sql.NullInt64  `db:"started_at"`
	ExpiresAt int64          `db:"expires_at"`
}

func (r *taskRow) toTask() (*Task, error) {
	t := &Task{
		ID:        r.TaskID,
		SessionID: r.SessionID,
		RecordID:  r.RecordID,
		Status:    Status(r.Status),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
		ExpiresAt: time.UnixMilli(r.ExpiresAt).UTC(),
	}
	if r.StartedAt.Valid {
		ts := time.UnixMilli(r.StartedAt.Int64).UTC()
		t.StartedAt = &ts
	}
	var env models.Envelope
	if err := json.Unmarshal([]byte(r.Envelope), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	t.Envelope = &env
	if r.Result.Valid && r.Result.String != "" {
		var res models.ExtractionResult
		if err := json.Unmarshal([]byte(r.Result.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &res
	}
	if r.Error.Valid || r.ErrorCode.Valid {
		t.Error = &TaskError{Code: r.ErrorCode.String, Message: r.Error.String}
	}
	return t, nil
}

const selectTask = `
	SELECT task_id, session_id, record_id, status, envelope, result, error_code, error,
		created_at, updated_at, started_at, expires_at
	FROM tasks`

// Store persists tasks in the shared SQL database. Status transitions are
// conditional updates so at most one writer moves a task forward.
type Store struct {
	db *circuitbreaker.DatabaseWrapper
}

// NewStore creates a store over an already migrated database
func NewStore(db *circuitbreaker.DatabaseWrapper) *Store {
	return &Store{db: db}
}

// Create inserts a pending task
func (s *Store) Create(ctx context.Context, t *Task) error {
	env, err := json.Marshal(t.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, record_id, status, envelope, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.RecordID, string(StatusPending), string(env),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get loads a task. Rows past expires_at are reported as ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, id string, now time.Time) (*Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, selectTask+` WHERE task_id = ? AND expires_at >= ?`, id, now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

// Claim moves a task from pending to processing. It returns false when
// the task already left pending.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusProcessing), now.UnixMilli(), now.UnixMilli(), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete records a successful result. It returns false when the task is
// not in processing.
func (s *Store) Complete(ctx context.Context, id string, result *models.ExtractionResult, now time.Time) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	return s.finish(ctx, id, StatusCompleted, sql.NullString{String: string(data), Valid: true}, nil, now)
}

// Fail records a failure. It returns false when the task is not in
// processing.
func (s *Store) Fail(ctx context.Context, id string, taskErr *TaskError, now time.Time) (bool, error) {
	return s.finish(ctx, id, StatusFailed, sql.NullString{}, taskErr, now)
}

func (s *Store) finish(ctx context.Context, id string, status Status, result sql.NullString, taskErr *TaskError, now time.Time) (bool, error) {
	var code, msg sql.NullString
	if taskErr != nil {
		code = sql.NullString{String: taskErr.Code, Valid: true}
		msg = sql.NullString{String: taskErr.Message, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, error_code = ?, error = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(status), result, code, msg, now.UnixMilli(), id, string(StatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListIDs returns ids of live tasks in the given status, oldest first
func (s *Store) ListIDs(ctx context.Context, status Status, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT task_id FROM tasks
		WHERE status = ? AND expires_at >= ?
		ORDER BY created_at
		LIMIT ?`, string(status), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return ids, nil
}

// FailOrphaned fails every processing task. Called at startup, when no
// worker of this process can hold one.
func (s *Store) FailOrphaned(ctx context.Context, taskErr *TaskError, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_code = ?, error = ?, updated_at = ?
		WHERE status = ?`,
		string(StatusFailed), taskErr.Code, taskErr.Message, now.UnixMilli(), string(StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteExpired removes tasks past their expiry
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
