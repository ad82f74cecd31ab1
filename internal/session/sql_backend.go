package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casefill/orchestrator/internal/circuitbreaker"
)

type sessionRow struct {
	SessionID string `db:"session_id"`
	RecordID  string `db:"record_id"`
	Context   string `db:"context"`
	Version   int64  `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
	ExpiresAt int64  `db:"expires_at"`
}

// SQLBackend stores sessions in the shared SQLite/PostgreSQL database
type SQLBackend struct {
	db *circuitbreaker.DatabaseWrapper
}

// NewSQLBackend creates a backend over an already migrated database
func NewSQLBackend(db *circuitbreaker.DatabaseWrapper) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) Name() string { return "sql" }

func (b *SQLBackend) Insert(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, record_id, context, version, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RecordID, string(data), s.Version,
		s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(), s.ExpiresAt.UnixMilli(),
	)
	return err
}

func (b *SQLBackend) Load(ctx context.Context, sessionID string) (*Session, error) {
	var row sessionRow
	err := b.db.GetContext(ctx, &row, `
		SELECT session_id, record_id, context, version, created_at, updated_at, expires_at
		FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s := &Session{
		ID:        row.SessionID,
		RecordID:  row.RecordID,
		Version:   row.Version,
		CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
		ExpiresAt: time.UnixMilli(row.ExpiresAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.Context), &s.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return s, nil
}

func (b *SQLBackend) Save(ctx context.Context, s *Session, expectedVersion int64) error {
	data, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE sessions SET context = ?, version = ?, updated_at = ?
		WHERE session_id = ? AND version = ?`,
		string(data), s.Version, s.UpdatedAt.UnixMilli(), s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Either the row is gone (swept) or another writer bumped the version.
	var exists int
	err = b.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM sessions WHERE session_id = ?`, s.ID)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return ErrConcurrentUpdate
}

func (b *SQLBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLBackend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }
