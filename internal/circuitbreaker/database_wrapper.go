package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "state-store"

// DatabaseWrapper wraps sqlx operations with a circuit breaker. sql.ErrNoRows
// is a normal outcome and never counts as a breaker failure.
type DatabaseWrapper struct {
	db *sqlx.DB
	cb *Breaker
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := New(db.DriverName(), databaseService, SettingsFor(KindDatabase, databaseService), logger,
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, sql.ErrNoRows) }),
	)
	return &DatabaseWrapper{db: db, cb: track(cb)}
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext wraps database exec with circuit breaker. The query is
// rebound to the driver's placeholder style.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return result, err
}

// GetContext scans a single row into dest
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// SelectContext scans all rows into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// BeginTx starts a transaction under the breaker
func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sqlx.Tx
	err := dw.cb.Execute(ctx, func() error {
		var err error
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, parent: dw}, nil
}

// DB returns the underlying handle for schema setup and health checks
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// IsCircuitBreakerOpen reports whether queries are currently being rejected
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}

// Snapshot reports the breaker state
func (dw *DatabaseWrapper) Snapshot() Snapshot { return dw.cb.Snapshot() }

// Close closes the underlying database
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// TxWrapper wraps sqlx.Tx with circuit breaker protection
type TxWrapper struct {
	tx     *sqlx.Tx
	parent *DatabaseWrapper
}

// ExecContext runs a statement inside the transaction
func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := tw.parent.cb.Execute(ctx, func() error {
		var err error
		result, err = tw.tx.ExecContext(ctx, tw.tx.Rebind(query), args...)
		return err
	})
	return result, err
}

// GetContext scans a single row inside the transaction
func (tw *TxWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return tw.parent.cb.Execute(ctx, func() error {
		return tw.tx.GetContext(ctx, dest, tw.tx.Rebind(query), args...)
	})
}

// Commit commits the transaction
func (tw *TxWrapper) Commit() error { return tw.tx.Commit() }

// Rollback aborts the transaction; safe to call after Commit
func (tw *TxWrapper) Rollback() error {
	err := tw.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
