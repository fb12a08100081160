package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrStorage is returned when a store operation keeps failing on a busy
// database after every retry attempt.
var ErrStorage = errors.New("storage unavailable")

const (
	DefaultAttempts = 5
	DefaultBase     = 100 * time.Millisecond
)

// Retrier re-runs store operations that fail because SQLite is busy or locked.
// The wait before attempt n is base * 2^(n-1).
type Retrier struct {
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

// NewRetrier returns a Retrier. Non-positive values fall back to the defaults.
func NewRetrier(attempts int, base time.Duration, logger *slog.Logger) *Retrier {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if base <= 0 {
		base = DefaultBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		attempts: attempts,
		base:     base,
		logger:   logger.With("component", "retrier"),
	}
}

// Run calls op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func (r *Retrier) Run(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	inner := retry.WithMaxRetries(uint64(r.attempts-1), retry.NewExponential(r.base))
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		wait, stop := inner.Next()
		if !stop {
			r.logger.Warn("database busy, retrying", "attempt", attempt, "max_attempts", r.attempts, "wait", wait)
		}
		return wait, stop
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err != nil && IsBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && IsBusy(err) {
		r.logger.Error("database busy, giving up", "attempts", attempt, "error", err)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return err
}

// InTx runs fn inside a transaction, retrying the whole transaction on busy
// errors. fn must only touch the database through tx.
func (r *Retrier) InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return r.Run(ctx, func(ctx context.Context) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// IsBusy reports whether err is a transient SQLite lock error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY
// constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
