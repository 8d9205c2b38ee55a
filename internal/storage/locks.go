package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ErrLockHeld is returned by WithAdvisoryLock when a non-blocking attempt finds
// the lock held by another session.
var ErrLockHeld = errors.New("advisory lock held by another session")

// lockSession is the part of a pgx connection the unlock path needs.
type lockSession interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// WithAdvisoryLock runs fn while holding a session advisory lock. Lock and
// unlock are issued on the same acquired connection, since pg advisory locks
// belong to the session that took them. With wait=false it returns ErrLockHeld
// instead of blocking.
func (db *DB) WithAdvisoryLock(ctx context.Context, lockID int64, wait bool, fn func(context.Context) error) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if wait {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
	} else {
		var acquired bool

		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
			return fmt.Errorf("try acquire advisory lock: %w", err)
		}

		if !acquired {
			return ErrLockHeld
		}
	}

	// Runs before Release: a closed connection is destroyed by the pool
	// instead of being handed out again still holding the lock.
	defer unlockOrClose(context.WithoutCancel(ctx), conn.Conn(), lockID, db.Logger)

	return fn(ctx)
}

// unlockOrClose releases the advisory lock. If the unlock fails the session is
// closed, which is the only other way Postgres drops a session lock.
func unlockOrClose(ctx context.Context, session lockSession, lockID int64, logger *zerolog.Logger) {
	_, err := session.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID)
	if err == nil {
		return
	}

	if logger != nil {
		logger.Warn().Err(err).Int64("lock_id", lockID).Msg("advisory unlock failed, closing connection")
	}

	if err := session.Close(ctx); err != nil && logger != nil {
		logger.Warn().Err(err).Int64("lock_id", lockID).Msg("failed to close connection holding advisory lock")
	}
}
