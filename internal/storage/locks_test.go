package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	execErr  error
	execSQL  []string
	execArgs [][]any
	closed   bool
}

func (s *fakeSession) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execSQL = append(s.execSQL, sql)
	s.execArgs = append(s.execArgs, args)

	return pgconn.CommandTag{}, s.execErr
}

func (s *fakeSession) Close(context.Context) error {
	s.closed = true

	return nil
}

func TestUnlockOrCloseKeepsHealthySession(t *testing.T) {
	session := &fakeSession{}
	logger := zerolog.Nop()

	unlockOrClose(context.Background(), session, SweeperLockID, &logger)

	assert.Equal(t, []string{"SELECT pg_advisory_unlock($1)"}, session.execSQL)
	assert.Equal(t, []any{SweeperLockID}, session.execArgs[0])
	assert.False(t, session.closed)
}

func TestUnlockOrCloseClosesSessionWhenUnlockFails(t *testing.T) {
	session := &fakeSession{execErr: errors.New("conn busy")}

	unlockOrClose(context.Background(), session, SweeperLockID, nil)

	assert.True(t, session.closed, "a session still holding the lock must not return to the pool")
}
