package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

var contractBase = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newMiniStore(t *testing.T) (*GroupStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, Options{Prefix: "test:", TTL: time.Minute}), mr
}

func contractGroup(key string, createdAt time.Time, sourceIDs ...string) domain.Group {
	fragments := make([]domain.Fragment, 0, len(sourceIDs))

	for _, id := range sourceIDs {
		fragments = append(fragments, domain.Fragment{
			SourceID:    id,
			Channel:     domain.ChannelWhatsApp,
			PhoneNumber: "+1555",
			ReceivedAt:  createdAt,
			Media:       []domain.MediaRef{{SourceURL: "https://media/" + id}},
		})
	}

	return domain.Group{
		Key:         key,
		PhoneNumber: "+1555",
		Fragments:   fragments,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		Version:     1,
	}
}

func TestInsertIfAbsentConflicts(t *testing.T) {
	s, mr := newMiniStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("k1", contractBase, "SM1")))

	err := s.InsertIfAbsent(ctx, contractGroup("k1", contractBase, "SM2"))
	assert.ErrorIs(t, err, errs.ErrConflict)

	got, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, got.Fragments, 1)
	assert.Equal(t, "SM1", got.Fragments[0].SourceID)

	assert.Equal(t, time.Minute, mr.TTL("test:group:k1"))
}

func TestReadMissingGroup(t *testing.T) {
	s, _ := newMiniStore(t)

	_, err := s.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateChecksVersion(t *testing.T) {
	s, mr := newMiniStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("k1", contractBase, "SM1")))

	next := contractGroup("k1", contractBase, "SM1", "SM2")
	next.UpdatedAt = contractBase.Add(time.Second)
	require.NoError(t, s.Update(ctx, next, 1))

	got, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Len(t, got.Fragments, 2)
	assert.True(t, got.CreatedAt.Equal(contractBase))
	assert.True(t, got.UpdatedAt.Equal(contractBase.Add(time.Second)))
	assert.Equal(t, time.Minute, mr.TTL("test:group:k1"), "update keeps the ttl")

	stale := contractGroup("k1", contractBase, "SM1", "SM3")
	assert.ErrorIs(t, s.Update(ctx, stale, 1), errs.ErrConflict)

	gone := contractGroup("k2", contractBase, "SM9")
	assert.ErrorIs(t, s.Update(ctx, gone, 1), errs.ErrNotFound)
}

func TestDeleteReturnsRemovedRow(t *testing.T) {
	s, _ := newMiniStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("k1", contractBase, "SM1")))
	require.NoError(t, s.Update(ctx, contractGroup("k1", contractBase, "SM1", "SM2"), 1))

	removed, err := s.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.Len(t, removed.Fragments, 2)
	assert.Equal(t, int64(2), removed.Version)

	_, err = s.Delete(ctx, "k1")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Read(ctx, "k1")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	listed, err := s.ListOlderThan(ctx, contractBase.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestListOlderThanOrdersByCreation(t *testing.T) {
	s, _ := newMiniStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("late", contractBase.Add(2*time.Second), "SM3")))
	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("early", contractBase, "SM1")))
	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("young", contractBase.Add(time.Minute), "SM4")))

	listed, err := s.ListOlderThan(ctx, contractBase.Add(10*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "early", listed[0].Key)
	assert.Equal(t, "late", listed[1].Key)

	limited, err := s.ListOlderThan(ctx, contractBase.Add(10*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "early", limited[0].Key)
}

func TestDeleteOlderThanSkipsRecentlyWritten(t *testing.T) {
	s, _ := newMiniStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("idle", contractBase, "SM1")))
	require.NoError(t, s.InsertIfAbsent(ctx, contractGroup("touched", contractBase, "SM2")))

	touched := contractGroup("touched", contractBase, "SM2", "SM3")
	touched.UpdatedAt = contractBase.Add(10 * time.Minute)
	require.NoError(t, s.Update(ctx, touched, 1))

	n, err := s.DeleteOlderThan(ctx, contractBase.Add(5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Read(ctx, "idle")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Read(ctx, "touched")
	assert.NoError(t, err)
}

func TestPing(t *testing.T) {
	s, _ := newMiniStore(t)

	assert.NoError(t, s.Ping(context.Background()))
}
