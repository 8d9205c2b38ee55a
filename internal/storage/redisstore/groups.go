// Package redisstore implements the group store on Redis.
//
// Each group is a JSON string key created with SET NX, so the first fragment of
// a window wins the key exactly like the relational primary key. Appends run
// under WATCH/MULTI with a version check, GETDEL is the release claim, and a
// sorted set scored by creation time serves the sweeper's age queries.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

const (
	defaultPrefix  = "relay:"
	defaultTTL     = 10 * time.Minute
	dialTimeout    = 5 * time.Second
	groupKeyPart   = "group:"
	createdIndex   = "groups:created"
	listScoreLimit = 500
)

// Options configures the store.
type Options struct {
	// Prefix namespaces every key the store writes.
	Prefix string
	// TTL bounds the lifetime of a group key as a backstop to the sweeper's purge.
	TTL time.Duration
}

// GroupStore implements ports.GroupStore on Redis.
type GroupStore struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// record is the stored JSON form of a group.
type record struct {
	PhoneNumber string            `json:"phone_number"`
	Fragments   []domain.Fragment `json:"fragments"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, opts Options) (*GroupStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return New(rdb, opts), nil
}

// New wraps an existing client.
func New(rdb goredis.UniversalClient, opts Options) *GroupStore {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}

	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}

	return &GroupStore{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL}
}

// Ping checks connectivity; used by the readiness probe.
func (s *GroupStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Close closes the underlying client.
func (s *GroupStore) Close() error {
	return s.rdb.Close() //nolint:wrapcheck // close error passed through
}

func (s *GroupStore) groupKey(key string) string {
	return s.prefix + groupKeyPart + key
}

func (s *GroupStore) indexKey() string {
	return s.prefix + createdIndex
}

func (s *GroupStore) InsertIfAbsent(ctx context.Context, group domain.Group) error {
	if group.Version <= 0 {
		group.Version = 1
	}

	data, err := encodeGroup(group)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, s.groupKey(group.Key), data, s.ttl).Result()
	if err != nil {
		return unavailable("insert group", err)
	}

	if !ok {
		return fmt.Errorf("insert group: %w", errs.ErrConflict)
	}

	if err := s.rdb.ZAdd(ctx, s.indexKey(), goredis.Z{Score: score(group.CreatedAt), Member: group.Key}).Err(); err != nil {
		// Without an index entry the sweeper would never see the group.
		_ = s.rdb.Del(ctx, s.groupKey(group.Key)).Err()

		return unavailable("index group", err)
	}

	return nil
}

func (s *GroupStore) Read(ctx context.Context, key string) (*domain.Group, error) {
	data, err := s.rdb.Get(ctx, s.groupKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("read group: %w", errs.ErrNotFound)
		}

		return nil, unavailable("read group", err)
	}

	return decodeGroup(key, data)
}

// Update writes the group under WATCH so a concurrent writer aborts the
// transaction, which is reported as ErrConflict.
func (s *GroupStore) Update(ctx context.Context, group domain.Group, expectedVersion int64) error {
	redisKey := s.groupKey(group.Key)

	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("update group: %w", errs.ErrNotFound)
			}

			return unavailable("update group", err)
		}

		current, err := decodeGroup(group.Key, data)
		if err != nil {
			return err
		}

		if current.Version != expectedVersion {
			return fmt.Errorf("update group: %w", errs.ErrConflict)
		}

		group.CreatedAt = current.CreatedAt
		group.PhoneNumber = current.PhoneNumber
		group.Version = expectedVersion + 1

		next, err := encodeGroup(group)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, redisKey, next, goredis.SetArgs{KeepTTL: true})

			return nil
		})

		return err //nolint:wrapcheck // classified by the caller
	}

	err := s.rdb.Watch(ctx, txf, redisKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("update group: %w", errs.ErrConflict)
	case errs.Is(err, errs.ErrConflict), errs.Is(err, errs.ErrNotFound), errs.Is(err, errs.ErrStorageUnavailable):
		return err
	default:
		return unavailable("update group", err)
	}
}

// Delete claims the group with GETDEL and returns it as removed.
func (s *GroupStore) Delete(ctx context.Context, key string) (*domain.Group, error) {
	data, err := s.rdb.GetDel(ctx, s.groupKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("delete group: %w", errs.ErrNotFound)
		}

		return nil, unavailable("delete group", err)
	}

	// A leftover index member only costs the sweeper one NotFound.
	_ = s.rdb.ZRem(ctx, s.indexKey(), key).Err()

	return decodeGroup(key, data)
}

func (s *GroupStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Group, error) {
	if limit <= 0 {
		limit = listScoreLimit
	}

	keys, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), olderThan(cutoff, int64(limit))).Result()
	if err != nil {
		return nil, unavailable("list groups", err)
	}

	groups := make([]domain.Group, 0, len(keys))

	for _, key := range keys {
		group, err := s.Read(ctx, key)
		if err != nil {
			if errs.Is(err, errs.ErrNotFound) {
				_ = s.rdb.ZRem(ctx, s.indexKey(), key).Err()

				continue
			}

			return nil, err
		}

		groups = append(groups, *group)
	}

	return groups, nil
}

// DeleteOlderThan scans groups created before cutoff and removes those whose
// last write is also before cutoff. Each removal runs under WATCH so a group
// written concurrently survives.
func (s *GroupStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), olderThan(cutoff, 0)).Result()
	if err != nil {
		return 0, unavailable("list expired groups", err)
	}

	var deleted int64

	for _, key := range keys {
		removed, err := s.deleteIfIdle(ctx, key, cutoff)
		if err != nil {
			return deleted, err
		}

		if removed {
			deleted++
		}
	}

	return deleted, nil
}

func (s *GroupStore) deleteIfIdle(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	redisKey := s.groupKey(key)
	removed := false

	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				// Stale index member.
				return tx.ZRem(ctx, s.indexKey(), key).Err() //nolint:wrapcheck // classified below
			}

			return err //nolint:wrapcheck // classified below
		}

		group, err := decodeGroup(key, data)
		if err != nil {
			return err
		}

		if !group.UpdatedAt.Before(cutoff) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			pipe.ZRem(ctx, s.indexKey(), key)

			return nil
		})
		if err == nil {
			removed = true
		}

		return err //nolint:wrapcheck // classified below
	}

	err := s.rdb.Watch(ctx, txf, redisKey)

	switch {
	case err == nil:
		return removed, nil
	case errors.Is(err, goredis.TxFailedErr):
		return false, nil
	default:
		return false, unavailable("delete expired group", err)
	}
}

func olderThan(cutoff time.Time, limit int64) *goredis.ZRangeBy {
	return &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatFloat(score(cutoff), 'f', -1, 64),
		Count: limit,
	}
}

// score maps a creation time onto the sorted set; milliseconds keep it exact in a float64.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func encodeGroup(group domain.Group) ([]byte, error) {
	if len(group.Fragments) == 0 {
		return nil, fmt.Errorf("encode group: %w: group has no fragments", errs.ErrDecode)
	}

	data, err := json.Marshal(record{
		PhoneNumber: group.PhoneNumber,
		Fragments:   group.Fragments,
		CreatedAt:   group.CreatedAt,
		UpdatedAt:   group.UpdatedAt,
		Version:     group.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("encode group: %w", err)
	}

	return data, nil
}

func decodeGroup(key string, data []byte) (*domain.Group, error) {
	var r record

	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", key, err)
	}

	return &domain.Group{
		Key:         key,
		PhoneNumber: r.PhoneNumber,
		Fragments:   r.Fragments,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Version:     r.Version,
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStorageUnavailable, err)
}
