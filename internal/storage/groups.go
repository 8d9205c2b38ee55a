package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

// GroupStore implements ports.GroupStore on the message_groups table. The
// primary key on group_key is the coordination primitive: the insert that wins
// it owns the group, and DELETE ... RETURNING is the release claim.
type GroupStore struct {
	db *DB
}

// NewGroupStore creates a GroupStore backed by the pool.
func NewGroupStore(db *DB) *GroupStore {
	return &GroupStore{db: db}
}

func (s *GroupStore) InsertIfAbsent(ctx context.Context, group domain.Group) error {
	fragments, err := marshalFragments(group.Fragments)
	if err != nil {
		return err
	}

	if group.Version <= 0 {
		group.Version = 1
	}

	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO message_groups (group_key, phone_number, fragments, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_key) DO NOTHING
	`, group.Key, SanitizeUTF8(group.PhoneNumber), fragments, group.CreatedAt, group.UpdatedAt, group.Version)
	if err != nil {
		return classify("insert message group", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert message group: %w", errs.ErrConflict)
	}

	return nil
}

func (s *GroupStore) Read(ctx context.Context, key string) (*domain.Group, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT group_key, phone_number, fragments, created_at, updated_at, version
		FROM message_groups
		WHERE group_key = $1
	`, key)

	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("read message group: %w", errs.ErrNotFound)
		}

		return nil, classify("read message group", err)
	}

	return group, nil
}

// Update replaces fragments and updated_at when the stored version matches.
// A zero-row update is disambiguated into ErrNotFound or ErrConflict.
func (s *GroupStore) Update(ctx context.Context, group domain.Group, expectedVersion int64) error {
	fragments, err := marshalFragments(group.Fragments)
	if err != nil {
		return err
	}

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE message_groups
		SET fragments = $2,
			updated_at = $3,
			version = version + 1
		WHERE group_key = $1 AND version = $4
	`, group.Key, fragments, group.UpdatedAt, expectedVersion)
	if err != nil {
		return classify("update message group", err)
	}

	if tag.RowsAffected() == 0 {
		return s.missedUpdate(ctx, group.Key)
	}

	return nil
}

// missedUpdate tells a vanished row from a concurrent version bump.
func (s *GroupStore) missedUpdate(ctx context.Context, key string) error {
	var exists bool

	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM message_groups WHERE group_key = $1)
	`, key).Scan(&exists)
	if err != nil {
		return classify("check message group", err)
	}

	if !exists {
		return fmt.Errorf("update message group: %w", errs.ErrNotFound)
	}

	return fmt.Errorf("update message group: %w", errs.ErrConflict)
}

// Delete removes the group and returns the row as it was at deletion time.
func (s *GroupStore) Delete(ctx context.Context, key string) (*domain.Group, error) {
	row := s.db.Pool.QueryRow(ctx, `
		DELETE FROM message_groups
		WHERE group_key = $1
		RETURNING group_key, phone_number, fragments, created_at, updated_at, version
	`, key)

	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("delete message group: %w", errs.ErrNotFound)
		}

		return nil, classify("delete message group", err)
	}

	return group, nil
}

func (s *GroupStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Group, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT group_key, phone_number, fragments, created_at, updated_at, version
		FROM message_groups
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, classify("list message groups", err)
	}
	defer rows.Close()

	var groups []domain.Group

	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, classify("scan message group", err)
		}

		groups = append(groups, *group)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list message groups", err)
	}

	return groups, nil
}

func (s *GroupStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM message_groups
		WHERE updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, classify("delete expired message groups", err)
	}

	return tag.RowsAffected(), nil
}

func scanGroup(row pgx.Row) (*domain.Group, error) {
	var (
		group     domain.Group
		fragments []byte
	)

	if err := row.Scan(&group.Key, &group.PhoneNumber, &fragments, &group.CreatedAt, &group.UpdatedAt, &group.Version); err != nil {
		return nil, err //nolint:wrapcheck // callers classify pgx errors
	}

	decoded, err := unmarshalFragments(fragments)
	if err != nil {
		return nil, err
	}

	group.Fragments = decoded

	return &group, nil
}

func marshalFragments(fragments []domain.Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("marshal fragments: %w: group has no fragments", errs.ErrDecode)
	}

	data, err := json.Marshal(fragments)
	if err != nil {
		return nil, fmt.Errorf("marshal fragments: %w", err)
	}

	return data, nil
}

func unmarshalFragments(data []byte) ([]domain.Fragment, error) {
	var fragments []domain.Fragment

	if err := json.Unmarshal(data, &fragments); err != nil {
		return nil, fmt.Errorf("unmarshal fragments: %w", err)
	}

	return fragments, nil
}
