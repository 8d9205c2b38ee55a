package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

// GroupStore is a thread-safe in-memory implementation of ports.GroupStore.
// Stored groups are copied on the way in and out so callers never share slices
// with the store, as with a real database.
type GroupStore struct {
	mu     sync.Mutex
	groups map[string]domain.Group

	// InsertIfAbsentFn allows overriding InsertIfAbsent behavior.
	InsertIfAbsentFn func(ctx context.Context, group domain.Group) error

	// ReadFn allows overriding Read behavior.
	ReadFn func(ctx context.Context, key string) (*domain.Group, error)

	// UpdateFn allows overriding Update behavior.
	UpdateFn func(ctx context.Context, group domain.Group, expectedVersion int64) error

	// DeleteFn allows overriding Delete behavior.
	DeleteFn func(ctx context.Context, key string) (*domain.Group, error)

	// ListOlderThanFn allows overriding ListOlderThan behavior.
	ListOlderThanFn func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Group, error)
}

// NewGroupStore creates a new mock group store.
func NewGroupStore() *GroupStore {
	return &GroupStore{
		groups: make(map[string]domain.Group),
	}
}

// InsertIfAbsent stores the group unless the key is taken.
func (s *GroupStore) InsertIfAbsent(ctx context.Context, group domain.Group) error {
	if s.InsertIfAbsentFn != nil {
		return s.InsertIfAbsentFn(ctx, group)
	}

	return s.InsertIfAbsentDirect(group)
}

// InsertIfAbsentDirect bypasses InsertIfAbsentFn; useful inside overrides.
func (s *GroupStore) InsertIfAbsentDirect(group domain.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group.Key]; ok {
		return errs.ErrConflict
	}

	if group.Version == 0 {
		group.Version = 1
	}

	s.groups[group.Key] = cloneGroup(group)

	return nil
}

// Read returns a copy of the stored group.
func (s *GroupStore) Read(ctx context.Context, key string) (*domain.Group, error) {
	if s.ReadFn != nil {
		return s.ReadFn(ctx, key)
	}

	return s.ReadDirect(key)
}

// ReadDirect bypasses ReadFn.
func (s *GroupStore) ReadDirect(key string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[key]
	if !ok {
		return nil, errs.ErrNotFound
	}

	out := cloneGroup(g)

	return &out, nil
}

// Update replaces the group if its stored version matches expectedVersion.
func (s *GroupStore) Update(ctx context.Context, group domain.Group, expectedVersion int64) error {
	if s.UpdateFn != nil {
		return s.UpdateFn(ctx, group, expectedVersion)
	}

	return s.UpdateDirect(group, expectedVersion)
}

// UpdateDirect bypasses UpdateFn.
func (s *GroupStore) UpdateDirect(group domain.Group, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.groups[group.Key]
	if !ok {
		return errs.ErrNotFound
	}

	if current.Version != expectedVersion {
		return errs.ErrConflict
	}

	group.CreatedAt = current.CreatedAt
	group.Version = expectedVersion + 1
	s.groups[group.Key] = cloneGroup(group)

	return nil
}

// Delete removes the group and returns it as it was stored.
func (s *GroupStore) Delete(ctx context.Context, key string) (*domain.Group, error) {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, key)
	}

	return s.DeleteDirect(key)
}

// DeleteDirect bypasses DeleteFn.
func (s *GroupStore) DeleteDirect(key string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[key]
	if !ok {
		return nil, errs.ErrNotFound
	}

	delete(s.groups, key)

	return &g, nil
}

// ListOlderThan returns groups created before cutoff, oldest first.
func (s *GroupStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Group, error) {
	if s.ListOlderThanFn != nil {
		return s.ListOlderThanFn(ctx, cutoff, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Group

	for _, g := range s.groups {
		if g.CreatedAt.Before(cutoff) {
			out = append(out, cloneGroup(g))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// DeleteOlderThan removes groups last written before cutoff.
func (s *GroupStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for key, g := range s.groups {
		if g.UpdatedAt.Before(cutoff) {
			delete(s.groups, key)
			n++
		}
	}

	return n, nil
}

// Put stores a group directly, replacing any existing row.
func (s *GroupStore) Put(group domain.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if group.Version == 0 {
		group.Version = 1
	}

	s.groups[group.Key] = cloneGroup(group)
}

// Len returns the number of stored groups.
func (s *GroupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.groups)
}

// Clear removes all groups.
func (s *GroupStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]domain.Group)
}

func cloneGroup(g domain.Group) domain.Group {
	out := g
	out.Fragments = make([]domain.Fragment, len(g.Fragments))

	for i, f := range g.Fragments {
		cp := f
		cp.Media = append([]domain.MediaRef(nil), f.Media...)
		out.Fragments[i] = cp
	}

	return out
}
