package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/core/ports"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

const defaultSweepBatchLimit = 500

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Released int
	Expired  int64
	Failed   int
	Errors   []error
}

// SweepOption configures a Sweeper.
type SweepOption func(*Sweeper)

// WithBatchLimit bounds the groups handled per pass.
func WithBatchLimit(n int) SweepOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchLimit = n
		}
	}
}

// WithSweepClock replaces time.Now; used by tests.
func WithSweepClock(now func() time.Time) SweepOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepRestoreAttempts bounds the restore attempts after a failed dispatch.
func WithSweepRestoreAttempts(n int) SweepOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.restoreAttempts = n
		}
	}
}

// Sweeper force-releases groups whose completion trigger never fired and purges
// rows that outlived the expiry age.
type Sweeper struct {
	store           ports.GroupStore
	dispatcher      ports.Dispatcher
	policy          Policy
	batchLimit      int
	restoreAttempts int
	now             func() time.Time
	logger          *zerolog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(store ports.GroupStore, dispatcher ports.Dispatcher, policy Policy, logger *zerolog.Logger, opts ...SweepOption) *Sweeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Sweeper{
		store:           store,
		dispatcher:      dispatcher,
		policy:          policy.normalized(),
		batchLimit:      defaultSweepBatchLimit,
		restoreAttempts: defaultAppendRetries,
		now:             time.Now,
		logger:          logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sweep releases every group older than releaseAge and then deletes groups that
// nobody has written for expiryAge. Groups whose dispatch failed in this pass
// were restored with a fresh write time, so the purge never drops them. A failure on one group never stops the pass; the
// returned error is set only when the store could not be listed or purged.
func (s *Sweeper) Sweep(ctx context.Context, releaseAge, expiryAge time.Duration) (SweepResult, error) {
	start := s.now()

	defer func() {
		observability.SweepDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	var result SweepResult

	stale, err := s.store.ListOlderThan(ctx, start.Add(-releaseAge), s.batchLimit)
	if err != nil {
		observability.StorageErrors.WithLabelValues("list").Inc()

		return result, fmt.Errorf("list stale groups: %w", err)
	}

	for _, listed := range stale {
		if ctx.Err() != nil {
			return result, fmt.Errorf("sweep interrupted: %w", ctx.Err())
		}

		released, err := s.releaseOne(ctx, listed.Key)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)

			observability.SweepFailed.Inc()

			continue
		}

		if released {
			result.Released++

			observability.SweepReleased.Inc()
		}
	}

	if expiryAge > 0 {
		expired, err := s.store.DeleteOlderThan(ctx, s.now().Add(-expiryAge))
		if err != nil {
			observability.StorageErrors.WithLabelValues("expire").Inc()

			return result, fmt.Errorf("purge expired groups: %w", err)
		}

		result.Expired = expired

		if expired > 0 {
			observability.SweepExpired.Add(float64(expired))
			s.logger.Warn().Int64("count", expired).Msg("purged expired message groups without dispatch")
		}
	}

	if result.Released > 0 || result.Failed > 0 {
		s.logger.Info().
			Int("released", result.Released).
			Int("failed", result.Failed).
			Int64("expired", result.Expired).
			Msg("sweep finished")
	}

	return result, nil
}

// releaseOne claims and dispatches a single stale group. It reports false when
// the group was already released by an ingest call.
func (s *Sweeper) releaseOne(ctx context.Context, key string) (bool, error) {
	claimed, err := s.store.Delete(ctx, key)
	if err != nil {
		if errs.Is(err, errs.ErrNotFound) {
			return false, nil
		}

		observability.StorageErrors.WithLabelValues("delete").Inc()

		return false, fmt.Errorf("claim group %s: %w", key, err)
	}

	merged := s.policy.Merge(claimed.Fragments)
	merged.GroupKey = key
	merged.MessageID = uuid.NewString()

	deliveryID, err := s.dispatcher.Enqueue(ctx, merged)
	if err != nil {
		observability.DispatchErrors.Inc()

		if restoreErr := restoreGroup(ctx, s.store, *claimed, s.restoreAttempts, s.now()); restoreErr != nil {
			s.logger.Error().
				Err(err).
				AnErr("restore_error", restoreErr).
				Str(logFieldGroupKey, key).
				Int(logFieldFragments, len(claimed.Fragments)).
				Msg("sweeper lost group after failed dispatch")

			return false, fmt.Errorf("%w: group %s: %w", errs.ErrDispatchFailed, key, restoreErr)
		}

		return false, fmt.Errorf("%w: group %s: %w", errs.ErrDispatchFailed, key, err)
	}

	s.recordRelease(*claimed)

	s.logger.Info().
		Str(logFieldGroupKey, key).
		Str(logFieldDeliveryID, deliveryID).
		Int(logFieldFragments, len(claimed.Fragments)).
		Msg("sweeper released stale group")

	return true, nil
}

func (s *Sweeper) recordRelease(group domain.Group) {
	observability.GroupReleases.WithLabelValues(observability.TriggerSweep).Inc()
	observability.ReleasedFragmentsPerGroup.Observe(float64(len(group.Fragments)))
	observability.GroupAgeAtReleaseSeconds.Observe(s.now().Sub(group.CreatedAt).Seconds())
}
