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

const (
	defaultAppendRetries = 3
	logFieldGroupKey     = "group_key"
	logFieldChannel      = "channel"
	logFieldDeliveryID   = "delivery_id"
	logFieldFragments    = "fragments"
	logFieldTrigger      = "trigger"
)

// Status is the result class of one Ingest call.
type Status int

const (
	StatusHeld Status = iota
	StatusReleased
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusHeld:
		return "held"
	case StatusReleased:
		return "released"
	default:
		return "error"
	}
}

// Outcome describes what happened to an ingested fragment.
//
// A held fragment is stored and will be released later, either by a sibling's
// Ingest call or by the Sweeper. FirstInGroup marks the caller that created the
// group; channel adapters acknowledge the sender only for that caller (or for
// a released single fragment) so each logical send gets exactly one reply.
type Outcome struct {
	Status       Status
	Merged       *domain.MergedMessage
	DeliveryID   string
	GroupKey     string
	FirstInGroup bool
	// Duplicate marks a redelivery of a fragment already stored in the group.
	Duplicate bool
	// Trigger names the release condition for released outcomes.
	Trigger string
}

// Acknowledge reports whether the channel adapter should send the user-facing
// acknowledgment for this outcome.
func (o Outcome) Acknowledge() bool {
	if o.Duplicate {
		return false
	}

	switch o.Status {
	case StatusHeld:
		return o.FirstInGroup
	case StatusReleased:
		return o.Trigger == observability.TriggerBypass || o.Trigger == observability.TriggerFailOpen
	default:
		return false
	}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAppendRetries bounds the read-append-write attempts after an insert conflict.
func WithAppendRetries(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.appendRetries = n
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(newID func() string) Option {
	return func(a *Aggregator) {
		if newID != nil {
			a.newID = newID
		}
	}
}

// Aggregator runs the ingest protocol against a GroupStore. It keeps no
// per-group state in memory, so any number of instances may run concurrently.
type Aggregator struct {
	store         ports.GroupStore
	dispatcher    ports.Dispatcher
	policy        Policy
	appendRetries int
	now           func() time.Time
	newID         func() string
	logger        *zerolog.Logger
}

// New creates an Aggregator.
func New(store ports.GroupStore, dispatcher ports.Dispatcher, policy Policy, logger *zerolog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	a := &Aggregator{
		store:         store,
		dispatcher:    dispatcher,
		policy:        policy.normalized(),
		appendRetries: defaultAppendRetries,
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        logger,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Policy returns the effective aggregation policy.
func (a *Aggregator) Policy() Policy {
	return a.policy
}

// Ingest accepts one fragment. It returns an error only for fragments that fail
// validation (ErrDecode) and for releases the queue refused with no way to
// keep the fragment stored (ErrDispatchFailed). Storage failures never surface:
// the fragment is released on its own instead.
func (a *Aggregator) Ingest(ctx context.Context, f domain.Fragment) (Outcome, error) {
	if err := f.Validate(); err != nil {
		a.countIngest(f, StatusError)

		return Outcome{Status: StatusError}, fmt.Errorf("ingest fragment: %w", err)
	}

	var (
		out Outcome
		err error
	)

	if Eligible(f) {
		out, err = a.aggregate(ctx, f)
	} else {
		out, err = a.releaseSingle(ctx, f, "", observability.TriggerBypass)
	}

	a.countIngest(f, out.Status)

	return out, err
}

func (a *Aggregator) countIngest(f domain.Fragment, status Status) {
	observability.FragmentsIngested.WithLabelValues(f.Channel.String(), status.String()).Inc()
}

// aggregate implements the insert-then-append protocol. Every attempt starts
// with the conditional insert so that a group released between our conflict
// and our read is recreated instead of being appended to a vanished row.
func (a *Aggregator) aggregate(ctx context.Context, f domain.Fragment) (Outcome, error) {
	key := a.policy.GroupKey(f.PhoneNumber, f.ReceivedAt)
	logger := a.logger.With().Str(logFieldGroupKey, key).Logger()

	for attempt := 0; attempt < a.appendRetries; attempt++ {
		if attempt > 0 {
			observability.AppendRetries.Inc()
		}

		err := a.store.InsertIfAbsent(ctx, a.newGroup(key, f))
		if err == nil {
			logger.Debug().Msg("created message group")

			return Outcome{Status: StatusHeld, GroupKey: key, FirstInGroup: true}, nil
		}

		if !errs.Is(err, errs.ErrConflict) {
			observability.StorageErrors.WithLabelValues("insert").Inc()

			return a.failOpen(ctx, f, key, fmt.Errorf("insert group: %w", err))
		}

		out, err := a.appendAndDecide(ctx, key, f, &logger)

		switch {
		case err == nil:
			return out, nil
		case errs.Is(err, errs.ErrConflict), errs.Is(err, errs.ErrNotFound):
			logger.Debug().Err(err).Int("attempt", attempt+1).Msg("concurrent group write, retrying")

			continue
		case errs.Is(err, errs.ErrDispatchFailed):
			return out, err
		default:
			return a.failOpen(ctx, f, key, err)
		}
	}

	return a.failOpen(ctx, f, key, errs.ErrRetriesExhausted)
}

func (a *Aggregator) newGroup(key string, f domain.Fragment) domain.Group {
	now := a.now()

	return domain.Group{
		Key:         key,
		PhoneNumber: f.PhoneNumber,
		Fragments:   []domain.Fragment{f},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// appendAndDecide reads the current row, appends f and writes it back under an
// optimistic version check, then releases the group if the policy says so.
// ErrConflict and ErrNotFound are returned unwrapped-compatible so the caller retries.
func (a *Aggregator) appendAndDecide(ctx context.Context, key string, f domain.Fragment, logger *zerolog.Logger) (Outcome, error) {
	group, err := a.store.Read(ctx, key)
	if err != nil {
		if !errs.Is(err, errs.ErrNotFound) {
			observability.StorageErrors.WithLabelValues("read").Inc()
		}

		return Outcome{}, fmt.Errorf("read group: %w", err)
	}

	if group.HasSource(f.SourceID) {
		observability.DuplicateFragments.Inc()
		logger.Info().Str("source_id", f.SourceID).Msg("dropping redelivered fragment")

		return Outcome{Status: StatusHeld, GroupKey: key, Duplicate: true}, nil
	}

	expected := group.Version
	group.Fragments = append(group.Fragments, f)
	group.UpdatedAt = a.now()

	if err := a.store.Update(ctx, *group, expected); err != nil {
		if !errs.Is(err, errs.ErrConflict) && !errs.Is(err, errs.ErrNotFound) {
			observability.StorageErrors.WithLabelValues("update").Inc()
		}

		return Outcome{}, fmt.Errorf("append to group: %w", err)
	}

	group.Version = expected + 1

	logger.Debug().Int(logFieldFragments, len(group.Fragments)).Msg("appended fragment to group")

	if a.policy.Decide(*group, a.now()) == Hold {
		return Outcome{Status: StatusHeld, GroupKey: key}, nil
	}

	return a.releaseGroup(ctx, key, a.policy.trigger(*group), logger)
}

// releaseGroup claims the group by deleting it and dispatches the row the delete
// returned, which includes fragments appended by racing callers after our read.
func (a *Aggregator) releaseGroup(ctx context.Context, key, trigger string, logger *zerolog.Logger) (Outcome, error) {
	claimed, err := a.store.Delete(ctx, key)
	if err != nil {
		if errs.Is(err, errs.ErrNotFound) {
			logger.Debug().Msg("group already released by another caller")

			return Outcome{Status: StatusHeld, GroupKey: key}, nil
		}

		// The row, including our fragment, is still stored; the sweeper will release it.
		observability.StorageErrors.WithLabelValues("delete").Inc()
		logger.Warn().Err(err).Msg("failed to claim group for release, leaving it to the sweeper")

		return Outcome{Status: StatusHeld, GroupKey: key}, nil
	}

	merged := a.policy.Merge(claimed.Fragments)
	merged.GroupKey = key
	merged.MessageID = a.newID()

	deliveryID, err := a.dispatcher.Enqueue(ctx, merged)
	if err != nil {
		observability.DispatchErrors.Inc()

		if restoreErr := restoreGroup(ctx, a.store, *claimed, a.appendRetries, a.now()); restoreErr != nil {
			logger.Error().Err(err).AnErr("restore_error", restoreErr).Int(logFieldFragments, len(claimed.Fragments)).
				Msg("dispatch failed and group could not be restored")

			return Outcome{Status: StatusError, GroupKey: key}, fmt.Errorf("%w: %w", errs.ErrDispatchFailed, err)
		}

		logger.Warn().Err(err).Msg("dispatch failed, group restored for the sweeper")

		return Outcome{Status: StatusHeld, GroupKey: key}, nil
	}

	a.recordRelease(*claimed, trigger)

	logger.Info().
		Str(logFieldDeliveryID, deliveryID).
		Str(logFieldTrigger, trigger).
		Int(logFieldFragments, len(claimed.Fragments)).
		Int("media", len(merged.Media)).
		Msg("released message group")

	return Outcome{
		Status:     StatusReleased,
		Merged:     &merged,
		DeliveryID: deliveryID,
		GroupKey:   key,
		Trigger:    trigger,
	}, nil
}

func (a *Aggregator) recordRelease(group domain.Group, trigger string) {
	observability.GroupReleases.WithLabelValues(trigger).Inc()
	observability.ReleasedFragmentsPerGroup.Observe(float64(len(group.Fragments)))
	observability.GroupAgeAtReleaseSeconds.Observe(a.now().Sub(group.CreatedAt).Seconds())
}

// failOpen releases the current fragment on its own after a storage failure.
func (a *Aggregator) failOpen(ctx context.Context, f domain.Fragment, key string, cause error) (Outcome, error) {
	a.logger.Warn().
		Err(cause).
		Str(logFieldGroupKey, key).
		Str(logFieldChannel, f.Channel.String()).
		Msg("aggregation failed, releasing fragment immediately")

	return a.releaseSingle(ctx, f, key, observability.TriggerFailOpen)
}

// releaseSingle dispatches one fragment as its own message.
func (a *Aggregator) releaseSingle(ctx context.Context, f domain.Fragment, key, trigger string) (Outcome, error) {
	merged := a.policy.Merge([]domain.Fragment{f})
	merged.GroupKey = key
	merged.MessageID = a.newID()

	deliveryID, err := a.dispatcher.Enqueue(ctx, merged)
	if err != nil {
		observability.DispatchErrors.Inc()
		a.logger.Error().Err(err).Str(logFieldChannel, f.Channel.String()).Msg("failed to dispatch fragment")

		return Outcome{Status: StatusError, GroupKey: key}, fmt.Errorf("%w: %w", errs.ErrDispatchFailed, err)
	}

	observability.GroupReleases.WithLabelValues(trigger).Inc()

	return Outcome{
		Status:     StatusReleased,
		Merged:     &merged,
		DeliveryID: deliveryID,
		GroupKey:   key,
		Trigger:    trigger,
	}, nil
}
