package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/core/ports/mocks"
)

const (
	testReleaseAge = 5 * time.Second
	testExpiryAge  = 5 * time.Minute
)

func newTestSweeper(fx *aggregatorFixture, opts ...SweepOption) *Sweeper {
	logger := zerolog.Nop()
	opts = append([]SweepOption{WithSweepClock(fx.clock.Now)}, opts...)

	return NewSweeper(fx.store, fx.dispatcher, DefaultPolicy(), &logger, opts...)
}

func storedGroup(key string, createdAt time.Time, fragments ...domain.Fragment) domain.Group {
	return domain.Group{
		Key:         key,
		PhoneNumber: "+1555",
		Fragments:   fragments,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestSweepReleasesLoneFragment(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	out := fx.ingestAt(t, whatsappFragment("SM1", baseTime, "https://media/1"))
	require.Equal(t, StatusHeld, out.Status)

	fx.clock.Set(baseTime.Add(6 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Released)
	assert.Zero(t, result.Failed)
	require.Equal(t, 1, fx.dispatcher.Count())

	msg := fx.dispatcher.Messages()[0]
	assert.Equal(t, []string{"https://media/1"}, mediaURLs(msg))
	assert.Equal(t, out.GroupKey, msg.GroupKey)
	assert.NotEmpty(t, msg.MessageID)
	assert.Zero(t, fx.store.Len())
}

func TestSweepLeavesYoungGroups(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	fx.ingestAt(t, whatsappFragment("SM1", baseTime, "https://media/1"))
	fx.ingestAt(t, whatsappFragment("SM2", baseTime.Add(time.Second), "https://media/2"))

	fx.clock.Set(baseTime.Add(4 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Zero(t, result.Released)
	assert.Zero(t, fx.dispatcher.Count())
	assert.Equal(t, 1, fx.store.Len())

	fx.clock.Set(baseTime.Add(5*time.Second + time.Millisecond))

	result, err = sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Released)
	require.Equal(t, 1, fx.dispatcher.Count())
	assert.Equal(t, []string{"https://media/1", "https://media/2"}, mediaURLs(fx.dispatcher.Messages()[0]))
}

func TestSweepSkipsGroupReleasedConcurrently(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	f1 := whatsappFragment("SM1", baseTime, "https://media/1")
	key := DefaultPolicy().GroupKey(f1.PhoneNumber, f1.ReceivedAt)
	fx.store.Put(storedGroup(key, baseTime, f1))

	fx.store.ListOlderThanFn = func(context.Context, time.Time, int) ([]domain.Group, error) {
		listed, err := fx.store.ReadDirect(key)
		require.NoError(t, err)

		// The fast path wins the release right after the listing.
		_, err = fx.store.DeleteDirect(key)
		require.NoError(t, err)

		return []domain.Group{*listed}, nil
	}

	fx.clock.Set(baseTime.Add(10 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Zero(t, result.Released)
	assert.Zero(t, result.Failed)
	assert.Zero(t, fx.dispatcher.Count())
}

func TestSweepMergesRowAsClaimed(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	f1 := whatsappFragment("SM1", baseTime, "https://media/1")
	f2 := whatsappFragment("SM2", baseTime.Add(time.Second), "https://media/2")
	key := DefaultPolicy().GroupKey(f1.PhoneNumber, f1.ReceivedAt)
	fx.store.Put(storedGroup(key, baseTime, f1))

	fx.store.ListOlderThanFn = func(context.Context, time.Time, int) ([]domain.Group, error) {
		listed, err := fx.store.ReadDirect(key)
		require.NoError(t, err)

		current, err := fx.store.ReadDirect(key)
		require.NoError(t, err)

		expected := current.Version
		current.Fragments = append(current.Fragments, f2)
		require.NoError(t, fx.store.UpdateDirect(*current, expected))

		return []domain.Group{*listed}, nil
	}

	fx.clock.Set(baseTime.Add(10 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Released)
	require.Equal(t, 1, fx.dispatcher.Count())
	assert.Equal(t, 2, fx.dispatcher.Messages()[0].FragmentCount)
}

func TestSweepContinuesAfterGroupFailure(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	fx.store.Put(storedGroup("bad", baseTime, whatsappFragment("SM1", baseTime, "https://media/1")))
	fx.store.Put(storedGroup("good", baseTime.Add(time.Second), whatsappFragment("SM2", baseTime, "https://media/2")))

	fx.store.DeleteFn = func(_ context.Context, key string) (*domain.Group, error) {
		if key == "bad" {
			return nil, mocks.ErrStorageDown
		}

		return fx.store.DeleteDirect(key)
	}

	fx.clock.Set(baseTime.Add(10 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], mocks.ErrStorageDown)
	assert.Equal(t, 1, fx.dispatcher.Count())
	assert.Equal(t, 1, fx.store.Len())
}

func TestSweepRestoresGroupWhenDispatchFails(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	f1 := whatsappFragment("SM1", baseTime, "https://media/1")
	fx.store.Put(storedGroup("key-1", baseTime, f1))

	fx.dispatcher.EnqueueFn = func(context.Context, domain.MergedMessage) (string, error) {
		return "", mocks.ErrQueueDown
	}

	fx.clock.Set(baseTime.Add(10 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Zero(t, result.Released)
	assert.Equal(t, 1, result.Failed)
	assert.ErrorIs(t, result.Errors[0], errs.ErrDispatchFailed)
	assert.Equal(t, 1, fx.store.Len(), "group is restored for the next sweep")

	fx.dispatcher.EnqueueFn = nil

	result, err = sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, fx.dispatcher.Count())
	assert.Zero(t, fx.store.Len())
}

func TestSweepKeepsUndispatchedGroupPastExpiry(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	out := fx.ingestAt(t, whatsappFragment("SM1", baseTime, "https://media/1"))
	require.Equal(t, StatusHeld, out.Status)

	fx.dispatcher.EnqueueFn = func(context.Context, domain.MergedMessage) (string, error) {
		return "", mocks.ErrQueueDown
	}

	fx.clock.Set(baseTime.Add(6 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, fx.store.Len())

	sweepAt := baseTime.Add(testExpiryAge + time.Second)
	fx.clock.Set(sweepAt)

	result, err = sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Expired, "a group the queue never accepted must not be purged")
	require.Equal(t, 1, fx.store.Len())
	assert.Zero(t, fx.dispatcher.Count())

	restored, err := fx.store.Read(context.Background(), out.GroupKey)
	require.NoError(t, err)
	assert.True(t, restored.UpdatedAt.Equal(sweepAt))
	assert.True(t, restored.CreatedAt.Equal(baseTime))

	fx.dispatcher.EnqueueFn = nil

	result, err = sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, fx.dispatcher.Count())
	assert.Zero(t, fx.store.Len())
}

func TestSweepPurgeSkipsRecentlyWrittenGroups(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	touched := storedGroup("touched", baseTime, whatsappFragment("SM1", baseTime, "https://media/1"))
	touched.UpdatedAt = baseTime.Add(testExpiryAge)
	fx.store.Put(touched)
	fx.store.Put(storedGroup("idle", baseTime, whatsappFragment("SM2", baseTime, "https://media/2")))

	fx.store.DeleteFn = func(context.Context, string) (*domain.Group, error) {
		return nil, mocks.ErrStorageDown
	}

	fx.clock.Set(baseTime.Add(testExpiryAge + time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.EqualValues(t, 1, result.Expired)
	require.Equal(t, 1, fx.store.Len())

	fx.store.DeleteFn = nil

	_, err = fx.store.Read(context.Background(), "touched")
	assert.NoError(t, err)
}

func TestSweepPurgesExpiredGroups(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	fx.store.Put(storedGroup("old", baseTime, whatsappFragment("SM1", baseTime, "https://media/1")))

	fx.store.DeleteFn = func(context.Context, string) (*domain.Group, error) {
		return nil, mocks.ErrStorageDown
	}

	fx.clock.Set(baseTime.Add(testExpiryAge + time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.EqualValues(t, 1, result.Expired)
	assert.Zero(t, fx.store.Len())
	assert.Zero(t, fx.dispatcher.Count())
}

func TestSweepRespectsBatchLimit(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx, WithBatchLimit(2))

	for i, key := range []string{"a", "b", "c"} {
		created := baseTime.Add(time.Duration(i) * time.Millisecond)
		fx.store.Put(storedGroup(key, created, whatsappFragment(key, created, "https://media/"+key)))
	}

	fx.clock.Set(baseTime.Add(10 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Released)
	assert.Equal(t, 1, fx.store.Len())

	msgs := fx.dispatcher.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].GroupKey)
	assert.Equal(t, "b", msgs[1].GroupKey)
}

func TestSweepReturnsListError(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	fx.store.ListOlderThanFn = func(context.Context, time.Time, int) ([]domain.Group, error) {
		return nil, mocks.ErrStorageDown
	}

	_, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)

	require.Error(t, err)
	assert.ErrorIs(t, err, mocks.ErrStorageDown)
}

func TestFastPathAndSweepReleaseOnce(t *testing.T) {
	fx := newAggregatorFixture(t)
	sweeper := newTestSweeper(fx)

	fx.ingestAt(t, whatsappFragment("SM1", baseTime, "https://media/1"))
	fx.ingestAt(t, whatsappFragment("SM2", baseTime.Add(100*time.Millisecond), "https://media/2"))

	// The sweep lists the group, then the third fragment releases it before the claim.
	fx.store.ListOlderThanFn = func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Group, error) {
		fx.store.ListOlderThanFn = nil

		listed, err := fx.store.ListOlderThan(ctx, cutoff, limit)
		require.NoError(t, err)

		out, err := fx.agg.Ingest(ctx, whatsappFragment("SM3", baseTime.Add(200*time.Millisecond), "https://media/3"))
		require.NoError(t, err)
		require.Equal(t, StatusReleased, out.Status)

		return listed, nil
	}

	fx.clock.Set(baseTime.Add(6 * time.Second))

	result, err := sweeper.Sweep(context.Background(), testReleaseAge, testExpiryAge)
	require.NoError(t, err)

	assert.Zero(t, result.Released)
	assert.Equal(t, 1, fx.dispatcher.Count())
}
