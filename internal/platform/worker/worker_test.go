package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsUntilCanceled(t *testing.T) {
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- Loop(ctx, Config{
			Name:         "test",
			PollInterval: time.Millisecond,
			Process: func(context.Context) error {
				calls.Add(1)

				return nil
			},
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopSurvivesProcessErrors(t *testing.T) {
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = Loop(ctx, Config{
			Name:         "failing",
			PollInterval: time.Millisecond,
			ErrorBackoff: 2 * time.Millisecond,
			Process: func(context.Context) error {
				calls.Add(1)

				return errors.New("db down")
			},
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestLoopPeriodicTasks(t *testing.T) {
	var frequent, rare atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = Loop(ctx, Config{
			Name:         "periodic",
			PollInterval: time.Millisecond,
			PeriodicTasks: []PeriodicTask{
				{Name: "frequent", Interval: time.Millisecond, Run: func(context.Context) { frequent.Add(1) }},
				{Name: "rare", Interval: time.Hour, Run: func(context.Context) { rare.Add(1) }},
			},
		})
	}()

	require.Eventually(t, func() bool { return frequent.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), rare.Load(), "hourly task runs once on the first iteration")
}

func TestTickerLoop(t *testing.T) {
	var ticks atomic.Int32

	stopped := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- TickerLoop(ctx, TickerConfig{
			Name:       "sweeper",
			Interval:   time.Millisecond,
			RunOnStart: true,
			OnTick:     func(context.Context) { ticks.Add(1) },
			OnStop:     func() { close(stopped) },
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	<-stopped
}

func TestTickerLoopRejectsZeroInterval(t *testing.T) {
	err := TickerLoop(context.Background(), TickerConfig{Name: "bad"})
	assert.Error(t, err)
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
	assert.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
}

func TestRunWithTimeout(t *testing.T) {
	err := RunWithTimeout(context.Background(), time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()

		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
