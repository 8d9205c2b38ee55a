// Package worker provides the loop shapes shared by the relay's background
// processes: a poll loop with periodic side tasks for queue consumers and a
// ticker loop for the stale group sweeper.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProcessFunc is called each iteration to process work items.
// It should return quickly if no work is available.
type ProcessFunc func(ctx context.Context) error

// PeriodicTask represents a task that runs at regular intervals.
type PeriodicTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
	lastRun  time.Time
}

// Config configures the worker loop behavior.
type Config struct {
	// Name identifies the worker for logging.
	Name string

	// PollInterval is the time between process iterations.
	PollInterval time.Duration

	// ErrorBackoff replaces PollInterval after a failed iteration. Zero means PollInterval.
	ErrorBackoff time.Duration

	// Process is called each iteration to do the main work.
	Process ProcessFunc

	// PeriodicTasks run before Process once their interval has passed.
	// Every task runs on the first iteration.
	PeriodicTasks []PeriodicTask

	// Logger for the worker.
	Logger *zerolog.Logger
}

// Loop runs Process every PollInterval until ctx is canceled. Process errors
// are logged and never stop the loop. Returns a wrapped ctx.Err().
func Loop(ctx context.Context, cfg Config) error {
	logger := getLogger(cfg.Logger)

	logger.Info().Str(logFieldWorker, cfg.Name).Msg("starting worker loop")
	defer func() {
		logger.Info().Str(logFieldWorker, cfg.Name).Msg("worker loop stopped")
	}()

	tasks := make([]PeriodicTask, len(cfg.PeriodicTasks))
	copy(tasks, cfg.PeriodicTasks)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker loop %s: %w", cfg.Name, err)
		}

		runPeriodicTasks(ctx, tasks, logger)

		delay := cfg.PollInterval

		if cfg.Process != nil {
			if err := cfg.Process(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str(logFieldWorker, cfg.Name).Msg("process error")

				if cfg.ErrorBackoff > 0 {
					delay = cfg.ErrorBackoff
				}
			}
		}

		if err := Wait(ctx, delay); err != nil {
			return fmt.Errorf("worker loop %s: %w", cfg.Name, err)
		}
	}
}

func runPeriodicTasks(ctx context.Context, tasks []PeriodicTask, logger *zerolog.Logger) {
	now := time.Now()

	for i := range tasks {
		task := &tasks[i]
		if task.Interval <= 0 || task.Run == nil {
			continue
		}

		if now.Sub(task.lastRun) >= task.Interval {
			logger.Debug().Str(logFieldTask, task.Name).Msg("running periodic task")
			task.Run(ctx)
			task.lastRun = now
		}
	}
}

// Wait blocks until duration elapses or context is canceled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RunWithTimeout runs fn with a context canceled after timeout.
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(timeoutCtx)
}

// RecoverPanic recovers from panics and logs them.
// Use as: defer worker.RecoverPanic(logger, "operation name")
func RecoverPanic(logger *zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Msg("recovered from panic")
	}
}
