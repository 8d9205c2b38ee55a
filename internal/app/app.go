// Package app wires the relay's components and runs its operational modes:
//
//   - webhook: HTTP ingress that aggregates channel deliveries
//   - sweeper: periodic release of groups that never reached a threshold
//   - worker:  analysis queue consumer
//
// Modes run independently or together ("all").
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lueurxax/scam-relay/internal/aggregate"
	"github.com/lueurxax/scam-relay/internal/core/ports"
	"github.com/lueurxax/scam-relay/internal/dispatch"
	"github.com/lueurxax/scam-relay/internal/ingest/webhook"
	"github.com/lueurxax/scam-relay/internal/platform/config"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
	"github.com/lueurxax/scam-relay/internal/platform/worker"
	"github.com/lueurxax/scam-relay/internal/process/analysis"
	db "github.com/lueurxax/scam-relay/internal/storage"
	"github.com/lueurxax/scam-relay/internal/storage/redisstore"
)

// Operational modes.
const (
	ModeWebhook = "webhook"
	ModeSweeper = "sweeper"
	ModeWorker  = "worker"
	ModeAll     = "all"
)

const (
	webhookPath        = "/webhook"
	feedbackPath       = "/feedback"
	sweepTimeoutFactor = 4
	minSweepTimeout    = 10 * time.Second
)

// ErrUnknownMode is returned for a mode name Run does not know.
var ErrUnknownMode = errors.New("unknown mode")

// App holds the application dependencies and provides methods to run different modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger
}

// New creates a new App instance with the given dependencies.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) *App {
	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
	}
}

// ParseModes expands a mode flag value into the set of modes to run.
func ParseModes(mode string) ([]string, error) {
	switch mode {
	case ModeWebhook, ModeSweeper, ModeWorker:
		return []string{mode}, nil
	case ModeAll:
		return []string{ModeWebhook, ModeSweeper, ModeWorker}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Policy builds the aggregation policy from configuration.
func (a *App) Policy() aggregate.Policy {
	return aggregate.Policy{
		Window:       a.cfg.AggWindow,
		MaxFragments: a.cfg.AggMaxFragments,
		MaxMedia:     a.cfg.AggMaxMedia,
		MaxWait:      a.cfg.AggMaxWait,
	}
}

// Run starts the health server and the requested modes and blocks until ctx
// is canceled or one of them fails.
func (a *App) Run(ctx context.Context, modes []string) error {
	store, closeStore, err := a.openGroupStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	health := observability.NewServer(a.cfg.HealthPort, a.logger)
	health.AddReadiness("postgres", a.database)

	if pinger, ok := store.(observability.Pinger); ok && a.cfg.GroupStore == config.GroupStoreRedis {
		health.AddReadiness("redis", pinger)
	}

	dispatcher := dispatch.New(a.database, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	for _, mode := range modes {
		switch mode {
		case ModeWebhook:
			handler := a.newWebhookHandler(store, dispatcher)
			feedback := webhook.NewFeedbackHandler(a.database, webhook.Config{
				MaxBodyBytes: a.cfg.WebhookMaxBodyBytes,
			}, a.logger)

			if a.cfg.HTTPPort == a.cfg.HealthPort {
				health.Handle(webhookPath, handler)
				health.Handle(feedbackPath, feedback)

				continue
			}

			ingress := observability.NewServer(a.cfg.HTTPPort, a.logger)
			ingress.Handle(webhookPath, handler)
			ingress.Handle(feedbackPath, feedback)

			g.Go(func() error { return ingress.Start(ctx) })
		case ModeSweeper:
			sweeper := a.newSweeper(store, dispatcher)

			g.Go(func() error { return a.RunSweeper(ctx, sweeper) })
		case ModeWorker:
			g.Go(func() error { return a.RunWorker(ctx) })
		default:
			return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
		}
	}

	g.Go(func() error { return health.Start(ctx) })

	a.logger.Info().Strs("modes", modes).Str("group_store", a.cfg.GroupStore).Msg("relay started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}

	return nil
}

func (a *App) openGroupStore(ctx context.Context) (ports.GroupStore, func(), error) {
	if a.cfg.GroupStore != config.GroupStoreRedis {
		return db.NewGroupStore(a.database), func() {}, nil
	}

	store, err := redisstore.Dial(ctx, a.cfg.RedisAddr, redisstore.Options{
		Prefix: a.cfg.RedisPrefix,
		TTL:    a.cfg.RedisTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open redis group store: %w", err)
	}

	return store, func() {
		if err := store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close redis group store")
		}
	}, nil
}

func (a *App) newWebhookHandler(store ports.GroupStore, dispatcher ports.Dispatcher) *webhook.Handler {
	agg := aggregate.New(store, dispatcher, a.Policy(), a.logger,
		aggregate.WithAppendRetries(a.cfg.AggAppendRetries),
	)

	return webhook.NewHandler(agg, webhook.Config{
		MaxBodyBytes: a.cfg.WebhookMaxBodyBytes,
		SenderRPS:    a.cfg.WebhookRPS,
		SenderBurst:  a.cfg.WebhookBurst,
	}, a.logger)
}

func (a *App) newSweeper(store ports.GroupStore, dispatcher ports.Dispatcher) *aggregate.Sweeper {
	return aggregate.NewSweeper(store, dispatcher, a.Policy(), a.logger,
		aggregate.WithBatchLimit(a.cfg.SweepBatchLimit),
		aggregate.WithSweepRestoreAttempts(a.cfg.AggAppendRetries),
	)
}

// RunSweeper releases stale groups every SWEEP_INTERVAL. Only one replica
// sweeps at a time; the others skip the tick.
func (a *App) RunSweeper(ctx context.Context, sweeper *aggregate.Sweeper) error {
	timeout := sweepTimeoutFactor * a.cfg.SweepInterval
	if timeout < minSweepTimeout {
		timeout = minSweepTimeout
	}

	err := worker.TickerLoop(ctx, worker.TickerConfig{
		Name:       ModeSweeper,
		Interval:   a.cfg.SweepInterval,
		RunOnStart: true,
		OnTick: func(ctx context.Context) {
			a.sweepOnce(ctx, sweeper, timeout)
		},
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	return nil
}

func (a *App) sweepOnce(ctx context.Context, sweeper *aggregate.Sweeper, timeout time.Duration) {
	err := worker.RunWithTimeout(ctx, timeout, func(ctx context.Context) error {
		return a.database.WithAdvisoryLock(ctx, db.SweeperLockID, false, func(ctx context.Context) error {
			result, err := sweeper.Sweep(ctx, a.cfg.SweepReleaseAge, a.cfg.SweepExpiryAge)
			if err != nil {
				return err //nolint:wrapcheck // logged below with context
			}

			if result.Released > 0 || result.Expired > 0 || result.Failed > 0 {
				a.logger.Info().
					Int("released", result.Released).
					Int64("expired", result.Expired).
					Int("failed", result.Failed).
					Msg("sweep completed")
			}

			return nil
		})
	})

	switch {
	case err == nil, errors.Is(err, db.ErrLockHeld):
	case ctx.Err() != nil:
	default:
		a.logger.Error().Err(err).Msg("sweep failed")
	}
}

// RunWorker consumes the analysis queue. Without an API key the worker is
// disabled and jobs stay queued.
func (a *App) RunWorker(ctx context.Context) error {
	analyzer, err := analysis.NewOpenAI(analysis.OpenAIConfig{
		APIKey:  a.cfg.LLMAPIKey,
		BaseURL: a.cfg.LLMBaseURL,
		Model:   a.cfg.LLMModel,
		RPS:     a.cfg.LLMRPS,
		Timeout: a.cfg.LLMTimeout,
	}, a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("analysis worker disabled")

		return nil
	}

	w := analysis.NewWorker(a.database, analyzer, analysis.WorkerConfig{
		PollInterval:   a.cfg.WorkerPollInterval,
		StuckThreshold: a.cfg.WorkerStuckThreshold,
		MaxAttempts:    a.cfg.AnalysisMaxAttempts,
		RetryDelay:     a.cfg.AnalysisRetryDelay,
		DailyLimit:     a.cfg.UsageDailyLimit,
	}, a.logger)

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("analysis worker: %w", err)
	}

	return nil
}
