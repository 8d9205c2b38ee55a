package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/core/ports"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
	"github.com/lueurxax/scam-relay/internal/platform/worker"
	db "github.com/lueurxax/scam-relay/internal/storage"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultStuckThreshold = 10 * time.Minute
	defaultMaxAttempts    = 3
	defaultRetryDelay     = 30 * time.Second
	maxRetryDelay         = 10 * time.Minute
	recoverInterval       = time.Minute
	queueDepthInterval    = 15 * time.Second
	usageWindow           = 24 * time.Hour
	buttonPayloadSep      = "_"
	statusFeedback        = "feedback"
	statusLimited         = "limited"

	logFieldJobID     = "job_id"
	logFieldMessageID = "message_id"
	logFieldAttempt   = "attempt"
)

// Repository is the queue and result storage the worker drives.
type Repository interface {
	ports.AnalysisQueue
	ports.AnalysisResultStore
	ports.FeedbackStore
	ports.UsageCounter
}

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	PollInterval   time.Duration
	StuckThreshold time.Duration
	MaxAttempts    int
	// RetryDelay is the first backoff step; it doubles per attempt up to ten minutes.
	RetryDelay time.Duration
	// DailyLimit caps analyses per sender in a rolling 24 hours. Zero disables it.
	DailyLimit int
}

// Worker claims analysis jobs one at a time and stores their verdicts.
type Worker struct {
	repo     Repository
	analyzer Analyzer
	cfg      WorkerConfig
	logger   *zerolog.Logger
	now      func() time.Time
}

// NewWorker creates an analysis worker.
func NewWorker(repo Repository, analyzer Analyzer, cfg WorkerConfig, logger *zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaultStuckThreshold
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Worker{
		repo:     repo,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run processes jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return worker.Loop(ctx, worker.Config{ //nolint:wrapcheck // loop errors already carry the worker name
		Name:         "analysis",
		PollInterval: w.cfg.PollInterval,
		Process:      w.drain,
		PeriodicTasks: []worker.PeriodicTask{
			{Name: "recover_stuck", Interval: recoverInterval, Run: w.recoverStuck},
			{Name: "queue_depth", Interval: queueDepthInterval, Run: w.reportQueueDepth},
		},
		Logger: w.logger,
	})
}

// drain processes jobs until the queue has nothing ready.
func (w *Worker) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		if err != nil || !processed {
			return err
		}
	}

	return nil
}

// ProcessNext claims and handles one job. It reports false when nothing was ready.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextAnalysis(ctx)
	if err != nil {
		return false, err //nolint:wrapcheck // storage errors are already wrapped
	}

	if job == nil {
		return false, nil
	}

	w.processJob(ctx, job)

	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *ports.AnalysisJob) {
	defer worker.RecoverPanic(w.logger, "analysis job")

	if isButtonReply(job.Message) {
		w.recordButtonFeedback(ctx, job)

		return
	}

	if verdict, limited := w.checkUsage(ctx, job); limited {
		w.saveVerdict(ctx, job, verdict, statusLimited)

		return
	}

	verdict, err := w.analyzer.Analyze(ctx, job.Message)
	if err != nil {
		w.handleError(ctx, job, err)

		return
	}

	w.saveVerdict(ctx, job, verdict, db.AnalysisStatusDone)
}

func (w *Worker) saveVerdict(ctx context.Context, job *ports.AnalysisJob, verdict domain.Verdict, outcome string) {
	if err := w.repo.SaveAnalysisResult(ctx, *job, verdict); err != nil {
		w.handleError(ctx, job, err)

		return
	}

	observability.AnalysisVerdicts.WithLabelValues(verdict.Label).Inc()
	observability.AnalysisProcessed.WithLabelValues(outcome).Inc()

	w.logger.Info().
		Str(logFieldJobID, job.ID).
		Str(logFieldMessageID, job.MessageID).
		Str("label", verdict.Label).
		Float64("confidence", verdict.Confidence).
		Msg("message analyzed")

	w.updateStatus(ctx, job.ID, db.AnalysisStatusDone, "", nil)
}

func (w *Worker) handleError(ctx context.Context, job *ports.AnalysisJob, err error) {
	logEvent := w.logger.Warn().Err(err).
		Str(logFieldJobID, job.ID).
		Str(logFieldMessageID, job.MessageID).
		Int(logFieldAttempt, job.AttemptCount)

	if job.AttemptCount >= w.cfg.MaxAttempts {
		logEvent.Msg("analysis failed permanently")
		observability.AnalysisProcessed.WithLabelValues(db.AnalysisStatusError).Inc()
		w.updateStatus(ctx, job.ID, db.AnalysisStatusError, err.Error(), nil)

		return
	}

	retryAt := w.now().Add(w.retryDelay(job.AttemptCount))

	logEvent.Time("retry_at", retryAt).Msg("analysis failed, will retry")
	observability.AnalysisProcessed.WithLabelValues("retry").Inc()
	w.updateStatus(ctx, job.ID, db.AnalysisStatusPending, err.Error(), &retryAt)
}

// isButtonReply reports whether the message is a quick-reply button press,
// which rates an earlier verdict instead of asking for a new one.
func isButtonReply(msg domain.MergedMessage) bool {
	return msg.ButtonText != "" && msg.Channel.Capabilities().SupportsButtons
}

// splitButtonPayload splits "<message id>_<rating>" as set on the reply buttons.
func splitButtonPayload(payload string) (messageID, rating string) {
	payload = strings.TrimSpace(payload)

	i := strings.LastIndex(payload, buttonPayloadSep)
	if i < 0 {
		return payload, ""
	}

	return payload[:i], payload[i+len(buttonPayloadSep):]
}

func (w *Worker) recordButtonFeedback(ctx context.Context, job *ports.AnalysisJob) {
	messageID, rating := splitButtonPayload(job.Message.ButtonPayload)

	logger := w.logger.With().
		Str(logFieldJobID, job.ID).
		Str("rated_message_id", messageID).
		Logger()

	if messageID == "" {
		logger.Warn().Msg("button reply without a message id, dropping")
		observability.AnalysisProcessed.WithLabelValues(statusFeedback).Inc()
		w.updateStatus(ctx, job.ID, db.AnalysisStatusDone, "button payload has no message id", nil)

		return
	}

	err := w.repo.SaveFeedback(ctx, domain.Feedback{
		MessageID:   messageID,
		PhoneNumber: job.Message.PhoneNumber,
		Source:      domain.FeedbackSourceButton,
		Rating:      rating,
		Text:        job.Message.ButtonText,
		At:          w.now(),
	})

	switch {
	case err == nil:
		logger.Info().Str("rating", rating).Msg("feedback recorded")
		observability.AnalysisProcessed.WithLabelValues(statusFeedback).Inc()
		w.updateStatus(ctx, job.ID, db.AnalysisStatusDone, "", nil)
	case errs.Is(err, errs.ErrNotFound):
		logger.Warn().Msg("feedback for unknown verdict, dropping")
		observability.AnalysisProcessed.WithLabelValues(statusFeedback).Inc()
		w.updateStatus(ctx, job.ID, db.AnalysisStatusDone, err.Error(), nil)
	default:
		w.handleError(ctx, job, err)
	}
}

// checkUsage returns a limit notice when the sender has used up the daily
// allowance. Counting failures let the analysis through.
func (w *Worker) checkUsage(ctx context.Context, job *ports.AnalysisJob) (domain.Verdict, bool) {
	if w.cfg.DailyLimit <= 0 {
		return domain.Verdict{}, false
	}

	used, err := w.repo.CountAnalysesSince(ctx, job.Message.PhoneNumber, w.now().Add(-usageWindow))
	if err != nil {
		w.logger.Warn().Err(err).Str(logFieldJobID, job.ID).Msg("failed to count usage, allowing analysis")

		return domain.Verdict{}, false
	}

	if used < w.cfg.DailyLimit {
		return domain.Verdict{}, false
	}

	w.logger.Info().
		Str(logFieldJobID, job.ID).
		Int("used", used).
		Int("limit", w.cfg.DailyLimit).
		Msg("daily analysis limit reached")

	return limitVerdict(used, w.cfg.DailyLimit), true
}

func limitVerdict(used, limit int) domain.Verdict {
	return domain.Verdict{
		Label:          LabelLimitReached,
		Reason:         fmt.Sprintf("Daily limit reached: %d of %d analyses used in the last 24 hours", used, limit),
		Recommendation: "Please try again tomorrow",
	}
}

// retryDelay doubles the base delay for every attempt already made.
func (w *Worker) retryDelay(attempt int) time.Duration {
	delay := w.cfg.RetryDelay

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}

	return delay
}

func (w *Worker) updateStatus(ctx context.Context, jobID, status, errMsg string, retryAt *time.Time) {
	if err := w.repo.UpdateAnalysisStatus(ctx, jobID, status, errMsg, retryAt); err != nil {
		w.logger.Warn().Err(err).Str(logFieldJobID, jobID).Msg("failed to update analysis status")
	}
}

func (w *Worker) recoverStuck(ctx context.Context) {
	n, err := w.repo.RecoverStuckAnalyses(ctx, w.cfg.StuckThreshold)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to recover stuck analyses")

		return
	}

	if n > 0 {
		w.logger.Info().Int64("recovered", n).Msg("returned stuck analyses to the queue")
	}
}

func (w *Worker) reportQueueDepth(ctx context.Context) {
	n, err := w.repo.CountPendingAnalyses(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to count pending analyses")

		return
	}

	observability.AnalysisQueueDepth.Set(float64(n))
}
