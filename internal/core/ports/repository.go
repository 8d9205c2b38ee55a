// Package ports provides domain-centric interfaces for external dependencies.
// These interfaces follow the ports and adapters (hexagonal) architecture pattern,
// allowing business logic to remain independent of infrastructure concerns.
package ports

import (
	"context"
	"time"

	"github.com/lueurxax/scam-relay/internal/core/domain"
)

// GroupStore persists aggregation groups. It is the only synchronization primitive
// the aggregator relies on, so implementations must report outcomes with the typed
// errors from internal/core/errors:
//
//   - InsertIfAbsent returns ErrConflict when a row with the same key exists.
//   - Update returns ErrConflict when the stored version differs from expectedVersion
//     and ErrNotFound when the row is gone.
//   - Read and Delete return ErrNotFound when the row is gone.
//   - DeleteOlderThan removes rows whose UpdatedAt is before cutoff.
//
// Delete returns the row exactly as it was removed.
type GroupStore interface {
	InsertIfAbsent(ctx context.Context, group domain.Group) error
	Read(ctx context.Context, key string) (*domain.Group, error)
	Update(ctx context.Context, group domain.Group, expectedVersion int64) error
	Delete(ctx context.Context, key string) (*domain.Group, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Group, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher hands released messages to the processing queue.
// It returns a delivery id once the queue has accepted the message.
type Dispatcher interface {
	Enqueue(ctx context.Context, msg domain.MergedMessage) (string, error)
}

// AnalysisJob is a claimed queue entry awaiting analysis.
type AnalysisJob struct {
	ID           string
	MessageID    string
	Message      domain.MergedMessage
	AttemptCount int
	CreatedAt    time.Time
}

// AnalysisQueue is the persistent queue between dispatch and analysis.
type AnalysisQueue interface {
	EnqueueAnalysis(ctx context.Context, msg domain.MergedMessage) (string, error)
	ClaimNextAnalysis(ctx context.Context) (*AnalysisJob, error)
	UpdateAnalysisStatus(ctx context.Context, jobID, status, errMsg string, retryAt *time.Time) error
	RecoverStuckAnalyses(ctx context.Context, stuckThreshold time.Duration) (int64, error)
	CountPendingAnalyses(ctx context.Context) (int, error)
}

// AnalysisResultStore persists analysis verdicts.
type AnalysisResultStore interface {
	SaveAnalysisResult(ctx context.Context, job AnalysisJob, verdict domain.Verdict) error
}

// FeedbackStore attaches user feedback to stored verdicts. Both methods return
// ErrNotFound when no matching verdict exists.
type FeedbackStore interface {
	// SaveFeedback rates the verdict of fb.MessageID.
	SaveFeedback(ctx context.Context, fb domain.Feedback) error
	// SaveLatestFeedback rates the newest unrated verdict of fb.PhoneNumber and
	// returns its message id.
	SaveLatestFeedback(ctx context.Context, fb domain.Feedback) (string, error)
}

// UsageCounter counts analyses performed for a sender.
type UsageCounter interface {
	CountAnalysesSince(ctx context.Context, phoneNumber string, since time.Time) (int, error)
}
