package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/core/ports"
)

// AnalysisQueue is a thread-safe in-memory implementation of ports.AnalysisQueue,
// ports.AnalysisResultStore, ports.FeedbackStore and ports.UsageCounter. Jobs
// are claimed in enqueue order.
type AnalysisQueue struct {
	mu      sync.Mutex
	seq     int
	order   []string
	jobs    map[string]*QueuedJob
	results map[string]*StoredResult

	// Now stamps saved results. Defaults to time.Now.
	Now func() time.Time

	// EnqueueFn allows overriding EnqueueAnalysis behavior.
	EnqueueFn func(ctx context.Context, msg domain.MergedMessage) (string, error)

	// ClaimFn allows overriding ClaimNextAnalysis behavior.
	ClaimFn func(ctx context.Context) (*ports.AnalysisJob, error)

	// SaveResultFn allows overriding SaveAnalysisResult behavior.
	SaveResultFn func(ctx context.Context, job ports.AnalysisJob, verdict domain.Verdict) error

	// SaveFeedbackFn allows overriding SaveFeedback behavior.
	SaveFeedbackFn func(ctx context.Context, fb domain.Feedback) error

	// CountFn allows overriding CountAnalysesSince behavior.
	CountFn func(ctx context.Context, phoneNumber string, since time.Time) (int, error)
}

// StoredResult is a saved verdict with its sender and feedback.
type StoredResult struct {
	Verdict     domain.Verdict
	PhoneNumber string
	SavedAt     time.Time
	Feedback    *domain.Feedback
}

// QueuedJob is the stored state of one queue entry.
type QueuedJob struct {
	Job         ports.AnalysisJob
	Status      string
	Error       string
	NextRetryAt *time.Time
}

// NewAnalysisQueue creates a new mock analysis queue.
func NewAnalysisQueue() *AnalysisQueue {
	return &AnalysisQueue{
		jobs:    make(map[string]*QueuedJob),
		results: make(map[string]*StoredResult),
		Now:     time.Now,
	}
}

// EnqueueAnalysis stores a pending job; enqueueing the same message id again returns the existing job id.
func (q *AnalysisQueue) EnqueueAnalysis(ctx context.Context, msg domain.MergedMessage) (string, error) {
	if q.EnqueueFn != nil {
		return q.EnqueueFn(ctx, msg)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		if q.jobs[id].Job.MessageID == msg.MessageID {
			return id, nil
		}
	}

	q.seq++
	id := fmt.Sprintf("job-%d", q.seq)
	q.order = append(q.order, id)
	q.jobs[id] = &QueuedJob{
		Job: ports.AnalysisJob{
			ID:        id,
			MessageID: msg.MessageID,
			Message:   msg,
			CreatedAt: time.Now(),
		},
		Status: "pending",
	}

	return id, nil
}

// ClaimNextAnalysis marks the oldest pending job as processing.
func (q *AnalysisQueue) ClaimNextAnalysis(ctx context.Context) (*ports.AnalysisJob, error) {
	if q.ClaimFn != nil {
		return q.ClaimFn(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status != "pending" || (job.NextRetryAt != nil && job.NextRetryAt.After(now)) {
			continue
		}

		job.Status = "processing"
		job.Job.AttemptCount++
		claimed := job.Job

		return &claimed, nil
	}

	return nil, nil //nolint:nilnil // nil,nil indicates no pending job
}

// UpdateAnalysisStatus records a status transition.
func (q *AnalysisQueue) UpdateAnalysisStatus(_ context.Context, jobID, status, errMsg string, retryAt *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}

	job.Status = status
	job.Error = errMsg
	job.NextRetryAt = retryAt

	return nil
}

// RecoverStuckAnalyses returns every processing job to pending.
func (q *AnalysisQueue) RecoverStuckAnalyses(_ context.Context, _ time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64

	for _, job := range q.jobs {
		if job.Status == "processing" {
			job.Status = "pending"
			n++
		}
	}

	return n, nil
}

// CountPendingAnalyses counts pending jobs.
func (q *AnalysisQueue) CountPendingAnalyses(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0

	for _, job := range q.jobs {
		if job.Status == "pending" {
			n++
		}
	}

	return n, nil
}

// SaveAnalysisResult stores the verdict keyed by message id.
func (q *AnalysisQueue) SaveAnalysisResult(ctx context.Context, job ports.AnalysisJob, verdict domain.Verdict) error {
	if q.SaveResultFn != nil {
		return q.SaveResultFn(ctx, job, verdict)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.results[job.MessageID] = &StoredResult{
		Verdict:     verdict,
		PhoneNumber: job.Message.PhoneNumber,
		SavedAt:     q.Now(),
	}

	return nil
}

// PutResult stores a verdict directly, as if it had been saved at savedAt.
func (q *AnalysisQueue) PutResult(messageID, phoneNumber string, verdict domain.Verdict, savedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.results[messageID] = &StoredResult{Verdict: verdict, PhoneNumber: phoneNumber, SavedAt: savedAt}
}

// SaveFeedback attaches feedback to the verdict of fb.MessageID.
func (q *AnalysisQueue) SaveFeedback(ctx context.Context, fb domain.Feedback) error {
	if q.SaveFeedbackFn != nil {
		return q.SaveFeedbackFn(ctx, fb)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	result, ok := q.results[fb.MessageID]
	if !ok {
		return fmt.Errorf("save feedback for %s: %w", fb.MessageID, errs.ErrNotFound)
	}

	result.Feedback = &fb

	return nil
}

// SaveLatestFeedback attaches feedback to the sender's newest unrated verdict.
func (q *AnalysisQueue) SaveLatestFeedback(_ context.Context, fb domain.Feedback) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		latestID string
		latest   *StoredResult
	)

	for id, result := range q.results {
		if result.PhoneNumber != fb.PhoneNumber || result.Feedback != nil ||
			result.Verdict.Label == domain.LabelLimitReached {
			continue
		}

		if latest == nil || result.SavedAt.After(latest.SavedAt) {
			latestID, latest = id, result
		}
	}

	if latest == nil {
		return "", fmt.Errorf("save latest feedback: %w", errs.ErrNotFound)
	}

	fb.MessageID = latestID
	latest.Feedback = &fb

	return latestID, nil
}

// CountAnalysesSince counts the sender's verdicts saved at or after since,
// leaving out limit notices.
func (q *AnalysisQueue) CountAnalysesSince(ctx context.Context, phoneNumber string, since time.Time) (int, error) {
	if q.CountFn != nil {
		return q.CountFn(ctx, phoneNumber, since)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0

	for _, result := range q.results {
		if result.PhoneNumber == phoneNumber && !result.SavedAt.Before(since) &&
			result.Verdict.Label != domain.LabelLimitReached {
			n++
		}
	}

	return n, nil
}

// Job returns a copy of the stored job state.
func (q *AnalysisQueue) Job(id string) (QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return QueuedJob{}, false
	}

	return *job, true
}

// Result returns the saved verdict for a message id.
func (q *AnalysisQueue) Result(messageID string) (domain.Verdict, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, ok := q.results[messageID]
	if !ok {
		return domain.Verdict{}, false
	}

	return result.Verdict, true
}

// Feedback returns the feedback saved for a message id.
func (q *AnalysisQueue) Feedback(messageID string) (domain.Feedback, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, ok := q.results[messageID]
	if !ok || result.Feedback == nil {
		return domain.Feedback{}, false
	}

	return *result.Feedback, true
}

// ResultCount returns the number of saved verdicts.
func (q *AnalysisQueue) ResultCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.results)
}
