package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	"github.com/lueurxax/scam-relay/internal/core/ports"
)

// EnqueueAnalysis inserts a released message into analysis_queue. Enqueueing
// the same message id twice returns the existing row id.
func (db *DB) EnqueueAnalysis(ctx context.Context, msg domain.MergedMessage) (string, error) {
	messageID := toUUID(msg.MessageID)
	if !messageID.Valid {
		return "", fmt.Errorf("enqueue analysis: invalid message id %q", msg.MessageID)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal analysis payload: %w", err)
	}

	var id pgtype.UUID

	err = db.Pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO analysis_queue (id, message_id, group_key, channel, phone_number, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (message_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM inserted
		UNION ALL
		SELECT id FROM analysis_queue WHERE message_id = $2
		LIMIT 1
	`, toUUID(uuid.NewString()), messageID, toText(msg.GroupKey), msg.Channel.String(),
		SanitizeUTF8(msg.PhoneNumber), payload).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue analysis: %w", err)
	}

	return fromUUID(id), nil
}

func (db *DB) ClaimNextAnalysis(ctx context.Context) (*ports.AnalysisJob, error) {
	var (
		job       ports.AnalysisJob
		queueID   pgtype.UUID
		messageID pgtype.UUID
		payload   []byte
	)

	err := db.Pool.QueryRow(ctx, `
		WITH picked AS (
			SELECT id
			FROM analysis_queue
			WHERE status = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE analysis_queue aq
		SET status = $2,
			attempt_count = aq.attempt_count + 1,
			updated_at = now()
		FROM picked
		WHERE aq.id = picked.id
		RETURNING aq.id, aq.message_id, aq.payload, aq.attempt_count, aq.created_at
	`, AnalysisStatusPending, AnalysisStatusProcessing).Scan(
		&queueID,
		&messageID,
		&payload,
		&job.AttemptCount,
		&job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // nil,nil indicates no pending analysis available
		}

		return nil, fmt.Errorf("claim next analysis: %w", err)
	}

	if err := json.Unmarshal(payload, &job.Message); err != nil {
		return nil, fmt.Errorf("unmarshal analysis payload: %w", err)
	}

	job.ID = fromUUID(queueID)
	job.MessageID = fromUUID(messageID)

	return &job, nil
}

func (db *DB) UpdateAnalysisStatus(ctx context.Context, jobID, status, errMsg string, retryAt *time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE analysis_queue
		SET status = $2,
			error_message = $3,
			next_retry_at = $4,
			updated_at = now()
		WHERE id = $1
	`, toUUID(jobID), status, toText(errMsg), toTimestamptzPtr(retryAt))
	if err != nil {
		return fmt.Errorf("update analysis status: %w", err)
	}

	return nil
}

// RecoverStuckAnalyses returns jobs left in processing by a crashed worker to pending.
func (db *DB) RecoverStuckAnalyses(ctx context.Context, stuckThreshold time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE analysis_queue
		SET status = $1,
			updated_at = now()
		WHERE status = $2
		  AND updated_at < $3
	`, AnalysisStatusPending, AnalysisStatusProcessing, time.Now().Add(-stuckThreshold))
	if err != nil {
		return 0, fmt.Errorf("recover stuck analyses: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (db *DB) CountPendingAnalyses(ctx context.Context) (int, error) {
	var count int

	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM analysis_queue
		WHERE status = $1
	`, AnalysisStatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending analyses: %w", err)
	}

	return count, nil
}

// SaveAnalysisResult stores the verdict for a job, replacing any earlier one for the message.
func (db *DB) SaveAnalysisResult(ctx context.Context, job ports.AnalysisJob, verdict domain.Verdict) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO analysis_results (
			message_id, queue_id, channel, phone_number, user_id,
			label, confidence, reason, recommendation, model
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO UPDATE
		SET queue_id = EXCLUDED.queue_id,
			label = EXCLUDED.label,
			confidence = EXCLUDED.confidence,
			reason = EXCLUDED.reason,
			recommendation = EXCLUDED.recommendation,
			model = EXCLUDED.model,
			created_at = now()
	`,
		toUUID(job.MessageID),
		toUUID(job.ID),
		job.Message.Channel.String(),
		SanitizeUTF8(job.Message.PhoneNumber),
		toText(job.Message.UserID),
		verdict.Label,
		verdict.Confidence,
		toText(verdict.Reason),
		toText(verdict.Recommendation),
		toText(verdict.Model),
	)
	if err != nil {
		return fmt.Errorf("save analysis result: %w", err)
	}

	return nil
}
