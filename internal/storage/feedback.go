package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

// SaveFeedback records feedback on the verdict of fb.MessageID. A verdict that
// already carries feedback is overwritten.
func (db *DB) SaveFeedback(ctx context.Context, fb domain.Feedback) error {
	messageID := toUUID(fb.MessageID)
	if !messageID.Valid {
		return fmt.Errorf("save feedback for %q: %w", fb.MessageID, errs.ErrNotFound)
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE analysis_results
		SET feedback_source = $2,
			feedback_rating = $3,
			feedback_text = $4,
			feedback_at = COALESCE($5, now())
		WHERE message_id = $1
	`, messageID, toText(fb.Source), toText(fb.Rating), toText(fb.Text), feedbackTime(fb.At))
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save feedback for %s: %w", fb.MessageID, errs.ErrNotFound)
	}

	return nil
}

// SaveLatestFeedback records feedback on the sender's newest verdict that has
// none yet and returns that verdict's message id.
func (db *DB) SaveLatestFeedback(ctx context.Context, fb domain.Feedback) (string, error) {
	var messageID pgtype.UUID

	err := db.Pool.QueryRow(ctx, `
		WITH target AS (
			SELECT message_id
			FROM analysis_results
			WHERE phone_number = $1
			  AND feedback_at IS NULL
			  AND label <> $6
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE analysis_results ar
		SET feedback_source = $2,
			feedback_rating = $3,
			feedback_text = $4,
			feedback_at = COALESCE($5, now())
		FROM target
		WHERE ar.message_id = target.message_id
		RETURNING ar.message_id
	`, SanitizeUTF8(fb.PhoneNumber), toText(fb.Source), toText(fb.Rating), toText(fb.Text),
		feedbackTime(fb.At), domain.LabelLimitReached).Scan(&messageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("save latest feedback: %w", errs.ErrNotFound)
		}

		return "", fmt.Errorf("save latest feedback: %w", err)
	}

	return fromUUID(messageID), nil
}

// CountAnalysesSince counts the sender's verdicts stored since the given time,
// leaving out limit notices.
func (db *DB) CountAnalysesSince(ctx context.Context, phoneNumber string, since time.Time) (int, error) {
	var count int

	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM analysis_results
		WHERE phone_number = $1
		  AND created_at >= $2
		  AND label <> $3
	`, SanitizeUTF8(phoneNumber), since, domain.LabelLimitReached).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}

	return count, nil
}

func feedbackTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}

	return pgtype.Timestamptz{Time: t, Valid: true}
}
