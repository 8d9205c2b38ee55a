// Package domain holds the data types shared by ingestion, aggregation,
// dispatch and analysis.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

// MediaRef points at one media item. Exactly one of SourceURL and StorageKey is set.
type MediaRef struct {
	SourceURL   string `json:"source_url,omitempty"`
	StorageKey  string `json:"storage_key,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Validate checks the SourceURL/StorageKey exclusivity.
func (m MediaRef) Validate() error {
	hasURL := strings.TrimSpace(m.SourceURL) != ""
	hasKey := strings.TrimSpace(m.StorageKey) != ""

	if hasURL == hasKey {
		return fmt.Errorf("%w: media must have exactly one of source_url and storage_key", errs.ErrDecode)
	}

	return nil
}

// Fragment is one normalized inbound webhook delivery. It is never mutated after creation.
type Fragment struct {
	// SourceID is the channel's own message id (Twilio MessageSid); empty when the channel has none.
	SourceID      string          `json:"source_id,omitempty"`
	Channel       Channel         `json:"channel"`
	PhoneNumber   string          `json:"phone_number"`
	FromNumber    string          `json:"from_number,omitempty"`
	ToNumber      string          `json:"to_number,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	Text          string          `json:"text,omitempty"`
	Media         []MediaRef      `json:"media,omitempty"`
	ButtonPayload string          `json:"button_payload,omitempty"`
	ButtonText    string          `json:"button_text,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
}

// Validate rejects fragments that must not enter aggregation.
func (f Fragment) Validate() error {
	if strings.TrimSpace(f.PhoneNumber) == "" {
		return fmt.Errorf("%w: phone number is required", errs.ErrDecode)
	}

	if f.Channel == ChannelUnknown {
		return fmt.Errorf("%w: %w", errs.ErrDecode, errs.ErrUnknownChannel)
	}

	if f.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: received_at is required", errs.ErrDecode)
	}

	for i, m := range f.Media {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("media %d: %w", i, err)
		}
	}

	return nil
}

// HasMedia reports whether the fragment carries at least one media item.
func (f Fragment) HasMedia() bool {
	return len(f.Media) > 0
}

// Group is the coordination record aggregating fragments of one logical user send.
type Group struct {
	Key         string
	PhoneNumber string
	Fragments   []Fragment
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Version increments on every successful update; used for optimistic concurrency.
	Version int64
}

// HasSource reports whether a fragment with the given channel message id is already in the group.
func (g Group) HasSource(sourceID string) bool {
	if sourceID == "" {
		return false
	}

	for _, f := range g.Fragments {
		if f.SourceID == sourceID {
			return true
		}
	}

	return false
}

// MergedMessage is the finalized, dispatchable form of a released group.
type MergedMessage struct {
	MessageID     string     `json:"message_id"`
	GroupKey      string     `json:"group_key,omitempty"`
	Channel       Channel    `json:"channel"`
	PhoneNumber   string     `json:"phone_number"`
	FromNumber    string     `json:"from_number,omitempty"`
	ToNumber      string     `json:"to_number,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	ButtonPayload string     `json:"button_payload,omitempty"`
	ButtonText    string     `json:"button_text,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	Text          string     `json:"text,omitempty"`
	Media         []MediaRef `json:"media,omitempty"`
	FragmentCount int        `json:"fragment_count"`
	SourceIDs     []string   `json:"source_ids,omitempty"`
}

// Verdict is the structured result of a scam/counterfeit analysis.
type Verdict struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Recommendation string  `json:"recommendation"`
	Model          string  `json:"model,omitempty"`
}

// LabelLimitReached marks a verdict stored instead of an analysis because the
// sender used up the daily allowance. Such verdicts do not count as usage.
const LabelLimitReached = "Limit Reached"

// Feedback sources.
const (
	FeedbackSourceButton = "button"
	FeedbackSourceWebApp = "webapp"
)

// Feedback is a user's reaction to an earlier verdict.
type Feedback struct {
	// MessageID identifies the rated verdict; empty means the sender's latest
	// verdict without feedback.
	MessageID   string
	PhoneNumber string
	Source      string
	Rating      string
	Text        string
	At          time.Time
}
