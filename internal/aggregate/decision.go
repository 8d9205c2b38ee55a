// Package aggregate groups multi-part channel deliveries into single logical
// messages and releases each group to the dispatcher exactly once.
//
// Coordination happens only through the GroupStore: a conditional insert
// elects the first fragment of a window, optimistic updates append later
// fragments, and a delete that returns the removed row is the release claim.
// A group that never reaches its threshold is released by the Sweeper.
package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

const (
	defaultWindow       = 5 * time.Second
	defaultMaxFragments = 3
	defaultMaxMedia     = 3
	defaultMaxWait      = 3 * time.Second
	textSeparator       = " | "
	groupKeyBytes       = 16
)

// Decision is the outcome of evaluating a group.
type Decision int

const (
	Hold Decision = iota
	Release
)

func (d Decision) String() string {
	if d == Release {
		return "release"
	}

	return "hold"
}

// Policy holds the tunable aggregation thresholds.
type Policy struct {
	// Window is the bucket size used to derive group keys.
	Window time.Duration
	// MaxFragments releases a group as soon as it holds this many fragments.
	MaxFragments int
	// MaxMedia caps the media items in a merged message.
	MaxMedia int
	// MaxWait releases a group on append once its age exceeds this duration.
	MaxWait time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Window:       defaultWindow,
		MaxFragments: defaultMaxFragments,
		MaxMedia:     defaultMaxMedia,
		MaxWait:      defaultMaxWait,
	}
}

// normalized fills zero values with defaults.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()

	if p.Window <= 0 {
		p.Window = def.Window
	}

	if p.MaxFragments <= 0 {
		p.MaxFragments = def.MaxFragments
	}

	if p.MaxMedia <= 0 {
		p.MaxMedia = def.MaxMedia
	}

	if p.MaxWait <= 0 {
		p.MaxWait = def.MaxWait
	}

	return p
}

// GroupKey derives the deterministic key shared by all fragments of one sender
// within one window bucket.
func (p Policy) GroupKey(phoneNumber string, receivedAt time.Time) string {
	p = p.normalized()

	bucket := receivedAt.UTC().Truncate(p.Window).UnixNano()
	sum := sha256.Sum256([]byte(strings.TrimSpace(phoneNumber) + "#" + strconv.FormatInt(bucket, 10)))

	return hex.EncodeToString(sum[:groupKeyBytes])
}

// Decide reports whether a group should be released now.
func (p Policy) Decide(group domain.Group, now time.Time) Decision {
	p = p.normalized()

	if len(group.Fragments) >= p.MaxFragments {
		return Release
	}

	if now.Sub(group.CreatedAt) > p.MaxWait {
		return Release
	}

	return Hold
}

// trigger names the condition behind a Release decision.
func (p Policy) trigger(group domain.Group) string {
	if len(group.Fragments) >= p.normalized().MaxFragments {
		return observability.TriggerThreshold
	}

	return observability.TriggerTimeout
}

// Merge folds fragments, in arrival order, into one message. It is pure and
// deterministic: the same fragments always produce the same message. MessageID
// and GroupKey are left for the caller.
func (p Policy) Merge(fragments []domain.Fragment) domain.MergedMessage {
	if len(fragments) == 0 {
		return domain.MergedMessage{}
	}

	p = p.normalized()
	first := fragments[0]

	merged := domain.MergedMessage{
		Channel:       first.Channel,
		PhoneNumber:   first.PhoneNumber,
		FromNumber:    first.FromNumber,
		ToNumber:      first.ToNumber,
		UserID:        first.UserID,
		SessionID:     first.SessionID,
		ButtonPayload: first.ButtonPayload,
		ButtonText:    first.ButtonText,
		ReceivedAt:    first.ReceivedAt,
		FragmentCount: len(fragments),
	}

	var texts []string

	for _, f := range fragments {
		for _, m := range f.Media {
			if len(merged.Media) < p.MaxMedia {
				merged.Media = append(merged.Media, m)
			}
		}

		if strings.TrimSpace(f.Text) != "" {
			texts = append(texts, f.Text)
		}

		if f.SourceID != "" {
			merged.SourceIDs = append(merged.SourceIDs, f.SourceID)
		}
	}

	merged.Text = strings.Join(texts, textSeparator)

	return merged
}

// Eligible reports whether a fragment takes part in aggregation. Channels that
// deliver one call per user send, and fragments without media, bypass it.
func Eligible(f domain.Fragment) bool {
	return f.Channel.Capabilities().SplitsMedia && f.HasMedia()
}
