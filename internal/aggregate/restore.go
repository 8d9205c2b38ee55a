package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/core/ports"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

const (
	restoreStatusInserted  = "inserted"
	restoreStatusPrepended = "prepended"
	restoreStatusFailed    = "failed"
)

// restoreGroup puts a claimed group back after its dispatch failed. If a new
// group took the key in the meantime, the claimed fragments are prepended to it
// so arrival order is kept. The restored row is stamped with now, which keeps
// it out of the expiry purge until it has sat untouched for the expiry age.
func restoreGroup(ctx context.Context, store ports.GroupStore, claimed domain.Group, attempts int, now time.Time) error {
	if attempts <= 0 {
		attempts = 1
	}

	claimed.Version = 1
	claimed.UpdatedAt = now

	var lastErr error

	for i := 0; i < attempts; i++ {
		err := store.InsertIfAbsent(ctx, claimed)
		if err == nil {
			observability.GroupRestores.WithLabelValues(restoreStatusInserted).Inc()

			return nil
		}

		if !errs.Is(err, errs.ErrConflict) {
			lastErr = fmt.Errorf("reinsert group: %w", err)

			break
		}

		lastErr = prependInto(ctx, store, claimed)
		if lastErr == nil {
			observability.GroupRestores.WithLabelValues(restoreStatusPrepended).Inc()

			return nil
		}

		if !errs.Is(lastErr, errs.ErrConflict) && !errs.Is(lastErr, errs.ErrNotFound) {
			break
		}
	}

	observability.GroupRestores.WithLabelValues(restoreStatusFailed).Inc()

	return lastErr
}

func prependInto(ctx context.Context, store ports.GroupStore, claimed domain.Group) error {
	current, err := store.Read(ctx, claimed.Key)
	if err != nil {
		return fmt.Errorf("read group for restore: %w", err)
	}

	fragments := make([]domain.Fragment, 0, len(claimed.Fragments)+len(current.Fragments))
	fragments = append(fragments, claimed.Fragments...)

	for _, f := range current.Fragments {
		if f.SourceID != "" && claimed.HasSource(f.SourceID) {
			continue
		}

		fragments = append(fragments, f)
	}

	expected := current.Version
	current.Fragments = fragments
	current.UpdatedAt = claimed.UpdatedAt

	if err := store.Update(ctx, *current, expected); err != nil {
		return fmt.Errorf("prepend restored fragments: %w", err)
	}

	return nil
}
