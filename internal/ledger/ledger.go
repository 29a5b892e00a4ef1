// Package ledger owns the seat counters of an event and its ticket tiers.
// It is the only code that changes registered counts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

// Ledger reserves and releases seats inside a caller's transaction.
type Ledger struct{}

// New constructs a Ledger.
func New() *Ledger {
	return &Ledger{}
}

// Reserve takes one seat on the event and, when tierName is non-empty, on
// that tier. It reports false without writing anything when either scope is
// full. The event must have been returned by tx.LockEvent in this transaction.
func (l *Ledger) Reserve(ctx context.Context, tx repository.Tx, event *model.Event, tierName string) (bool, error) {
	if tierName != "" {
		tier := event.Tier(tierName)
		if tier == nil {
			return false, fmt.Errorf("ticket tier %q: %w", tierName, model.ErrNotFound)
		}
		if tier.IsFull() {
			return false, nil
		}
	}
	if event.IsFull() {
		return false, nil
	}

	if err := tx.IncrementSeats(ctx, event.ID, tierName); err != nil {
		if errors.Is(err, repository.ErrCounterGuard) {
			// The row changed under a lock we were supposed to hold.
			log.Printf("ledger: guard rejected reserve on event %s tier %q", event.ID, tierName)
		}
		return false, fmt.Errorf("reserve seat: %w", err)
	}

	event.RegisteredCount++
	if tierName != "" {
		event.Tier(tierName).RegisteredCount++
	}
	return true, nil
}

// Release gives one seat back, floored at zero on both scopes.
func (l *Ledger) Release(ctx context.Context, tx repository.Tx, event *model.Event, tierName string) error {
	if err := tx.DecrementSeats(ctx, event.ID, tierName); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	if event.RegisteredCount > 0 {
		event.RegisteredCount--
	}
	if tier := event.Tier(tierName); tierName != "" && tier != nil && tier.RegisteredCount > 0 {
		tier.RegisteredCount--
	}
	return nil
}
