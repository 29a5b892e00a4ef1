// Package waitlist promotes waitlisted registrations into seats freed by
// cancellations.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Shivanand-hulikatti/registration-engine/internal/discount"
	"github.com/Shivanand-hulikatti/registration-engine/internal/ledger"
	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
	"github.com/Shivanand-hulikatti/registration-engine/internal/ticket"
)

// Promoter moves the oldest waitlisted registration into a freed seat.
type Promoter struct {
	seats     *ledger.Ledger
	discounts *discount.Validator
}

// NewPromoter constructs a Promoter that takes seats through seats and
// redeems remembered discount codes through discounts.
func NewPromoter(seats *ledger.Ledger, discounts *discount.Validator) *Promoter {
	return &Promoter{seats: seats, discounts: discounts}
}

// PromoteNext confirms the earliest waitlisted registration of the event that
// can be seated now, together with its ticket. Entrants are tried oldest
// first; one whose tier is still full is skipped. The freed seat must already
// have been released, and the promoted entrant's seat is reserved through the
// ledger. It returns nil when nobody waiting fits.
//
// The event must be locked by tx.
func (p *Promoter) PromoteNext(ctx context.Context, tx repository.Tx, event *model.Event) (*model.Registration, error) {
	waiting, err := tx.ListWaitlisted(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("find waitlisted: %w", err)
	}

	for i := range waiting {
		reg := &waiting[i]
		tierName := ""
		if reg.TierName != nil {
			tierName = *reg.TierName
		}
		ok, err := p.seats.Reserve(ctx, tx, event, tierName)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		reg.Status = model.StatusConfirmed
		if reg.DiscountCodeID != nil && !reg.DiscountApplied {
			if err := p.redeem(ctx, tx, event, reg, tierName); err != nil {
				return nil, err
			}
		}
		if err := tx.UpdateRegistration(ctx, reg); err != nil {
			return nil, fmt.Errorf("promote registration: %w", err)
		}
		if reg.TicketID != nil {
			if err := tx.UpdateTicketStatus(ctx, *reg.TicketID, model.StatusConfirmed); err != nil {
				return nil, fmt.Errorf("promote ticket: %w", err)
			}
		}
		log.Printf("waitlist: promoted registration %s on event %s", reg.ID, event.ID)
		return reg, nil
	}
	return nil, nil
}

// redeem applies the code the entrant registered with. A code that ran out
// or was removed while they waited is dropped rather than blocking the
// promotion.
func (p *Promoter) redeem(ctx context.Context, tx repository.Tx, event *model.Event, reg *model.Registration, tierName string) error {
	d, err := tx.GetDiscount(ctx, *reg.DiscountCodeID)
	if err == nil {
		err = p.discounts.ApplyUsage(ctx, tx, d.ID)
	}
	switch {
	case err == nil:
	case errors.Is(err, discount.ErrExhausted), errors.Is(err, repository.ErrNotFound):
		log.Printf("waitlist: discount not applied to promoted registration %s: %v", reg.ID, err)
		return nil
	default:
		return fmt.Errorf("redeem discount: %w", err)
	}
	reg.DiscountApplied = true
	reg.DiscountCents = d.Amount(ticket.Price(event, tierName))
	return nil
}

// Notification is the message sent to a promoted user.
func Notification(event *model.Event, reg *model.Registration) *model.Notification {
	return &model.Notification{
		UserID:  reg.UserID,
		Title:   "You're off the waitlist!",
		Message: fmt.Sprintf("A seat opened up for %s and your registration is now confirmed.", event.Title),
		Type:    "waitlist_promotion",
		Link:    "/events/" + event.ID,
	}
}
