// Package discount validates discount codes and records their redemption.
package discount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

// Result is the outcome of validating a code.
type Result struct {
	Valid  bool                `json:"valid"`
	Reason string              `json:"reason,omitempty"`
	ID     string              `json:"id"`
	Type   model.DiscountType  `json:"type"`
	Value  int64               `json:"value"`
	Code   *model.DiscountCode `json:"-"`
}

// Err returns nil for a valid result and an ErrInvalidState carrying the reason otherwise.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: discount code %s", model.ErrInvalidState, r.Reason)
}

// Validator performs read-only checks and the guarded usage increment.
type Validator struct {
	store repository.Reader
	now   func() time.Time
}

// NewValidator constructs a Validator reading codes from store.
func NewValidator(store repository.Reader) *Validator {
	return &Validator{store: store, now: time.Now}
}

// Validate checks the active flag, expiry, usage ceiling and event scope of
// code. An unknown code is ErrNotFound; a known but unusable code is
// returned with Valid false and a reason.
func (v *Validator) Validate(ctx context.Context, code, eventID string) (*Result, error) {
	d, err := v.store.GetDiscountByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return v.check(d, eventID), nil
}

func (v *Validator) check(d *model.DiscountCode, eventID string) *Result {
	res := &Result{ID: d.ID, Type: d.Type, Value: d.Value, Code: d}
	switch {
	case !d.IsActive:
		res.Reason = "is not active"
	case d.ExpiryDate != nil && !d.ExpiryDate.After(v.now()):
		res.Reason = "has expired"
	case d.MaxUses != nil && d.UsedCount >= *d.MaxUses:
		res.Reason = "has reached its usage limit"
	case d.EventID != nil && *d.EventID != eventID:
		res.Reason = "does not apply to this event"
	default:
		res.Valid = true
	}
	return res
}

// ErrExhausted is returned by ApplyUsage when the guarded increment lost a
// race with another redemption or the code became unusable since validation.
var ErrExhausted = errors.New("discount code is no longer redeemable")

// ApplyUsage atomically adds one use to the code inside tx. It must be
// called at most once per registration, when that registration becomes
// confirmed.
func (v *Validator) ApplyUsage(ctx context.Context, tx repository.Tx, codeID string) error {
	ok, err := tx.IncrementDiscountUsage(ctx, codeID)
	if err != nil {
		return fmt.Errorf("apply discount usage: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %w", model.ErrInvalidState, ErrExhausted)
	}
	return nil
}
