// Package model defines the core domain types for the registration engine.
package model

import (
	"strings"
	"time"
)

// EventStatus is the publication state of an event.
type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventCancelled EventStatus = "cancelled"
	EventCompleted EventStatus = "completed"
)

// TicketTier is a named sub-allocation of an event's capacity.
type TicketTier struct {
	Name            string `json:"name"`
	Capacity        int    `json:"capacity"`
	RegisteredCount int    `json:"registered_count"`
	PriceCents      int64  `json:"price_cents"`
}

// Remaining returns the number of available seats in the tier.
func (t *TicketTier) Remaining() int {
	return t.Capacity - t.RegisteredCount
}

// IsFull returns true when no seats remain in the tier.
func (t *TicketTier) IsFull() bool {
	return t.RegisteredCount >= t.Capacity
}

// Event is the aggregate that owns the seat counters.
type Event struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	OrganizerID     string       `json:"organizer_id"`
	Capacity        int          `json:"capacity"`
	RegisteredCount int          `json:"registered_count"`
	WaitlistEnabled bool         `json:"waitlist_enabled"`
	Status          EventStatus  `json:"status"`
	PriceCents      int64        `json:"price_cents"`
	Tiers           []TicketTier `json:"ticket_tiers,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Remaining returns the number of available seats.
func (e *Event) Remaining() int {
	return e.Capacity - e.RegisteredCount
}

// IsFull returns true when no seats remain.
func (e *Event) IsFull() bool {
	return e.RegisteredCount >= e.Capacity
}

// Tier returns the tier with the given name, or nil.
func (e *Event) Tier(name string) *TicketTier {
	for i := range e.Tiers {
		if e.Tiers[i].Name == name {
			return &e.Tiers[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	if e.Tiers != nil {
		c.Tiers = append([]TicketTier(nil), e.Tiers...)
	}
	return &c
}

// RegistrationStatus is the lifecycle state of a registration.
type RegistrationStatus string

const (
	StatusPending    RegistrationStatus = "pending"
	StatusConfirmed  RegistrationStatus = "confirmed"
	StatusWaitlisted RegistrationStatus = "waitlisted"
	StatusCancelled  RegistrationStatus = "cancelled"
	StatusCheckedIn  RegistrationStatus = "checked_in"
)

// HoldsSeat reports whether a registration in this status occupies a counted seat.
func (s RegistrationStatus) HoldsSeat() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusCheckedIn
}

// Cancellable reports whether a registration in this status may be cancelled.
func (s RegistrationStatus) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusWaitlisted
}

// Registration represents a user's claim on an event.
type Registration struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	EventID          string             `json:"event_id"`
	Status           RegistrationStatus `json:"status"`
	TierName         *string            `json:"tier_name,omitempty"`
	TicketID         *string            `json:"ticket_id,omitempty"`
	DiscountCodeID   *string            `json:"discount_code_id,omitempty"`
	DiscountApplied  bool               `json:"discount_applied"`
	DiscountCents    int64              `json:"discount_cents"`
	RegistrationDate time.Time          `json:"registration_date"`
}

// Ticket is the immutable proof of a registration. Only Status changes.
type Ticket struct {
	ID           string             `json:"id"`
	EventID      string             `json:"event_id"`
	UserID       string             `json:"user_id"`
	TicketNumber string             `json:"ticket_number"`
	Status       RegistrationStatus `json:"status"`
	PriceCents   int64              `json:"price_cents"`
	TierName     *string            `json:"tier_name,omitempty"`
	PurchaseDate time.Time          `json:"purchase_date"`
}

// DiscountType distinguishes percentage from fixed-amount discounts.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// DiscountCode is a redeemable price reduction.
type DiscountCode struct {
	ID         string       `json:"id"`
	Code       string       `json:"code"`
	Type       DiscountType `json:"type"`
	Value      int64        `json:"value"`
	EventID    *string      `json:"event_id,omitempty"`
	MaxUses    *int         `json:"max_uses,omitempty"`
	UsedCount  int          `json:"used_count"`
	ExpiryDate *time.Time   `json:"expiry_date,omitempty"`
	IsActive   bool         `json:"is_active"`
}

// NormalizeCode returns the canonical form used for discount code lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Amount returns the reduction in cents this code gives on price, never more than price.
func (d *DiscountCode) Amount(priceCents int64) int64 {
	var off int64
	switch d.Type {
	case DiscountPercentage:
		off = priceCents * d.Value / 100
	case DiscountFixed:
		off = d.Value
	}
	if off > priceCents {
		off = priceCents
	}
	if off < 0 {
		off = 0
	}
	return off
}

// Profile holds the gamification fields of a user.
type Profile struct {
	UserID string `json:"user_id"`
	Points int    `json:"points"`
	XP     int    `json:"xp"`
	Level  int    `json:"level"`
}

// XPPerLevel is the amount of XP needed to advance one level.
const XPPerLevel = 500

// LevelForXP is the pure level formula.
func LevelForXP(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return xp/XPPerLevel + 1
}

// PointsHistoryEntry is an append-only audit record of a points award.
type PointsHistoryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Points    int       `json:"points"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BadgeKind selects which aggregate a badge threshold is compared against.
type BadgeKind string

const (
	BadgePoints     BadgeKind = "points"
	BadgeAttendance BadgeKind = "attendance"
)

// Badge is a badge definition.
type Badge struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Kind        BadgeKind `json:"kind"`
	Threshold   int       `json:"threshold"`
}

// UserBadge records that a user holds a badge. Unique per (UserID, BadgeID).
type UserBadge struct {
	UserID    string    `json:"user_id"`
	BadgeID   string    `json:"badge_id"`
	AwardedAt time.Time `json:"awarded_at"`
}

// Challenge is a goal users enroll in and complete by repeated actions.
type Challenge struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	TriggerType  string `json:"trigger_type"`
	Target       int    `json:"target"`
	RewardPoints int    `json:"reward_points"`
	Active       bool   `json:"active"`
}

// ChallengeEnrollment tracks one user's progress in one challenge.
type ChallengeEnrollment struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ChallengeID string     `json:"challenge_id"`
	Progress    int        `json:"progress"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Challenge trigger types fired by the engine.
const (
	TriggerRegister   = "register"
	TriggerAttendance = "attendance"
)

// Notification is an in-app message addressed to one user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookSubscription is an external URL that receives engine events.
type WebhookSubscription struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"-"`
}

// Accepts reports whether the subscription wants eventType. An empty list accepts all.
func (s *WebhookSubscription) Accepts(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Webhook event types.
const (
	HookRegistrationCreated   = "registration.created"
	HookRegistrationCancelled = "registration.cancelled"
	HookRegistrationConfirmed = "registration.confirmed"
	HookRegistrationPromoted  = "registration.promoted"
	HookTicketCheckedIn       = "ticket.checked_in"
)

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Title           string              `json:"title" validate:"required,max=200"`
	Capacity        int                 `json:"capacity" validate:"gt=0,lte=100000"`
	WaitlistEnabled bool                `json:"waitlist_enabled"`
	Status          EventStatus         `json:"status" validate:"omitempty,oneof=draft published"`
	PriceCents      int64               `json:"price_cents" validate:"gte=0"`
	Tiers           []CreateTierRequest `json:"ticket_tiers" validate:"dive"`
}

// CreateTierRequest describes one tier in a CreateEventRequest.
type CreateTierRequest struct {
	Name       string `json:"name" validate:"required,max=100"`
	Capacity   int    `json:"capacity" validate:"gt=0"`
	PriceCents int64  `json:"price_cents" validate:"gte=0"`
}

// RegisterRequest is the payload for registering for an event.
type RegisterRequest struct {
	TierName     string `json:"tier_name" validate:"omitempty,max=100"`
	DiscountCode string `json:"discount_code" validate:"omitempty,max=64"`
	// AwaitPayment creates the registration as pending; the seat is held
	// until the payment gateway confirms or the user cancels.
	AwaitPayment bool `json:"await_payment"`
	// PaymentConfirmed confirms an existing pending registration. Honoured
	// only for admin and system callers.
	PaymentConfirmed bool `json:"payment_confirmed"`
	// UserID registers on behalf of another user; admin and system only.
	UserID string `json:"user_id" validate:"omitempty,max=100"`
}

// ConfirmRequest is the payment-gateway callback payload.
type ConfirmRequest struct {
	UserID   string `json:"user_id" validate:"omitempty,max=100"`
	TierName string `json:"tier_name" validate:"omitempty,max=100"`
}

// CreateDiscountRequest is the payload for creating a discount code.
type CreateDiscountRequest struct {
	Code       string       `json:"code" validate:"required,max=64"`
	Type       DiscountType `json:"type" validate:"required,oneof=percentage fixed"`
	Value      int64        `json:"value" validate:"gt=0"`
	EventID    *string      `json:"event_id"`
	MaxUses    *int         `json:"max_uses" validate:"omitempty,gt=0"`
	ExpiryDate *time.Time   `json:"expiry_date"`
}

// AwardPointsRequest is the payload for an administrative points award.
type AwardPointsRequest struct {
	Amount int    `json:"amount" validate:"required,ne=0"`
	Reason string `json:"reason" validate:"required,max=200"`
	Link   string `json:"link" validate:"omitempty,max=500"`
}

// ChallengeProgressRequest is the payload for triggering challenge progress.
type ChallengeProgressRequest struct {
	Type      string `json:"type" validate:"required,max=50"`
	Increment int    `json:"increment" validate:"gte=0"`
}

// CreateWebhookRequest registers a webhook subscriber.
type CreateWebhookRequest struct {
	URL        string   `json:"url" validate:"required,url,max=500"`
	EventTypes []string `json:"event_types" validate:"dive,oneof=registration.created registration.cancelled registration.confirmed registration.promoted ticket.checked_in"`
	Secret     string   `json:"secret" validate:"omitempty,min=16,max=200"`
}

// CreateChallengeRequest defines a challenge.
type CreateChallengeRequest struct {
	Title        string `json:"title" validate:"required,max=200"`
	TriggerType  string `json:"trigger_type" validate:"required,oneof=register attendance"`
	Target       int    `json:"target" validate:"gt=0"`
	RewardPoints int    `json:"reward_points" validate:"gte=0"`
}

// CreateBadgeRequest defines a badge.
type CreateBadgeRequest struct {
	Name        string    `json:"name" validate:"required,max=100"`
	Description string    `json:"description" validate:"max=500"`
	Kind        BadgeKind `json:"kind" validate:"required,oneof=points attendance"`
	Threshold   int       `json:"threshold" validate:"gt=0"`
}

// UserSummary is a user's gamification state.
type UserSummary struct {
	Profile Profile              `json:"profile"`
	Badges  []UserBadge          `json:"badges"`
	History []PointsHistoryEntry `json:"history"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BookingResult summarises the outcome of a single registration attempt.
// Used by the concurrent test harnesses.
type BookingResult struct {
	UserID string
	Status RegistrationStatus
	Error  error
}
