// Package repository defines the storage contracts of the registration engine
// and implements them on PostgreSQL using pgx directly (no ORM).
package repository

import (
	"context"
	"errors"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = model.ErrNotFound

// ErrConflict is a retryable concurrency failure (serialization failure,
// deadlock). The whole transaction may be re-run.
var ErrConflict = errors.New("transaction conflict")

// ErrTicketNumberTaken is returned when a generated ticket number collides
// with an existing one. Retryable with a fresh number.
var ErrTicketNumberTaken = errors.New("ticket number already taken")

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// ErrCounterGuard is returned when a guarded counter update matched no row.
// Seen only when a caller skipped the check it was required to make.
var ErrCounterGuard = errors.New("counter guard rejected update")

// Retryable reports whether err may succeed if the transaction is re-run.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTicketNumberTaken)
}

// Store is the entry point to persistence. Every mutation runs inside InTx.
type Store interface {
	Reader

	// InTx runs fn in one atomic unit. If fn returns an error every write
	// made through tx is discarded.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateEvent(ctx context.Context, e *model.Event) error
	ListEvents(ctx context.Context) ([]model.Event, error)
	ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error)
	CreateDiscountCode(ctx context.Context, d *model.DiscountCode) error
	CreateBadge(ctx context.Context, b *model.Badge) error
	CreateChallenge(ctx context.Context, c *model.Challenge) error
	Enroll(ctx context.Context, en *model.ChallengeEnrollment) error
	CreateWebhookSubscription(ctx context.Context, s *model.WebhookSubscription) error
	ListWebhookSubscriptions(ctx context.Context, eventType string) ([]model.WebhookSubscription, error)
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// Reader holds lookups that are valid both inside and outside a transaction.
type Reader interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	GetTicket(ctx context.Context, idOrNumber string) (*model.Ticket, error)
	GetRegistration(ctx context.Context, userID, eventID string) (*model.Registration, error)
	GetDiscountByCode(ctx context.Context, code string) (*model.DiscountCode, error)
	GetDiscount(ctx context.Context, id string) (*model.DiscountCode, error)
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	ListUserBadges(ctx context.Context, userID string) ([]model.UserBadge, error)
	ListPointsHistory(ctx context.Context, userID string) ([]model.PointsHistoryEntry, error)
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)
}

// Tx is the set of operations available inside an atomic unit.
type Tx interface {
	Reader

	// LockEvent loads the event and holds an exclusive lock on it until the
	// transaction ends. Every read-decide-write on an event's registrations,
	// tickets or counters must happen after this call.
	LockEvent(ctx context.Context, id string) (*model.Event, error)

	// IncrementSeats adds one to the event counter and, when tierName is
	// non-empty, to that tier. Both are guarded by capacity.
	IncrementSeats(ctx context.Context, eventID, tierName string) error
	// DecrementSeats subtracts one from the event counter and the tier, floored at zero.
	DecrementSeats(ctx context.Context, eventID, tierName string) error

	InsertRegistration(ctx context.Context, r *model.Registration) error
	UpdateRegistration(ctx context.Context, r *model.Registration) error
	// ListWaitlisted returns the event's waitlisted registrations, oldest
	// first, across all tiers.
	ListWaitlisted(ctx context.Context, eventID string) ([]model.Registration, error)
	CountAttendance(ctx context.Context, userID string) (int, error)

	InsertTicket(ctx context.Context, t *model.Ticket) error
	UpdateTicketStatus(ctx context.Context, id string, status model.RegistrationStatus) error

	// IncrementDiscountUsage adds one use if the code is still active and
	// below its ceiling. It reports false when the guard rejected the use.
	IncrementDiscountUsage(ctx context.Context, id string) (bool, error)

	// LockProfile loads, creating if absent, the user's profile and holds an
	// exclusive lock on it until the transaction ends.
	LockProfile(ctx context.Context, userID string) (*model.Profile, error)
	SaveProfile(ctx context.Context, p *model.Profile) error
	AppendPointsHistory(ctx context.Context, e *model.PointsHistoryEntry) error
	ListBadges(ctx context.Context) ([]model.Badge, error)
	// InsertUserBadge inserts the award unless the user already holds the
	// badge. It reports whether a row was inserted.
	InsertUserBadge(ctx context.Context, ub *model.UserBadge) (bool, error)
	ActiveEnrollments(ctx context.Context, userID, triggerType string) ([]EnrollmentProgress, error)
	UpdateEnrollment(ctx context.Context, en *model.ChallengeEnrollment) error
	// ClaimKey records an idempotency key. It reports false if the key was
	// already claimed by a committed transaction.
	ClaimKey(ctx context.Context, key string) (bool, error)

	InsertNotification(ctx context.Context, n *model.Notification) error
}

// EnrollmentProgress pairs an enrollment with its challenge definition.
type EnrollmentProgress struct {
	Enrollment model.ChallengeEnrollment
	Challenge  model.Challenge
}
