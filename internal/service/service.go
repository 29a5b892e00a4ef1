// Package service implements the registration state machine and the public
// operations of the engine: validation, orchestration of the ledger, ticket
// issuer, discount validator and waitlist promoter inside one transaction,
// and post-commit fan-out of side effects.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/registration-engine/internal/config"
	"github.com/Shivanand-hulikatti/registration-engine/internal/discount"
	"github.com/Shivanand-hulikatti/registration-engine/internal/gamification"
	"github.com/Shivanand-hulikatti/registration-engine/internal/identity"
	"github.com/Shivanand-hulikatti/registration-engine/internal/ledger"
	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/outbox"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
	"github.com/Shivanand-hulikatti/registration-engine/internal/ticket"
	"github.com/Shivanand-hulikatti/registration-engine/internal/waitlist"
)

// Webhooks delivers engine events to external subscribers.
type Webhooks interface {
	Trigger(ctx context.Context, eventType, eventID string, payload any) error
}

// Deps are the collaborators of a RegistrationService.
type Deps struct {
	Store        repository.Store
	Outbox       outbox.Enqueuer
	Webhooks     Webhooks
	Gamification *gamification.Engine
	// Issuer defaults to ticket.NewIssuer().
	Issuer        *ticket.Issuer
	Points        config.PointsConfig
	TxMaxAttempts uint
}

// RegistrationService orchestrates registration, cancellation, payment
// confirmation and check-in.
type RegistrationService struct {
	store      repository.Store
	ledger     *ledger.Ledger
	issuer     *ticket.Issuer
	discounts  *discount.Validator
	promoter   *waitlist.Promoter
	game       *gamification.Engine
	webhooks   Webhooks
	outbox     outbox.Enqueuer
	points     config.PointsConfig
	txAttempts uint
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// NewRegistrationService constructs a RegistrationService with its dependencies.
func NewRegistrationService(d Deps) *RegistrationService {
	issuer := d.Issuer
	if issuer == nil {
		issuer = ticket.NewIssuer()
	}
	attempts := d.TxMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	validator := discount.NewValidator(d.Store)
	seats := ledger.New()
	return &RegistrationService{
		store:      d.Store,
		ledger:     seats,
		issuer:     issuer,
		discounts:  validator,
		promoter:   waitlist.NewPromoter(seats, validator),
		game:       d.Gamification,
		webhooks:   d.Webhooks,
		outbox:     d.Outbox,
		points:     d.Points,
		txAttempts: attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
		now: time.Now,
	}
}

// RegisterResult is the outcome of Register and ConfirmPendingRegistration.
type RegisterResult struct {
	Registration *model.Registration `json:"registration"`
	Ticket       *model.Ticket       `json:"ticket,omitempty"`
	// Created is false when an existing registration was returned.
	Created bool `json:"created"`
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	Registration *model.Registration `json:"registration"`
	Promoted     *model.Registration `json:"promoted,omitempty"`
}

// inTx runs fn in a transaction, re-running it on retryable storage errors.
func (s *RegistrationService) inTx(ctx context.Context, op string, fn func(tx repository.Tx) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.store.InTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case repository.Retryable(err):
			log.Printf("service: %s: retrying transaction: %v", op, err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.txAttempts),
	)
	return err
}

// ─── Register ─────────────────────────────────────────────────────────────────

// Register claims a seat on eventID for the actor, or for req.UserID when a
// privileged actor registers on someone's behalf.
//
// The uniqueness check, the capacity decision, ticket issue, discount
// redemption and the registration insert all run after the event row is
// locked, in one transaction. If the user already has a registration it is
// returned unchanged, except that a pending one is confirmed when a
// privileged actor sets req.PaymentConfirmed. Side effects are enqueued
// after commit.
func (s *RegistrationService) Register(ctx context.Context, actor identity.Principal, eventID string, req model.RegisterRequest) (*RegisterResult, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	userID := actor.UserID
	if id := strings.TrimSpace(req.UserID); id != "" && id != actor.UserID {
		if !actor.Privileged() {
			return nil, fmt.Errorf("%w: cannot register another user", model.ErrNotAuthorized)
		}
		userID = id
	}
	// Only the payment gateway may vouch for a payment.
	paid := req.PaymentConfirmed && actor.Privileged()
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", model.ErrInvalidState)
	}
	tierName := strings.TrimSpace(req.TierName)

	var code *model.DiscountCode
	if strings.TrimSpace(req.DiscountCode) != "" {
		res, err := s.discounts.Validate(ctx, req.DiscountCode, eventID)
		if err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		code = res.Code
	}

	var (
		result  *RegisterResult
		effects []outbox.Task
	)
	err := s.inTx(ctx, "register", func(tx repository.Tx) error {
		result, effects = nil, nil

		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Status != model.EventPublished {
			return fmt.Errorf("%w: event is %s and not open for registration", model.ErrInvalidState, event.Status)
		}

		existing, err := tx.GetRegistration(ctx, userID, eventID)
		switch {
		case err == nil:
			if existing.Status == model.StatusPending && paid {
				result, effects, err = s.confirm(ctx, tx, event, existing)
				return err
			}
			result, err = s.existing(ctx, tx, existing)
			return err
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		result, effects, err = s.create(ctx, tx, event, userID, tierName, code, req.AwaitPayment && !paid)
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// Lost an insert race that the event lock should have prevented;
		// the winner's registration is the answer.
		reg, getErr := s.store.GetRegistration(ctx, userID, eventID)
		if getErr != nil {
			return nil, fmt.Errorf("register for event: %w", err)
		}
		return s.existing(ctx, s.store, reg)
	}
	if err != nil {
		return nil, fmt.Errorf("register for event: %w", err)
	}

	s.dispatch(effects)
	return result, nil
}

// existing returns a registration and its ticket without changing them.
func (s *RegistrationService) existing(ctx context.Context, r repository.Reader, reg *model.Registration) (*RegisterResult, error) {
	res := &RegisterResult{Registration: reg}
	if reg.TicketID != nil {
		tk, err := r.GetTicket(ctx, *reg.TicketID)
		if err != nil {
			return nil, err
		}
		res.Ticket = tk
	}
	return res, nil
}

// create makes a new registration inside tx. The event is locked.
func (s *RegistrationService) create(ctx context.Context, tx repository.Tx, event *model.Event, userID, tierName string, code *model.DiscountCode, awaitPayment bool) (*RegisterResult, []outbox.Task, error) {
	reserved, err := s.ledger.Reserve(ctx, tx, event, tierName)
	if err != nil {
		return nil, nil, err
	}

	var status model.RegistrationStatus
	switch {
	case !reserved && !event.WaitlistEnabled:
		scope := "event"
		if tierName != "" {
			scope = fmt.Sprintf("tier %q", tierName)
		}
		return nil, nil, fmt.Errorf("%w: %s is fully booked", model.ErrCapacityExceeded, scope)
	case !reserved:
		status = model.StatusWaitlisted
	case awaitPayment:
		status = model.StatusPending
	default:
		status = model.StatusConfirmed
	}

	tk, err := s.issuer.Issue(ctx, tx, event, userID, tierName, status)
	if err != nil {
		return nil, nil, err
	}

	reg := &model.Registration{
		ID:               uuid.New().String(),
		UserID:           userID,
		EventID:          event.ID,
		Status:           status,
		TicketID:         &tk.ID,
		RegistrationDate: s.now().UTC(),
	}
	if tierName != "" {
		reg.TierName = &tierName
	}
	if code != nil {
		reg.DiscountCodeID = &code.ID
		if status == model.StatusConfirmed {
			if err := s.discounts.ApplyUsage(ctx, tx, code.ID); err != nil {
				return nil, nil, err
			}
			reg.DiscountApplied = true
			reg.DiscountCents = code.Amount(tk.PriceCents)
		}
	}
	if err := tx.InsertRegistration(ctx, reg); err != nil {
		return nil, nil, err
	}

	effects := []outbox.Task{
		s.webhookTask(model.HookRegistrationCreated, event.ID, *reg),
		s.notifyTask(registrationNotification(event, reg)),
	}
	if status == model.StatusConfirmed {
		effects = append(effects, s.confirmedEffects(event, reg)...)
	}
	return &RegisterResult{Registration: reg, Ticket: tk, Created: true}, effects, nil
}

// ─── Payment confirmation ─────────────────────────────────────────────────────

// ConfirmPendingRegistration is the payment gateway's entry point after a
// successful charge. It moves a pending registration and its ticket to
// confirmed and redeems the remembered discount code. Confirming an already
// confirmed registration returns it unchanged.
//
// Only admin and system principals may confirm; registrants cannot vouch for
// their own payment. userID defaults to the actor.
func (s *RegistrationService) ConfirmPendingRegistration(ctx context.Context, actor identity.Principal, eventID, userID, tierName string) (*RegisterResult, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if !actor.Privileged() {
		return nil, fmt.Errorf("%w: payment confirmation requires admin or system role", model.ErrNotAuthorized)
	}
	if userID == "" {
		userID = actor.UserID
	}
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", model.ErrInvalidState)
	}
	tierName = strings.TrimSpace(tierName)

	var (
		result  *RegisterResult
		effects []outbox.Task
	)
	err := s.inTx(ctx, "confirm", func(tx repository.Tx) error {
		result, effects = nil, nil

		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		reg, err := tx.GetRegistration(ctx, userID, eventID)
		if err != nil {
			return err
		}
		if tierName != "" && (reg.TierName == nil || *reg.TierName != tierName) {
			return fmt.Errorf("%w: registration is not for tier %q", model.ErrInvalidState, tierName)
		}

		switch reg.Status {
		case model.StatusPending:
			result, effects, err = s.confirm(ctx, tx, event, reg)
			return err
		case model.StatusConfirmed, model.StatusCheckedIn:
			result, err = s.existing(ctx, tx, reg)
			return err
		default:
			return fmt.Errorf("%w: cannot confirm a %s registration", model.ErrInvalidState, reg.Status)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("confirm registration: %w", err)
	}

	s.dispatch(effects)
	return result, nil
}

// confirm transitions a pending registration inside tx. Its seat is already
// counted, so the ledger is not touched.
func (s *RegistrationService) confirm(ctx context.Context, tx repository.Tx, event *model.Event, reg *model.Registration) (*RegisterResult, []outbox.Task, error) {
	reg.Status = model.StatusConfirmed

	var tk *model.Ticket
	if reg.TicketID != nil {
		if err := tx.UpdateTicketStatus(ctx, *reg.TicketID, model.StatusConfirmed); err != nil {
			return nil, nil, err
		}
		var err error
		if tk, err = tx.GetTicket(ctx, *reg.TicketID); err != nil {
			return nil, nil, err
		}
	}

	if reg.DiscountCodeID != nil && !reg.DiscountApplied {
		err := s.discounts.ApplyUsage(ctx, tx, *reg.DiscountCodeID)
		switch {
		case err == nil:
			d, err := tx.GetDiscount(ctx, *reg.DiscountCodeID)
			if err != nil {
				return nil, nil, err
			}
			reg.DiscountApplied = true
			reg.DiscountCents = d.Amount(ticket.Price(event, tierOf(reg)))
		case errors.Is(err, discount.ErrExhausted):
			// Payment has been captured; the seat is not withheld over the code.
			log.Printf("service: discount not applied to registration %s: %v", reg.ID, err)
		default:
			return nil, nil, err
		}
	}

	if err := tx.UpdateRegistration(ctx, reg); err != nil {
		return nil, nil, err
	}

	effects := []outbox.Task{
		s.webhookTask(model.HookRegistrationConfirmed, event.ID, *reg),
		s.notifyTask(registrationNotification(event, reg)),
	}
	effects = append(effects, s.confirmedEffects(event, reg)...)
	return &RegisterResult{Registration: reg, Ticket: tk}, effects, nil
}

// ─── Cancel ───────────────────────────────────────────────────────────────────

// Cancel cancels the user's registration for eventID. A seat it held is
// released and then offered to the oldest waitlisted entrant whose tier has
// room, so nobody stays waitlisted next to a free seat.
func (s *RegistrationService) Cancel(ctx context.Context, userID, eventID string) (*CancelResult, error) {
	if userID == "" {
		return nil, model.ErrNotAuthenticated
	}

	var (
		result  *CancelResult
		effects []outbox.Task
	)
	err := s.inTx(ctx, "cancel", func(tx repository.Tx) error {
		result, effects = nil, nil

		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		reg, err := tx.GetRegistration(ctx, userID, eventID)
		if err != nil {
			return err
		}
		if !reg.Status.Cancellable() {
			return fmt.Errorf("%w: a %s registration cannot be cancelled", model.ErrInvalidState, reg.Status)
		}

		heldSeat := reg.Status.HoldsSeat()
		reg.Status = model.StatusCancelled
		if err := tx.UpdateRegistration(ctx, reg); err != nil {
			return err
		}
		if reg.TicketID != nil {
			if err := tx.UpdateTicketStatus(ctx, *reg.TicketID, model.StatusCancelled); err != nil {
				return err
			}
		}
		result = &CancelResult{Registration: reg}
		effects = append(effects,
			s.webhookTask(model.HookRegistrationCancelled, event.ID, *reg),
			s.notifyTask(&model.Notification{
				UserID:  reg.UserID,
				Title:   "Registration cancelled",
				Message: fmt.Sprintf("Your registration for %s has been cancelled.", event.Title),
				Type:    "registration_cancelled",
				Link:    "/events/" + event.ID,
			}),
		)

		if !heldSeat {
			return nil
		}
		if err := s.ledger.Release(ctx, tx, event, tierOf(reg)); err != nil {
			return err
		}
		promoted, err := s.promoter.PromoteNext(ctx, tx, event)
		if err != nil {
			return err
		}
		if promoted == nil {
			return nil
		}
		result.Promoted = promoted
		effects = append(effects,
			s.webhookTask(model.HookRegistrationPromoted, event.ID, *promoted),
			s.notifyTask(waitlist.Notification(event, promoted)),
		)
		effects = append(effects, s.confirmedEffects(event, promoted)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel registration: %w", err)
	}

	s.dispatch(effects)
	return result, nil
}

// ─── Check-in ─────────────────────────────────────────────────────────────────

// CheckIn moves a confirmed ticket to checked-in exactly once. ref is a
// ticket ID or ticket number; eventID, when given, must match the ticket.
// Only the event organizer or a privileged principal may check tickets in.
// A failed check-in changes nothing.
func (s *RegistrationService) CheckIn(ctx context.Context, actor identity.Principal, ref, eventID string) (*model.Ticket, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("ticket: %w", model.ErrNotFound)
	}
	found, err := s.store.GetTicket(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("check in: %w", err)
	}
	if eventID != "" && found.EventID != eventID {
		return nil, fmt.Errorf("check in: %w: ticket %s belongs to a different event", model.ErrInvalidState, found.TicketNumber)
	}

	var (
		result  *model.Ticket
		effects []outbox.Task
	)
	err = s.inTx(ctx, "check-in", func(tx repository.Tx) error {
		result, effects = nil, nil

		event, err := tx.LockEvent(ctx, found.EventID)
		if err != nil {
			return err
		}
		if !actor.Privileged() && actor.UserID != event.OrganizerID {
			return fmt.Errorf("%w: only the organizer can check in attendees", model.ErrNotAuthorized)
		}

		tk, err := tx.GetTicket(ctx, found.ID)
		if err != nil {
			return err
		}
		switch tk.Status {
		case model.StatusConfirmed:
		case model.StatusCheckedIn:
			return fmt.Errorf("%w: ticket %s is already checked in", model.ErrInvalidState, tk.TicketNumber)
		case model.StatusCancelled:
			return fmt.Errorf("%w: ticket %s has been cancelled", model.ErrInvalidState, tk.TicketNumber)
		case model.StatusPending:
			return fmt.Errorf("%w: ticket %s is awaiting payment", model.ErrInvalidState, tk.TicketNumber)
		default:
			return fmt.Errorf("%w: ticket %s is %s", model.ErrInvalidState, tk.TicketNumber, tk.Status)
		}

		if err := tx.UpdateTicketStatus(ctx, tk.ID, model.StatusCheckedIn); err != nil {
			return err
		}
		tk.Status = model.StatusCheckedIn

		reg, err := tx.GetRegistration(ctx, tk.UserID, tk.EventID)
		if err != nil {
			return err
		}
		reg.Status = model.StatusCheckedIn
		if err := tx.UpdateRegistration(ctx, reg); err != nil {
			return err
		}

		result = tk
		effects = []outbox.Task{
			s.webhookTask(model.HookTicketCheckedIn, event.ID, *tk),
			s.awardTask(tk.UserID, s.points.CheckIn, "Checked in to "+event.Title, "/events/"+event.ID, "checkin:"+tk.ID),
			s.challengeTask(tk.UserID, model.TriggerAttendance, "checkin-challenge:"+tk.ID),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check in: %w", err)
	}

	s.dispatch(effects)
	return result, nil
}

// ─── Side effects ─────────────────────────────────────────────────────────────

// confirmedEffects are fired once per registration that reaches confirmed.
// Their keys make retries and repeated paths harmless.
func (s *RegistrationService) confirmedEffects(event *model.Event, reg *model.Registration) []outbox.Task {
	return []outbox.Task{
		s.awardTask(reg.UserID, s.points.Register, "Registered for "+event.Title, "/events/"+event.ID, "register:"+reg.ID),
		s.challengeTask(reg.UserID, model.TriggerRegister, "register-challenge:"+reg.ID),
	}
}

func (s *RegistrationService) dispatch(tasks []outbox.Task) {
	if s.outbox == nil {
		return
	}
	for _, t := range tasks {
		if t.Run != nil {
			s.outbox.Enqueue(t)
		}
	}
}

func (s *RegistrationService) awardTask(userID string, points int, reason, link, key string) outbox.Task {
	if s.game == nil || points == 0 {
		return outbox.Task{}
	}
	return outbox.Task{
		Name: "award:" + key,
		Run: func(ctx context.Context) error {
			_, err := s.game.AwardPoints(ctx, gamification.Grant{
				UserID: userID, Points: points, Reason: reason, Link: link, Key: key,
			})
			return err
		},
	}
}

func (s *RegistrationService) challengeTask(userID, trigger, key string) outbox.Task {
	if s.game == nil {
		return outbox.Task{}
	}
	return outbox.Task{
		Name: "challenge:" + key,
		Run: func(ctx context.Context) error {
			_, err := s.game.TriggerChallengeProgress(ctx, userID, trigger, 1, key)
			return err
		},
	}
}

func (s *RegistrationService) notifyTask(n *model.Notification) outbox.Task {
	msg := *n
	return outbox.Task{
		Name: "notify:" + msg.Type,
		Run: func(ctx context.Context) error {
			// A fresh copy per attempt so a retried insert gets a new ID.
			attempt := msg
			return s.store.InsertNotification(ctx, &attempt)
		},
	}
}

func (s *RegistrationService) webhookTask(eventType, eventID string, payload any) outbox.Task {
	if s.webhooks == nil {
		return outbox.Task{}
	}
	return outbox.Task{
		Name:        "webhook:" + eventType,
		MaxAttempts: 1,
		Run: func(ctx context.Context) error {
			return s.webhooks.Trigger(ctx, eventType, eventID, payload)
		},
	}
}

func registrationNotification(event *model.Event, reg *model.Registration) *model.Notification {
	n := &model.Notification{
		UserID: reg.UserID,
		Link:   "/events/" + event.ID,
	}
	switch reg.Status {
	case model.StatusWaitlisted:
		n.Title = "You're on the waitlist"
		n.Message = fmt.Sprintf("%s is full. We'll confirm your seat if one opens up.", event.Title)
		n.Type = "registration_waitlisted"
	case model.StatusPending:
		n.Title = "Complete your payment"
		n.Message = fmt.Sprintf("Your seat for %s is held until payment completes.", event.Title)
		n.Type = "registration_pending"
	default:
		n.Title = "Registration confirmed"
		n.Message = fmt.Sprintf("You're going to %s!", event.Title)
		n.Type = "registration_confirmed"
	}
	return n
}

func tierOf(reg *model.Registration) string {
	if reg.TierName == nil {
		return ""
	}
	return *reg.TierName
}
