package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/registration-engine/internal/discount"
	"github.com/Shivanand-hulikatti/registration-engine/internal/gamification"
	"github.com/Shivanand-hulikatti/registration-engine/internal/identity"
	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent validates the request and stores a new event organized by actor.
func (s *RegistrationService) CreateEvent(ctx context.Context, actor identity.Principal, req model.CreateEventRequest) (*model.Event, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, fmt.Errorf("%w: event title is required", model.ErrInvalidState)
	}
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be a positive integer", model.ErrInvalidState)
	}
	if req.Capacity > 100_000 {
		return nil, fmt.Errorf("%w: capacity cannot exceed 100,000", model.ErrInvalidState)
	}
	if req.Status == "" {
		req.Status = model.EventPublished
	}

	event := &model.Event{
		ID:              uuid.New().String(),
		Title:           req.Title,
		OrganizerID:     actor.UserID,
		Capacity:        req.Capacity,
		WaitlistEnabled: req.WaitlistEnabled,
		Status:          req.Status,
		PriceCents:      req.PriceCents,
		CreatedAt:       s.now().UTC(),
	}
	seen := make(map[string]bool, len(req.Tiers))
	tierTotal := 0
	for _, t := range req.Tiers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tier name is required", model.ErrInvalidState)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate tier %q", model.ErrInvalidState, name)
		}
		if t.Capacity <= 0 {
			return nil, fmt.Errorf("%w: tier %q capacity must be positive", model.ErrInvalidState, name)
		}
		seen[name] = true
		tierTotal += t.Capacity
		event.Tiers = append(event.Tiers, model.TicketTier{Name: name, Capacity: t.Capacity, PriceCents: t.PriceCents})
	}
	if tierTotal > event.Capacity {
		return nil, fmt.Errorf("%w: tier capacities (%d) exceed event capacity (%d)", model.ErrInvalidState, tierTotal, event.Capacity)
	}

	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return event, nil
}

// ListEvents returns all events.
func (s *RegistrationService) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.store.ListEvents(ctx)
}

// GetEvent returns a single event by ID.
func (s *RegistrationService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("event id is required: %w", model.ErrNotFound)
	}
	event, err := s.store.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

// ListRegistrations returns the registrations of an event in registration
// order. Only the organizer or a privileged principal may list them.
func (s *RegistrationService) ListRegistrations(ctx context.Context, actor identity.Principal, eventID string) ([]model.Registration, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !actor.Privileged() && actor.UserID != event.OrganizerID {
		return nil, fmt.Errorf("%w: only the organizer can list registrations", model.ErrNotAuthorized)
	}
	return s.store.ListRegistrations(ctx, eventID)
}

// ─── Discounts ────────────────────────────────────────────────────────────────

// CreateDiscountCode stores a new, active code. Admin only.
func (s *RegistrationService) CreateDiscountCode(ctx context.Context, actor identity.Principal, req model.CreateDiscountRequest) (*model.DiscountCode, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	code := model.NormalizeCode(req.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", model.ErrInvalidState)
	}
	if req.Value <= 0 {
		return nil, fmt.Errorf("%w: discount value must be positive", model.ErrInvalidState)
	}
	if req.Type == model.DiscountPercentage && req.Value > 100 {
		return nil, fmt.Errorf("%w: percentage discount cannot exceed 100", model.ErrInvalidState)
	}
	if req.EventID != nil {
		if _, err := s.GetEvent(ctx, *req.EventID); err != nil {
			return nil, err
		}
	}

	d := &model.DiscountCode{
		ID:         uuid.New().String(),
		Code:       code,
		Type:       req.Type,
		Value:      req.Value,
		EventID:    req.EventID,
		MaxUses:    req.MaxUses,
		ExpiryDate: req.ExpiryDate,
		IsActive:   true,
	}
	if err := s.store.CreateDiscountCode(ctx, d); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: discount code %s already exists", model.ErrInvalidState, code)
		}
		return nil, fmt.Errorf("create discount code: %w", err)
	}
	return d, nil
}

// ValidateDiscount checks code against eventID without redeeming it.
func (s *RegistrationService) ValidateDiscount(ctx context.Context, code, eventID string) (*discount.Result, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("discount code: %w", model.ErrNotFound)
	}
	return s.discounts.Validate(ctx, code, eventID)
}

// ─── Gamification ─────────────────────────────────────────────────────────────

// AwardPoints grants points to userID on behalf of an admin or internal system.
func (s *RegistrationService) AwardPoints(ctx context.Context, actor identity.Principal, userID string, req model.AwardPointsRequest) (*gamification.Outcome, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if !actor.Privileged() {
		return nil, fmt.Errorf("%w: awarding points requires admin or system role", model.ErrNotAuthorized)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be non-zero", model.ErrInvalidState)
	}
	return s.game.AwardPoints(ctx, gamification.Grant{
		UserID: userID,
		Points: req.Amount,
		Reason: strings.TrimSpace(req.Reason),
		Link:   req.Link,
	})
}

// TriggerChallengeProgress advances userID's challenges for the trigger type.
// Completing a challenge grants points, so like AwardPoints it is reserved
// for admin and system principals.
func (s *RegistrationService) TriggerChallengeProgress(ctx context.Context, actor identity.Principal, userID string, req model.ChallengeProgressRequest) (*gamification.Progress, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if !actor.Privileged() {
		return nil, fmt.Errorf("%w: challenge progress requires admin or system role", model.ErrNotAuthorized)
	}
	return s.game.TriggerChallengeProgress(ctx, userID, req.Type, req.Increment, "")
}

// CreateChallenge defines an active challenge. Admin only.
func (s *RegistrationService) CreateChallenge(ctx context.Context, actor identity.Principal, req model.CreateChallengeRequest) (*model.Challenge, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	c := &model.Challenge{
		ID:           uuid.New().String(),
		Title:        strings.TrimSpace(req.Title),
		TriggerType:  req.TriggerType,
		Target:       req.Target,
		RewardPoints: req.RewardPoints,
		Active:       true,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	return c, nil
}

// Enroll signs userID up for a challenge.
func (s *RegistrationService) Enroll(ctx context.Context, actor identity.Principal, userID, challengeID string) (*model.ChallengeEnrollment, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if !actor.Privileged() && actor.UserID != userID {
		return nil, fmt.Errorf("%w: cannot enroll another user", model.ErrNotAuthorized)
	}
	en := &model.ChallengeEnrollment{
		ID:          uuid.New().String(),
		UserID:      userID,
		ChallengeID: challengeID,
	}
	if err := s.store.Enroll(ctx, en); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: already enrolled", model.ErrInvalidState)
		}
		return nil, fmt.Errorf("enroll: %w", err)
	}
	return en, nil
}

// CreateBadge defines a badge. Admin only.
func (s *RegistrationService) CreateBadge(ctx context.Context, actor identity.Principal, req model.CreateBadgeRequest) (*model.Badge, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	b := &model.Badge{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Kind:        req.Kind,
		Threshold:   req.Threshold,
	}
	if err := s.store.CreateBadge(ctx, b); err != nil {
		return nil, fmt.Errorf("create badge: %w", err)
	}
	return b, nil
}

// UserSummary returns a user's profile, badges and points history.
func (s *RegistrationService) UserSummary(ctx context.Context, actor identity.Principal, userID string) (*model.UserSummary, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if !actor.Privileged() && actor.UserID != userID {
		return nil, fmt.Errorf("%w: cannot view another user's profile", model.ErrNotAuthorized)
	}
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	badges, err := s.store.ListUserBadges(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	history, err := s.store.ListPointsHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list points history: %w", err)
	}
	return &model.UserSummary{Profile: *profile, Badges: badges, History: history}, nil
}

// Notifications returns the user's notifications, oldest first.
func (s *RegistrationService) Notifications(ctx context.Context, actor identity.Principal, userID string) ([]model.Notification, error) {
	if actor.UserID == "" {
		return nil, model.ErrNotAuthenticated
	}
	if !actor.Privileged() && actor.UserID != userID {
		return nil, fmt.Errorf("%w: cannot view another user's notifications", model.ErrNotAuthorized)
	}
	return s.store.ListNotifications(ctx, userID)
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// CreateWebhookSubscription registers a subscriber URL. Admin only.
func (s *RegistrationService) CreateWebhookSubscription(ctx context.Context, actor identity.Principal, req model.CreateWebhookRequest) (*model.WebhookSubscription, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	sub := &model.WebhookSubscription{
		ID:         uuid.New().String(),
		URL:        strings.TrimSpace(req.URL),
		EventTypes: req.EventTypes,
		Secret:     req.Secret,
	}
	if err := s.store.CreateWebhookSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create webhook subscription: %w", err)
	}
	return sub, nil
}

func requireAdmin(actor identity.Principal) error {
	if actor.UserID == "" {
		return model.ErrNotAuthenticated
	}
	if actor.Role != identity.RoleAdmin {
		return fmt.Errorf("%w: admin role required", model.ErrNotAuthorized)
	}
	return nil
}
