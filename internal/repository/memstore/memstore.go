// Package memstore is an in-process implementation of repository.Store.
//
// Transactions lock the aggregates they touch (events, profiles) with one
// mutex per aggregate held until the transaction ends, so operations on
// the same event are serialised and different events run in parallel.
// Writes are applied immediately and recorded in an undo log that is
// replayed if the transaction function fails. Uncommitted writes are
// visible to readers that do not take the aggregate lock.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

// Store keeps every table in maps guarded by mu.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seq   int64

	events        map[string]*model.Event
	registrations map[string]model.Registration
	regSeq        map[string]int64
	regIndex      map[string]string
	tickets       map[string]model.Ticket
	ticketNumbers map[string]string
	discounts     map[string]model.DiscountCode
	discountCodes map[string]string
	profiles      map[string]model.Profile
	history       []model.PointsHistoryEntry
	badges        []model.Badge
	userBadges    map[string]model.UserBadge
	challenges    map[string]model.Challenge
	enrollments   map[string]model.ChallengeEnrollment
	keys          map[string]bool
	notifications []model.Notification
	subs          []model.WebhookSubscription
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		locks:         make(map[string]*sync.Mutex),
		events:        make(map[string]*model.Event),
		registrations: make(map[string]model.Registration),
		regSeq:        make(map[string]int64),
		regIndex:      make(map[string]string),
		tickets:       make(map[string]model.Ticket),
		ticketNumbers: make(map[string]string),
		discounts:     make(map[string]model.DiscountCode),
		discountCodes: make(map[string]string),
		profiles:      make(map[string]model.Profile),
		userBadges:    make(map[string]model.UserBadge),
		challenges:    make(map[string]model.Challenge),
		enrollments:   make(map[string]model.ChallengeEnrollment),
		keys:          make(map[string]bool),
	}
}

func pair(a, b string) string { return a + "\x00" + b }

// InTx runs fn with a transaction that owns its locks and undo log.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx := &memTx{Store: s, held: make(map[string]*sync.Mutex)}
	defer tx.release()

	if err := fn(tx); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// ─── Store-level writes ───────────────────────────────────────────────────────

func (s *Store) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, repository.ErrDuplicate)
	}
	s.events[e.ID] = e.Clone()
	return nil
}

func (s *Store) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListRegistrations(_ context.Context, eventID string) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Registration
	for _, r := range s.registrations {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.regBefore(out[i], out[j]) })
	return out, nil
}

// regBefore orders registrations by date, then by insertion order. mu must be held.
func (s *Store) regBefore(a, b model.Registration) bool {
	if !a.RegistrationDate.Equal(b.RegistrationDate) {
		return a.RegistrationDate.Before(b.RegistrationDate)
	}
	return s.regSeq[a.ID] < s.regSeq[b.ID]
}

func (s *Store) CreateDiscountCode(_ context.Context, d *model.DiscountCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.discountCodes[d.Code]; ok {
		return fmt.Errorf("discount code %s: %w", d.Code, repository.ErrDuplicate)
	}
	s.discounts[d.ID] = *d
	s.discountCodes[d.Code] = d.ID
	return nil
}

func (s *Store) CreateBadge(_ context.Context, b *model.Badge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.badges {
		if existing.ID == b.ID {
			return fmt.Errorf("badge %s: %w", b.ID, repository.ErrDuplicate)
		}
	}
	s.badges = append(s.badges, *b)
	return nil
}

func (s *Store) CreateChallenge(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.ID] = *c
	return nil
}

func (s *Store) Enroll(_ context.Context, en *model.ChallengeEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.UserID == en.UserID && existing.ChallengeID == en.ChallengeID {
			return fmt.Errorf("enrollment: %w", repository.ErrDuplicate)
		}
	}
	s.enrollments[en.ID] = *en
	return nil
}

func (s *Store) CreateWebhookSubscription(_ context.Context, sub *model.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, *sub)
	return nil
}

func (s *Store) ListWebhookSubscriptions(_ context.Context, eventType string) ([]model.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WebhookSubscription
	for _, sub := range s.subs {
		if sub.Accepts(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendNotification(n)
	return nil
}

// appendNotification fills defaults and appends. mu must be held.
func (s *Store) appendNotification(n *model.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications = append(s.notifications, *n)
}

// ─── Readers ──────────────────────────────────────────────────────────────────

func (s *Store) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, repository.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) GetTicket(_ context.Context, idOrNumber string) (*model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tickets[idOrNumber]; ok {
		return &t, nil
	}
	if id, ok := s.ticketNumbers[idOrNumber]; ok {
		t := s.tickets[id]
		return &t, nil
	}
	return nil, fmt.Errorf("ticket %s: %w", idOrNumber, repository.ErrNotFound)
}

func (s *Store) GetRegistration(_ context.Context, userID, eventID string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.regIndex[pair(userID, eventID)]
	if !ok {
		return nil, fmt.Errorf("registration for event %s: %w", eventID, repository.ErrNotFound)
	}
	r := s.registrations[id]
	return &r, nil
}

func (s *Store) GetDiscountByCode(_ context.Context, code string) (*model.DiscountCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.discountCodes[model.NormalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("discount code: %w", repository.ErrNotFound)
	}
	d := s.discounts[id]
	return &d, nil
}

func (s *Store) GetDiscount(_ context.Context, id string) (*model.DiscountCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discounts[id]
	if !ok {
		return nil, fmt.Errorf("discount code: %w", repository.ErrNotFound)
	}
	return &d, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return &p, nil
	}
	return &model.Profile{UserID: userID, Level: 1}, nil
}

func (s *Store) ListUserBadges(_ context.Context, userID string) ([]model.UserBadge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UserBadge
	for _, ub := range s.userBadges {
		if ub.UserID == userID {
			out = append(out, ub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BadgeID < out[j].BadgeID })
	return out, nil
}

func (s *Store) ListPointsHistory(_ context.Context, userID string) ([]model.PointsHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PointsHistoryEntry
	for _, e := range s.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}
