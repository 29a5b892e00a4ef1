package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

type memTx struct {
	*Store
	held  map[string]*sync.Mutex
	order []string
	undo  []func()
}

var _ repository.Tx = (*memTx)(nil)

// lock acquires the named aggregate lock once per transaction.
func (t *memTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	t.held[key] = m
	t.order = append(t.order, key)
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.held[t.order[i]].Unlock()
	}
}

// write runs apply under mu and records its inverse.
func (t *memTx) write(apply func() (undo func())) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, apply())
}

func (t *memTx) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	t.lock("event:" + id)
	return t.GetEvent(ctx, id)
}

func (t *memTx) IncrementSeats(_ context.Context, eventID, tierName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, repository.ErrNotFound)
	}
	if e.IsFull() {
		return fmt.Errorf("event %s: %w", eventID, repository.ErrCounterGuard)
	}
	var tier *model.TicketTier
	if tierName != "" {
		if tier = e.Tier(tierName); tier == nil || tier.IsFull() {
			return fmt.Errorf("tier %q: %w", tierName, repository.ErrCounterGuard)
		}
	}
	prev := e.Clone()
	e.RegisteredCount++
	if tier != nil {
		tier.RegisteredCount++
	}
	t.undo = append(t.undo, func() { t.events[eventID] = prev })
	return nil
}

func (t *memTx) DecrementSeats(_ context.Context, eventID, tierName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, repository.ErrNotFound)
	}
	prev := e.Clone()
	if e.RegisteredCount > 0 {
		e.RegisteredCount--
	}
	if tierName != "" {
		if tier := e.Tier(tierName); tier != nil && tier.RegisteredCount > 0 {
			tier.RegisteredCount--
		}
	}
	t.undo = append(t.undo, func() { t.events[eventID] = prev })
	return nil
}

func (t *memTx) InsertRegistration(_ context.Context, r *model.Registration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pair(r.UserID, r.EventID)
	if _, ok := t.regIndex[key]; ok {
		return fmt.Errorf("%w: registrations_user_event_key", repository.ErrDuplicate)
	}
	t.seq++
	t.registrations[r.ID] = *r
	t.regIndex[key] = r.ID
	t.regSeq[r.ID] = t.seq
	t.undo = append(t.undo, func() {
		delete(t.registrations, r.ID)
		delete(t.regIndex, key)
		delete(t.regSeq, r.ID)
	})
	return nil
}

func (t *memTx) UpdateRegistration(_ context.Context, r *model.Registration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.registrations[r.ID]
	if !ok {
		return fmt.Errorf("registration %s: %w", r.ID, repository.ErrNotFound)
	}
	next := prev
	next.Status = r.Status
	next.TicketID = r.TicketID
	next.DiscountCodeID = r.DiscountCodeID
	next.DiscountApplied = r.DiscountApplied
	next.DiscountCents = r.DiscountCents
	t.registrations[r.ID] = next
	t.undo = append(t.undo, func() { t.registrations[r.ID] = prev })
	return nil
}

func (t *memTx) ListWaitlisted(_ context.Context, eventID string) ([]model.Registration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Registration
	for _, r := range t.registrations {
		if r.EventID == eventID && r.Status == model.StatusWaitlisted {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return t.regBefore(out[i], out[j]) })
	return out, nil
}

func (t *memTx) CountAttendance(_ context.Context, userID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.registrations {
		if r.UserID == userID && (r.Status == model.StatusConfirmed || r.Status == model.StatusCheckedIn) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertTicket(_ context.Context, tk *model.Ticket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ticketNumbers[tk.TicketNumber]; ok {
		return repository.ErrTicketNumberTaken
	}
	t.tickets[tk.ID] = *tk
	t.ticketNumbers[tk.TicketNumber] = tk.ID
	t.undo = append(t.undo, func() {
		delete(t.tickets, tk.ID)
		delete(t.ticketNumbers, tk.TicketNumber)
	})
	return nil
}

func (t *memTx) UpdateTicketStatus(_ context.Context, id string, status model.RegistrationStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.tickets[id]
	if !ok {
		return fmt.Errorf("ticket %s: %w", id, repository.ErrNotFound)
	}
	next := prev
	next.Status = status
	t.tickets[id] = next
	t.undo = append(t.undo, func() { t.tickets[id] = prev })
	return nil
}

func (t *memTx) IncrementDiscountUsage(_ context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.discounts[id]
	if !ok {
		return false, fmt.Errorf("discount code: %w", repository.ErrNotFound)
	}
	if !d.IsActive || (d.MaxUses != nil && d.UsedCount >= *d.MaxUses) ||
		(d.ExpiryDate != nil && !d.ExpiryDate.After(time.Now())) {
		return false, nil
	}
	d.UsedCount++
	t.discounts[id] = d
	// Undo is a decrement rather than a restore: other transactions may have
	// redeemed the same code in between.
	t.undo = append(t.undo, func() {
		d := t.discounts[id]
		d.UsedCount--
		t.discounts[id] = d
	})
	return true, nil
}

func (t *memTx) LockProfile(_ context.Context, userID string) (*model.Profile, error) {
	t.lock("profile:" + userID)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[userID]
	if !ok {
		p = model.Profile{UserID: userID, Level: 1}
		t.profiles[userID] = p
		t.undo = append(t.undo, func() { delete(t.profiles, userID) })
	}
	return &p, nil
}

func (t *memTx) SaveProfile(_ context.Context, p *model.Profile) error {
	t.write(func() func() {
		prev := t.profiles[p.UserID]
		t.profiles[p.UserID] = *p
		return func() { t.profiles[p.UserID] = prev }
	})
	return nil
}

func (t *memTx) AppendPointsHistory(_ context.Context, e *model.PointsHistoryEntry) error {
	t.write(func() func() {
		t.history = append(t.history, *e)
		id := e.ID
		return func() { t.history = removeHistory(t.history, id) }
	})
	return nil
}

func removeHistory(h []model.PointsHistoryEntry, id string) []model.PointsHistoryEntry {
	for i := range h {
		if h[i].ID == id {
			return append(h[:i], h[i+1:]...)
		}
	}
	return h
}

func (t *memTx) ListBadges(_ context.Context) ([]model.Badge, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Badge(nil), t.badges...), nil
}

func (t *memTx) InsertUserBadge(_ context.Context, ub *model.UserBadge) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pair(ub.UserID, ub.BadgeID)
	if _, ok := t.userBadges[key]; ok {
		return false, nil
	}
	t.userBadges[key] = *ub
	t.undo = append(t.undo, func() { delete(t.userBadges, key) })
	return true, nil
}

func (t *memTx) ActiveEnrollments(_ context.Context, userID, triggerType string) ([]repository.EnrollmentProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []repository.EnrollmentProgress
	for _, en := range t.enrollments {
		if en.UserID != userID || en.Completed {
			continue
		}
		c, ok := t.challenges[en.ChallengeID]
		if !ok || !c.Active || c.TriggerType != triggerType {
			continue
		}
		out = append(out, repository.EnrollmentProgress{Enrollment: en, Challenge: c})
	}
	return out, nil
}

func (t *memTx) UpdateEnrollment(_ context.Context, en *model.ChallengeEnrollment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.enrollments[en.ID]
	if !ok {
		return fmt.Errorf("enrollment %s: %w", en.ID, repository.ErrNotFound)
	}
	t.enrollments[en.ID] = *en
	t.undo = append(t.undo, func() { t.enrollments[en.ID] = prev })
	return nil
}

func (t *memTx) ClaimKey(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keys[key] {
		return false, nil
	}
	t.keys[key] = true
	t.undo = append(t.undo, func() { delete(t.keys, key) })
	return true, nil
}

func (t *memTx) InsertNotification(_ context.Context, n *model.Notification) error {
	t.write(func() func() {
		t.appendNotification(n)
		id := n.ID
		return func() {
			for i := range t.notifications {
				if t.notifications[i].ID == id {
					t.notifications = append(t.notifications[:i], t.notifications[i+1:]...)
					return
				}
			}
		}
	})
	return nil
}
