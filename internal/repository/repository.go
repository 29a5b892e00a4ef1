package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	queries
	db *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: queries{q: db}, db: db}
}

// InTx runs fn inside a READ COMMITTED transaction.
//
// ─────────────────────────────────────────────────────────────────────────────
// WHY READ COMMITTED IS ENOUGH
// ─────────────────────────────────────────────────────────────────────────────
//
// Every operation that decides on seats begins with LockEvent, which issues
// SELECT … FOR UPDATE on the event row. A second transaction touching the
// same event blocks on that statement until the first COMMITs or ROLLBACKs,
// and then reads the committed row. The duplicate-registration check, the
// capacity check and the counter increment all happen after the lock, so
// they are serialised per event while different events proceed in parallel.
//
// Discount usage is a single guarded UPDATE whose row lock serialises
// concurrent redemptions of one code. Profiles are locked with FOR UPDATE
// before gamification reads totals.
// ─────────────────────────────────────────────────────────────────────────────
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{queries: queries{q: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapErr(err))
	}
	return nil
}

// mapErr translates PostgreSQL error codes into repository sentinels.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	case "23505":
		if pgErr.ConstraintName == "tickets_ticket_number_key" {
			return ErrTicketNumberTaken
		}
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	case "23503":
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
	}
	return err
}

// ─── Store-level writes ───────────────────────────────────────────────────────

// CreateEvent inserts a new event with its tiers.
func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.InTx(ctx, func(tx Tx) error {
		q := tx.(*pgTx).q
		_, err := q.Exec(ctx,
			`INSERT INTO events (id, title, organizer_id, capacity, registered_count,
			                     waitlist_enabled, status, price_cents, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.Title, e.OrganizerID, e.Capacity, e.RegisteredCount,
			e.WaitlistEnabled, e.Status, e.PriceCents, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", mapErr(err))
		}
		for i, t := range e.Tiers {
			_, err := q.Exec(ctx,
				`INSERT INTO event_ticket_tiers (event_id, name, position, capacity, registered_count, price_cents)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				e.ID, t.Name, i, t.Capacity, t.RegisteredCount, t.PriceCents,
			)
			if err != nil {
				return fmt.Errorf("insert tier %q: %w", t.Name, mapErr(err))
			}
		}
		return nil
	})
}

// ListEvents returns all events ordered by creation time descending.
func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, title, organizer_id, capacity, registered_count, waitlist_enabled,
		        status, price_cents, created_at
		 FROM events
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Title, &e.OrganizerID, &e.Capacity, &e.RegisteredCount,
			&e.WaitlistEnabled, &e.Status, &e.PriceCents, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].Tiers, err = s.tiers(ctx, events[i].ID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// ListRegistrations returns all registrations for an event in registration order.
func (s *PostgresStore) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE event_id = $1
		 ORDER BY registration_date ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return collectRegistrations(rows)
}

// CreateDiscountCode inserts a discount code; the code must be normalized.
func (s *PostgresStore) CreateDiscountCode(ctx context.Context, d *model.DiscountCode) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO discount_codes (id, code, type, value, event_id, max_uses, used_count, expiry_date, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Code, d.Type, d.Value, d.EventID, d.MaxUses, d.UsedCount, d.ExpiryDate, d.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert discount code: %w", mapErr(err))
	}
	return nil
}

// CreateBadge inserts a badge definition.
func (s *PostgresStore) CreateBadge(ctx context.Context, b *model.Badge) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO badges (id, name, description, kind, threshold) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Name, b.Description, b.Kind, b.Threshold,
	)
	if err != nil {
		return fmt.Errorf("insert badge: %w", mapErr(err))
	}
	return nil
}

// CreateChallenge inserts a challenge definition.
func (s *PostgresStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO challenges (id, title, trigger_type, target, reward_points, active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Title, c.TriggerType, c.Target, c.RewardPoints, c.Active,
	)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", mapErr(err))
	}
	return nil
}

// Enroll enrolls a user in a challenge.
func (s *PostgresStore) Enroll(ctx context.Context, en *model.ChallengeEnrollment) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO challenge_enrollments (id, user_id, challenge_id, progress, completed, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		en.ID, en.UserID, en.ChallengeID, en.Progress, en.Completed, en.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", mapErr(err))
	}
	return nil
}

// CreateWebhookSubscription registers a subscriber URL.
func (s *PostgresStore) CreateWebhookSubscription(ctx context.Context, sub *model.WebhookSubscription) error {
	types := sub.EventTypes
	if types == nil {
		types = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_subscriptions (id, url, event_types, secret) VALUES ($1, $2, $3, $4)`,
		sub.ID, sub.URL, types, sub.Secret,
	)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", mapErr(err))
	}
	return nil
}

// ListWebhookSubscriptions returns subscribers interested in eventType.
func (s *PostgresStore) ListWebhookSubscriptions(ctx context.Context, eventType string) ([]model.WebhookSubscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, url, event_types, secret
		 FROM webhook_subscriptions
		 WHERE cardinality(event_types) = 0 OR $1 = ANY(event_types)`,
		eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.WebhookSubscription
	for rows.Next() {
		var sub model.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.EventTypes, &sub.Secret); err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ─── Shared queries ───────────────────────────────────────────────────────────

// queries implements Reader and the notification insert on any querier.
type queries struct {
	q querier
}

const eventColumns = `id, title, organizer_id, capacity, registered_count, waitlist_enabled,
	status, price_cents, created_at`

func (r queries) event(ctx context.Context, id, suffix string) (*model.Event, error) {
	var e model.Event
	err := r.q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`+suffix,
		id,
	).Scan(&e.ID, &e.Title, &e.OrganizerID, &e.Capacity, &e.RegisteredCount,
		&e.WaitlistEnabled, &e.Status, &e.PriceCents, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get event: %w", mapErr(err))
	}
	if e.Tiers, err = r.tiers(ctx, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r queries) tiers(ctx context.Context, eventID string) ([]model.TicketTier, error) {
	rows, err := r.q.Query(ctx,
		`SELECT name, capacity, registered_count, price_cents
		 FROM event_ticket_tiers
		 WHERE event_id = $1
		 ORDER BY position ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []model.TicketTier
	for rows.Next() {
		var t model.TicketTier
		if err := rows.Scan(&t.Name, &t.Capacity, &t.RegisteredCount, &t.PriceCents); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// GetEvent returns a single event or ErrNotFound.
func (r queries) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return r.event(ctx, id, "")
}

const ticketColumns = `id, event_id, user_id, ticket_number, status, price_cents, tier_name, purchase_date`

// GetTicket looks a ticket up by ID or by ticket number.
func (r queries) GetTicket(ctx context.Context, idOrNumber string) (*model.Ticket, error) {
	var t model.Ticket
	err := r.q.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1 OR ticket_number = $1`,
		idOrNumber,
	).Scan(&t.ID, &t.EventID, &t.UserID, &t.TicketNumber, &t.Status, &t.PriceCents, &t.TierName, &t.PurchaseDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", idOrNumber, ErrNotFound)
		}
		return nil, fmt.Errorf("get ticket: %w", mapErr(err))
	}
	return &t, nil
}

const registrationColumns = `id, user_id, event_id, status, tier_name, ticket_id, discount_code_id,
	discount_applied, discount_cents, registration_date`

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var reg model.Registration
	err := row.Scan(&reg.ID, &reg.UserID, &reg.EventID, &reg.Status, &reg.TierName, &reg.TicketID,
		&reg.DiscountCodeID, &reg.DiscountApplied, &reg.DiscountCents, &reg.RegistrationDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan registration: %w", mapErr(err))
	}
	return &reg, nil
}

func collectRegistrations(rows pgx.Rows) ([]model.Registration, error) {
	defer rows.Close()
	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

// GetRegistration returns the registration of userID for eventID or ErrNotFound.
func (r queries) GetRegistration(ctx context.Context, userID, eventID string) (*model.Registration, error) {
	reg, err := scanRegistration(r.q.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE user_id = $1 AND event_id = $2`,
		userID, eventID,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("registration for event %s: %w", eventID, ErrNotFound)
	}
	return reg, err
}

const discountColumns = `id, code, type, value, event_id, max_uses, used_count, expiry_date, is_active`

func (r queries) discount(ctx context.Context, where string, arg any) (*model.DiscountCode, error) {
	var d model.DiscountCode
	err := r.q.QueryRow(ctx,
		`SELECT `+discountColumns+` FROM discount_codes WHERE `+where+` = $1`,
		arg,
	).Scan(&d.ID, &d.Code, &d.Type, &d.Value, &d.EventID, &d.MaxUses, &d.UsedCount, &d.ExpiryDate, &d.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("discount code: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get discount code: %w", mapErr(err))
	}
	return &d, nil
}

// GetDiscountByCode looks a discount up by its normalized code.
func (r queries) GetDiscountByCode(ctx context.Context, code string) (*model.DiscountCode, error) {
	return r.discount(ctx, "code", model.NormalizeCode(code))
}

// GetDiscount looks a discount up by ID.
func (r queries) GetDiscount(ctx context.Context, id string) (*model.DiscountCode, error) {
	return r.discount(ctx, "id", id)
}

// GetProfile returns the user's gamification profile; a user with no
// activity yet gets a zero profile at level 1.
func (r queries) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	p := model.Profile{UserID: userID, Level: 1}
	err := r.q.QueryRow(ctx,
		`SELECT points, xp, level FROM gamification_profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.Points, &p.XP, &p.Level)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get profile: %w", mapErr(err))
	}
	return &p, nil
}

// ListUserBadges returns the badges a user holds.
func (r queries) ListUserBadges(ctx context.Context, userID string) ([]model.UserBadge, error) {
	rows, err := r.q.Query(ctx,
		`SELECT user_id, badge_id, awarded_at FROM user_badges WHERE user_id = $1 ORDER BY awarded_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user badges: %w", err)
	}
	defer rows.Close()

	var out []model.UserBadge
	for rows.Next() {
		var ub model.UserBadge
		if err := rows.Scan(&ub.UserID, &ub.BadgeID, &ub.AwardedAt); err != nil {
			return nil, fmt.Errorf("scan user badge: %w", err)
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}

// ListPointsHistory returns a user's points audit trail, oldest first.
func (r queries) ListPointsHistory(ctx context.Context, userID string) ([]model.PointsHistoryEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, user_id, points, reason, created_at FROM points_history
		 WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list points history: %w", err)
	}
	defer rows.Close()

	var out []model.PointsHistoryEntry
	for rows.Next() {
		var e model.PointsHistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Points, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan points history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListNotifications returns a user's notifications, oldest first.
func (r queries) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, user_id, title, message, type, link, created_at FROM notifications
		 WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Link, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertNotification appends a notification.
func (r queries) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, link, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Title, n.Message, n.Type, n.Link, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", mapErr(err))
	}
	return nil
}

// ─── Transaction-scoped operations ────────────────────────────────────────────

type pgTx struct {
	queries
}

// LockEvent acquires an exclusive row-level lock on the event.
func (t *pgTx) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	return t.event(ctx, id, " FOR UPDATE")
}

func (t *pgTx) IncrementSeats(ctx context.Context, eventID, tierName string) error {
	if tierName != "" {
		tag, err := t.q.Exec(ctx,
			`UPDATE event_ticket_tiers SET registered_count = registered_count + 1
			 WHERE event_id = $1 AND name = $2 AND registered_count < capacity`,
			eventID, tierName,
		)
		if err != nil {
			return fmt.Errorf("increment tier count: %w", mapErr(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("tier %q: %w", tierName, ErrCounterGuard)
		}
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE events SET registered_count = registered_count + 1
		 WHERE id = $1 AND registered_count < capacity`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("increment registered_count: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", eventID, ErrCounterGuard)
	}
	return nil
}

func (t *pgTx) DecrementSeats(ctx context.Context, eventID, tierName string) error {
	if tierName != "" {
		_, err := t.q.Exec(ctx,
			`UPDATE event_ticket_tiers SET registered_count = GREATEST(registered_count - 1, 0)
			 WHERE event_id = $1 AND name = $2`,
			eventID, tierName,
		)
		if err != nil {
			return fmt.Errorf("decrement tier count: %w", mapErr(err))
		}
	}
	_, err := t.q.Exec(ctx,
		`UPDATE events SET registered_count = GREATEST(registered_count - 1, 0) WHERE id = $1`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("decrement registered_count: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) InsertRegistration(ctx context.Context, reg *model.Registration) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		reg.ID, reg.UserID, reg.EventID, reg.Status, reg.TierName, reg.TicketID,
		reg.DiscountCodeID, reg.DiscountApplied, reg.DiscountCents, reg.RegistrationDate,
	)
	if err != nil {
		return fmt.Errorf("insert registration: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) UpdateRegistration(ctx context.Context, reg *model.Registration) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE registrations
		 SET status = $2, ticket_id = $3, discount_code_id = $4, discount_applied = $5, discount_cents = $6
		 WHERE id = $1`,
		reg.ID, reg.Status, reg.TicketID, reg.DiscountCodeID, reg.DiscountApplied, reg.DiscountCents,
	)
	if err != nil {
		return fmt.Errorf("update registration: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registration %s: %w", reg.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListWaitlisted(ctx context.Context, eventID string) ([]model.Registration, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+registrationColumns+`
		 FROM registrations
		 WHERE event_id = $1 AND status = 'waitlisted'
		 ORDER BY registration_date ASC, id ASC
		 FOR UPDATE`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list waitlisted: %w", mapErr(err))
	}
	return collectRegistrations(rows)
}

func (t *pgTx) CountAttendance(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM registrations WHERE user_id = $1 AND status IN ('confirmed', 'checked_in')`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attendance: %w", mapErr(err))
	}
	return n, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, tk *model.Ticket) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tk.ID, tk.EventID, tk.UserID, tk.TicketNumber, tk.Status, tk.PriceCents, tk.TierName, tk.PurchaseDate,
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) UpdateTicketStatus(ctx context.Context, id string, status model.RegistrationStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE tickets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) IncrementDiscountUsage(ctx context.Context, id string) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE discount_codes SET used_count = used_count + 1
		 WHERE id = $1
		   AND is_active
		   AND (max_uses IS NULL OR used_count < max_uses)
		   AND (expiry_date IS NULL OR expiry_date > now())`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("increment discount usage: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockProfile(ctx context.Context, userID string) (*model.Profile, error) {
	_, err := t.q.Exec(ctx,
		`INSERT INTO gamification_profiles (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", mapErr(err))
	}
	p := model.Profile{UserID: userID}
	err = t.q.QueryRow(ctx,
		`SELECT points, xp, level FROM gamification_profiles WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&p.Points, &p.XP, &p.Level)
	if err != nil {
		return nil, fmt.Errorf("lock profile: %w", mapErr(err))
	}
	return &p, nil
}

func (t *pgTx) SaveProfile(ctx context.Context, p *model.Profile) error {
	_, err := t.q.Exec(ctx,
		`UPDATE gamification_profiles SET points = $2, xp = $3, level = $4 WHERE user_id = $1`,
		p.UserID, p.Points, p.XP, p.Level,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) AppendPointsHistory(ctx context.Context, e *model.PointsHistoryEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO points_history (id, user_id, points, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.Points, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append points history: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) ListBadges(ctx context.Context) ([]model.Badge, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, name, description, kind, threshold FROM badges ORDER BY threshold ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defer rows.Close()

	var out []model.Badge
	for rows.Next() {
		var b model.Badge
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Kind, &b.Threshold); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertUserBadge(ctx context.Context, ub *model.UserBadge) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO user_badges (user_id, badge_id, awarded_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, badge_id) DO NOTHING`,
		ub.UserID, ub.BadgeID, ub.AwardedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert user badge: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ActiveEnrollments(ctx context.Context, userID, triggerType string) ([]EnrollmentProgress, error) {
	rows, err := t.q.Query(ctx,
		`SELECT e.id, e.user_id, e.challenge_id, e.progress, e.completed, e.completed_at,
		        c.id, c.title, c.trigger_type, c.target, c.reward_points, c.active
		 FROM challenge_enrollments e
		 JOIN challenges c ON c.id = e.challenge_id
		 WHERE e.user_id = $1 AND NOT e.completed AND c.active AND c.trigger_type = $2
		 ORDER BY e.id
		 FOR UPDATE OF e`,
		userID, triggerType,
	)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", mapErr(err))
	}
	defer rows.Close()

	var out []EnrollmentProgress
	for rows.Next() {
		var ep EnrollmentProgress
		en, c := &ep.Enrollment, &ep.Challenge
		if err := rows.Scan(&en.ID, &en.UserID, &en.ChallengeID, &en.Progress, &en.Completed, &en.CompletedAt,
			&c.ID, &c.Title, &c.TriggerType, &c.Target, &c.RewardPoints, &c.Active); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateEnrollment(ctx context.Context, en *model.ChallengeEnrollment) error {
	_, err := t.q.Exec(ctx,
		`UPDATE challenge_enrollments SET progress = $2, completed = $3, completed_at = $4 WHERE id = $1`,
		en.ID, en.Progress, en.Completed, en.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) ClaimKey(ctx context.Context, key string) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO side_effect_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("claim key: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}
