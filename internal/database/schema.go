package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is idempotent; Migrate runs it on every start.
//
// The CHECK constraints restate the capacity invariants so that a bug in
// the ledger fails loudly instead of overselling.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	organizer_id     TEXT NOT NULL,
	capacity         INTEGER NOT NULL CHECK (capacity >= 0),
	registered_count INTEGER NOT NULL DEFAULT 0,
	waitlist_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	status           TEXT NOT NULL DEFAULT 'draft',
	price_cents      BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (registered_count >= 0 AND registered_count <= capacity)
);

CREATE TABLE IF NOT EXISTS event_ticket_tiers (
	event_id         TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	name             TEXT NOT NULL,
	position         INTEGER NOT NULL,
	capacity         INTEGER NOT NULL CHECK (capacity >= 0),
	registered_count INTEGER NOT NULL DEFAULT 0,
	price_cents      BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (event_id, name),
	CHECK (registered_count >= 0 AND registered_count <= capacity)
);

CREATE TABLE IF NOT EXISTS tickets (
	id            TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	user_id       TEXT NOT NULL,
	ticket_number TEXT NOT NULL,
	status        TEXT NOT NULL,
	price_cents   BIGINT NOT NULL DEFAULT 0,
	tier_name     TEXT,
	purchase_date TIMESTAMPTZ NOT NULL,
	CONSTRAINT tickets_ticket_number_key UNIQUE (ticket_number)
);

CREATE TABLE IF NOT EXISTS discount_codes (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL UNIQUE,
	type        TEXT NOT NULL CHECK (type IN ('percentage', 'fixed')),
	value       BIGINT NOT NULL,
	event_id    TEXT REFERENCES events(id) ON DELETE CASCADE,
	max_uses    INTEGER,
	used_count  INTEGER NOT NULL DEFAULT 0,
	expiry_date TIMESTAMPTZ,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	CHECK (max_uses IS NULL OR used_count <= max_uses)
);

CREATE TABLE IF NOT EXISTS registrations (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	event_id          TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	status            TEXT NOT NULL,
	tier_name         TEXT,
	ticket_id         TEXT REFERENCES tickets(id),
	discount_code_id  TEXT REFERENCES discount_codes(id),
	discount_applied  BOOLEAN NOT NULL DEFAULT FALSE,
	discount_cents    BIGINT NOT NULL DEFAULT 0,
	registration_date TIMESTAMPTZ NOT NULL,
	CONSTRAINT registrations_user_event_key UNIQUE (user_id, event_id)
);

CREATE INDEX IF NOT EXISTS registrations_waitlist_idx
	ON registrations (event_id, registration_date)
	WHERE status = 'waitlisted';

CREATE TABLE IF NOT EXISTS gamification_profiles (
	user_id TEXT PRIMARY KEY,
	points  INTEGER NOT NULL DEFAULT 0,
	xp      INTEGER NOT NULL DEFAULT 0,
	level   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS points_history (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	points     INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS badges (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL CHECK (kind IN ('points', 'attendance')),
	threshold   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_badges (
	user_id    TEXT NOT NULL,
	badge_id   TEXT NOT NULL REFERENCES badges(id) ON DELETE CASCADE,
	awarded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, badge_id)
);

CREATE TABLE IF NOT EXISTS challenges (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	trigger_type  TEXT NOT NULL,
	target        INTEGER NOT NULL CHECK (target > 0),
	reward_points INTEGER NOT NULL DEFAULT 0,
	active        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS challenge_enrollments (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	challenge_id TEXT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
	progress     INTEGER NOT NULL DEFAULT 0,
	completed    BOOLEAN NOT NULL DEFAULT FALSE,
	completed_at TIMESTAMPTZ,
	UNIQUE (user_id, challenge_id)
);

CREATE TABLE IF NOT EXISTS side_effect_keys (
	key        TEXT PRIMARY KEY,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL,
	type       TEXT NOT NULL,
	link       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	event_types TEXT[] NOT NULL DEFAULT '{}',
	secret      TEXT NOT NULL DEFAULT ''
);
`

// Migrate creates the tables the engine needs if they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
