// Package gamification awards points, levels, badges and challenge progress.
//
// Every award runs in its own transaction under the user's profile lock, so
// two concurrent awards for one user evaluate badges one after the other.
// Awards that carry a key are applied at most once per key.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

// Grant describes a points award.
type Grant struct {
	UserID string
	Points int
	Reason string
	Link   string
	// Key makes the grant idempotent when non-empty.
	Key string
}

// Outcome reports what an award changed.
type Outcome struct {
	Profile model.Profile `json:"profile"`
	Badges  []model.Badge `json:"badges_awarded,omitempty"`
	// Duplicate is true when the key had already been applied.
	Duplicate bool `json:"duplicate"`
}

// Progress reports the challenges completed by a trigger.
type Progress struct {
	Completed []model.Challenge `json:"completed,omitempty"`
	Outcome
}

// DefaultBadges are installed at startup by SeedDefaultBadges.
var DefaultBadges = []model.Badge{
	{ID: "badge-rising-star", Name: "Rising Star", Description: "Earn 500 points", Kind: model.BadgePoints, Threshold: 500},
	{ID: "badge-trailblazer", Name: "Trailblazer", Description: "Earn 2500 points", Kind: model.BadgePoints, Threshold: 2500},
	{ID: "badge-regular", Name: "Regular", Description: "Attend 5 events", Kind: model.BadgeAttendance, Threshold: 5},
	{ID: "badge-devotee", Name: "Devotee", Description: "Attend 25 events", Kind: model.BadgeAttendance, Threshold: 25},
}

// SeedDefaultBadges creates DefaultBadges, skipping any that already exist.
func SeedDefaultBadges(ctx context.Context, store repository.Store) error {
	for _, b := range DefaultBadges {
		if err := store.CreateBadge(ctx, &b); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("seed badge %s: %w", b.ID, err)
		}
	}
	return nil
}

// Engine applies gamification side effects.
type Engine struct {
	store repository.Store
	now   func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(store repository.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// AwardPoints adds g.Points to the user's points and XP, recomputes the
// level, records history and evaluates badge thresholds.
func (e *Engine) AwardPoints(ctx context.Context, g Grant) (*Outcome, error) {
	if g.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidState)
	}
	var out Outcome
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		out = Outcome{}
		profile, dup, err := e.begin(ctx, tx, g.UserID, g.Key)
		if err != nil || dup {
			out.Duplicate = dup
			if profile != nil {
				out.Profile = *profile
			}
			return err
		}
		if err := e.apply(ctx, tx, profile, g.Points, g.Reason, g.Link, &out); err != nil {
			return err
		}
		out.Profile = *profile
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("award points: %w", err)
	}
	return &out, nil
}

// TriggerChallengeProgress advances the user's active, incomplete
// enrollments whose challenge listens to triggerType. Reaching the target
// completes the challenge and grants its reward.
func (e *Engine) TriggerChallengeProgress(ctx context.Context, userID, triggerType string, increment int, key string) (*Progress, error) {
	if increment <= 0 {
		increment = 1
	}
	var out Progress
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		out = Progress{}
		profile, dup, err := e.begin(ctx, tx, userID, key)
		if err != nil || dup {
			out.Duplicate = dup
			if profile != nil {
				out.Profile = *profile
			}
			return err
		}

		enrollments, err := tx.ActiveEnrollments(ctx, userID, triggerType)
		if err != nil {
			return err
		}
		for _, ep := range enrollments {
			en, ch := ep.Enrollment, ep.Challenge
			en.Progress += increment
			if en.Progress >= ch.Target {
				en.Progress = ch.Target
				en.Completed = true
				now := e.now().UTC()
				en.CompletedAt = &now
			}
			if err := tx.UpdateEnrollment(ctx, &en); err != nil {
				return err
			}
			if !en.Completed {
				continue
			}

			out.Completed = append(out.Completed, ch)
			if err := tx.InsertNotification(ctx, &model.Notification{
				UserID:  userID,
				Title:   "Challenge complete!",
				Message: fmt.Sprintf("You completed %q.", ch.Title),
				Type:    "challenge_completed",
				Link:    "/challenges/" + ch.ID,
			}); err != nil {
				return err
			}
			if ch.RewardPoints != 0 {
				reason := fmt.Sprintf("Completed challenge: %s", ch.Title)
				if err := e.apply(ctx, tx, profile, ch.RewardPoints, reason, "", &out.Outcome); err != nil {
					return err
				}
			}
		}
		out.Profile = *profile
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trigger challenge progress: %w", err)
	}
	return &out, nil
}

// begin locks the profile and claims key. It reports dup when key was
// already applied.
func (e *Engine) begin(ctx context.Context, tx repository.Tx, userID, key string) (*model.Profile, bool, error) {
	profile, err := tx.LockProfile(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if key == "" {
		return profile, false, nil
	}
	claimed, err := tx.ClaimKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		log.Printf("gamification: key %s already applied for user %s", key, userID)
	}
	return profile, !claimed, nil
}

// apply mutates profile, records history and awards newly reached badges.
func (e *Engine) apply(ctx context.Context, tx repository.Tx, profile *model.Profile, points int, reason, link string, out *Outcome) error {
	before := profile.Level
	profile.Points += points
	if points > 0 {
		profile.XP += points
	}
	profile.Level = model.LevelForXP(profile.XP)
	if err := tx.SaveProfile(ctx, profile); err != nil {
		return err
	}

	now := e.now().UTC()
	if err := tx.AppendPointsHistory(ctx, &model.PointsHistoryEntry{
		ID:        uuid.New().String(),
		UserID:    profile.UserID,
		Points:    points,
		Reason:    reason,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := tx.InsertNotification(ctx, &model.Notification{
		UserID:  profile.UserID,
		Title:   fmt.Sprintf("You earned %d points", points),
		Message: reason,
		Type:    "points",
		Link:    link,
	}); err != nil {
		return err
	}
	if profile.Level > before {
		if err := tx.InsertNotification(ctx, &model.Notification{
			UserID:  profile.UserID,
			Title:   "Level up!",
			Message: fmt.Sprintf("You reached level %d.", profile.Level),
			Type:    "level_up",
		}); err != nil {
			return err
		}
	}

	awarded, err := e.evaluateBadges(ctx, tx, profile)
	if err != nil {
		return err
	}
	out.Badges = append(out.Badges, awarded...)
	return nil
}

// evaluateBadges inserts every badge whose threshold the user now meets and
// does not already hold. The unique (user, badge) pair makes re-evaluation
// a no-op.
func (e *Engine) evaluateBadges(ctx context.Context, tx repository.Tx, profile *model.Profile) ([]model.Badge, error) {
	badges, err := tx.ListBadges(ctx)
	if err != nil {
		return nil, err
	}

	attendance := -1
	var awarded []model.Badge
	for _, b := range badges {
		var metric int
		switch b.Kind {
		case model.BadgePoints:
			metric = profile.Points
		case model.BadgeAttendance:
			if attendance < 0 {
				if attendance, err = tx.CountAttendance(ctx, profile.UserID); err != nil {
					return nil, err
				}
			}
			metric = attendance
		default:
			continue
		}
		if metric < b.Threshold {
			continue
		}

		inserted, err := tx.InsertUserBadge(ctx, &model.UserBadge{
			UserID:    profile.UserID,
			BadgeID:   b.ID,
			AwardedAt: e.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue
		}
		if err := tx.InsertNotification(ctx, &model.Notification{
			UserID:  profile.UserID,
			Title:   "New badge: " + b.Name,
			Message: b.Description,
			Type:    "badge",
			Link:    "/badges/" + b.ID,
		}); err != nil {
			return nil, err
		}
		awarded = append(awarded, b)
	}
	return awarded, nil
}
