package gamification

import (
	"context"
	"fmt"
	"time"

	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/metrics"
	"github.com/doorsense/controller/internal/storage"
)

// Badge types
const (
	BadgeFirstWeek      = "FIRST_WEEK"
	BadgeQuickClose     = "QUICK_CLOSE"
	BadgeEnergySaver    = "ENERGY_SAVER"
	BadgeWinterGuardian = "WINTER_GUARDIAN"
	BadgeNightWatch     = "NIGHT_WATCH"
	BadgePerfectDay     = "PERFECT_DAY"
)

// Badge thresholds
const (
	trailingWindow       = 30 * 24 * time.Hour
	firstWeekAge         = 7 * 24 * time.Hour
	quickCloseBadgeCount = 10
	energySaverMaxCost   = 10.0
	winterMaxDuration    = 300
	winterMaxOutdoor     = 5.0
)

type badgeRule struct {
	badgeType   string
	description string
	check       func(ctx context.Context, e *Engine, u *storage.User, now time.Time) (bool, error)
}

// badgeRules are evaluated in this order
var badgeRules = []badgeRule{
	{BadgeFirstWeek, "Tracked the door for a full week", checkFirstWeek},
	{BadgeQuickClose, "Closed the door quickly 10 times", checkQuickClose},
	{BadgeEnergySaver, "Kept door losses under €10 over 30 days", checkEnergySaver},
	{BadgeWinterGuardian, "Kept the door shut tight on a cold day", checkWinterGuardian},
	{BadgeNightWatch, "No door openings overnight", checkNightWatch},
	{BadgePerfectDay, "A whole day without energy loss", checkPerfectDay},
}

// BadgeDescription returns the human description of a badge type
func BadgeDescription(badgeType string) string {
	for _, r := range badgeRules {
		if r.badgeType == badgeType {
			return r.description
		}
	}
	return ""
}

// trailing returns [now-d, now] as a half-open range that includes now
func trailing(now time.Time, d time.Duration) (time.Time, time.Time) {
	return now.Add(-d), now.Add(time.Millisecond)
}

func checkFirstWeek(_ context.Context, _ *Engine, u *storage.User, now time.Time) (bool, error) {
	return now.Sub(u.CreatedAt) >= firstWeekAge, nil
}

func checkQuickClose(_ context.Context, _ *Engine, u *storage.User, _ time.Time) (bool, error) {
	return u.QuickCloseCount >= quickCloseBadgeCount, nil
}

func checkEnergySaver(ctx context.Context, e *Engine, _ *storage.User, now time.Time) (bool, error) {
	from, to := trailing(now, trailingWindow)
	totals, err := e.store.SumEnergy(ctx, from, to)
	if err != nil {
		return false, err
	}
	return totals.CostEuros < energySaverMaxCost, nil
}

func checkWinterGuardian(ctx context.Context, e *Engine, _ *storage.User, now time.Time) (bool, error) {
	from, to := trailing(now, trailingWindow)
	return e.store.HasShortColdOpening(ctx, from, to, winterMaxDuration, winterMaxOutdoor)
}

func checkNightWatch(ctx context.Context, e *Engine, _ *storage.User, now time.Time) (bool, error) {
	today := e.startOfDay(now)
	loc := e.config.Location
	from := time.Date(today.Year(), today.Month(), today.Day()-1, 22, 0, 0, 0, loc)
	to := time.Date(today.Year(), today.Month(), today.Day(), 6, 0, 0, 0, loc)
	n, err := e.store.CountOpenings(ctx, from, to)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func checkPerfectDay(ctx context.Context, e *Engine, _ *storage.User, now time.Time) (bool, error) {
	today := e.startOfDay(now)
	totals, err := e.store.SumEnergy(ctx, today.AddDate(0, 0, -1), today)
	if err != nil {
		return false, err
	}
	return totals.EnergyLossWatts == 0, nil
}

// evaluateBadges awards every badge the user does not hold yet and now
// qualifies for. A failing criterion is logged and skipped.
func (e *Engine) evaluateBadges(ctx context.Context, u *storage.User, now time.Time) error {
	held, err := e.store.ListBadges(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("list badges: %w", err)
	}
	owned := make(map[string]bool, len(held))
	for _, b := range held {
		owned[b.BadgeType] = true
	}

	for _, rule := range badgeRules {
		if owned[rule.badgeType] {
			continue
		}
		ok, err := rule.check(ctx, e, u, now)
		if err != nil {
			e.log.Error().Err(err).Str("badge", rule.badgeType).Msg("badge criterion failed")
			continue
		}
		if !ok {
			continue
		}

		badge := &storage.Badge{UserID: u.ID, BadgeType: rule.badgeType, EarnedAt: now}
		inserted, err := e.store.InsertBadge(ctx, badge)
		if err != nil {
			e.log.Error().Err(err).Str("badge", rule.badgeType).Msg("failed to store badge")
			continue
		}
		if !inserted {
			continue
		}

		metrics.BadgesAwarded.WithLabelValues(rule.badgeType).Inc()
		e.log.Info().Int64("user", u.ID).Str("badge", rule.badgeType).Msg("badge awarded")
		e.emit(ctx, events.New(events.TypeBadgeAwarded, now, events.BadgeAwarded{
			UserID:      u.ID,
			BadgeType:   rule.badgeType,
			Description: rule.description,
			EarnedAt:    now,
		}))
	}
	return nil
}
