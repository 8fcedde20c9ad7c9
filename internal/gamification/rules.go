// Package gamification awards points, streaks, levels and badges to the
// tracked user each time the door closes.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
	"github.com/doorsense/controller/internal/storage"
)

// ErrUserNotFound is returned by GetStats for an unknown user
var ErrUserNotFound = errors.New("gamification: user not found")

// Level thresholds
const (
	LevelBronze = "BRONZE"
	LevelSilver = "SILVER"
	LevelGold   = "GOLD"
)

// LevelFor returns the level reached with the given points
func LevelFor(points int) string {
	switch {
	case points < 100:
		return LevelBronze
	case points < 500:
		return LevelSilver
	default:
		return LevelGold
	}
}

// Rule constants
const (
	QuickCloseSeconds   = 10
	QuickClosePoints    = 5
	DailyOptimalSeconds = 300
	DailyOptimalPoints  = 20
	StreakBonusDays     = 7
	StreakBonusPoints   = 100
)

// Award reasons
const (
	ReasonQuickClose   = "quick_close"
	ReasonDailyOptimal = "daily_optimal"
	ReasonStreakBonus  = "streak_bonus"
)

// Store is the persistence needed by the rule engine
type Store interface {
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	UpdateUser(ctx context.Context, u *storage.User) error
	ListBadges(ctx context.Context, userID int64) ([]*storage.Badge, error)
	InsertBadge(ctx context.Context, b *storage.Badge) (bool, error)
	SumOpenDuration(ctx context.Context, from, to time.Time) (int64, error)
	CountOpenings(ctx context.Context, from, to time.Time) (int, error)
	SumEnergy(ctx context.Context, from, to time.Time) (storage.EnergyTotals, error)
	HasShortColdOpening(ctx context.Context, from, to time.Time, maxDuration int64, maxOutdoor float64) (bool, error)
}

// Config holds rule engine settings
type Config struct {
	UserID   int64
	Location *time.Location // calendar days are computed in this zone
}

// DefaultConfig returns default rule engine settings
func DefaultConfig() Config {
	return Config{
		UserID:   1,
		Location: time.Local,
	}
}

// Engine evaluates the rules for a single user
type Engine struct {
	config Config
	store  Store
	sink   events.Sink
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a rule engine
func New(config Config, store Store, sink events.Sink) *Engine {
	if config.Location == nil {
		config.Location = time.Local
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Engine{
		config: config,
		store:  store,
		sink:   sink,
		log:    logging.Component("gamification"),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// UserID returns the tracked user
func (e *Engine) UserID() int64 {
	return e.config.UserID
}

func (e *Engine) startOfDay(t time.Time) time.Time {
	t = t.In(e.config.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.config.Location)
}

// OnDoorClosed evaluates points and badges for one closed interval. A
// missing user is not an error.
func (e *Engine) OnDoorClosed(ctx context.Context, durationSeconds int64) error {
	u, err := e.store.GetUser(ctx, e.config.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Debug().Int64("user", e.config.UserID).Msg("tracked user does not exist, skipping rules")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	now := e.now().In(e.config.Location)
	var awards []events.Award
	changed := false

	if durationSeconds < QuickCloseSeconds {
		awards = append(awards, events.Award{Points: QuickClosePoints, Reason: ReasonQuickClose})
		u.QuickCloseCount++
		changed = true
	}

	today := e.startOfDay(now)
	openToday, err := e.store.SumOpenDuration(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("sum open duration: %w", err)
	}
	if openToday < DailyOptimalSeconds {
		awards = append(awards, events.Award{Points: DailyOptimalPoints, Reason: ReasonDailyOptimal})
		u.DailyStreak++
		changed = true
	} else if u.DailyStreak != 0 {
		u.DailyStreak = 0
		changed = true
	}

	if u.DailyStreak == StreakBonusDays {
		awards = append(awards, events.Award{Points: StreakBonusPoints, Reason: ReasonStreakBonus})
	}

	total := 0
	for _, a := range awards {
		total += a.Points
		metrics.PointsAwarded.WithLabelValues(a.Reason).Add(float64(a.Points))
	}

	oldLevel := u.Level
	if total > 0 {
		u.Points += total
		u.Level = LevelFor(u.Points)
	}
	if changed || total > 0 {
		if err := e.store.UpdateUser(ctx, u); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
	}

	if total > 0 {
		e.log.Info().Int64("user", u.ID).Int("points", total).Int("total", u.Points).
			Int("streak", u.DailyStreak).Msg("points awarded")
		e.emit(ctx, events.New(events.TypePointsAwarded, now, events.PointsAwarded{
			UserID:   u.ID,
			Awards:   awards,
			NewTotal: u.Points,
		}))
		if u.Level != oldLevel {
			e.log.Info().Int64("user", u.ID).Str("from", oldLevel).Str("to", u.Level).Msg("level up")
			e.emit(ctx, events.New(events.TypeLevelUp, now, events.LevelUp{
				UserID:   u.ID,
				OldLevel: oldLevel,
				NewLevel: u.Level,
			}))
		}
	}

	return e.evaluateBadges(ctx, u, now)
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}
