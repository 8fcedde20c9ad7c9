package gamification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doorsense/controller/internal/storage"
)

// BadgeInfo is an earned badge as reported in stats
type BadgeInfo struct {
	BadgeType   string    `json:"badgeType"`
	Description string    `json:"description"`
	EarnedAt    time.Time `json:"earnedAt"`
}

// Stats is a read-only summary of a user's progress
type Stats struct {
	UserID              int64       `json:"userId"`
	Points              int         `json:"points"`
	Level               string      `json:"level"`
	DailyStreak         int         `json:"dailyStreak"`
	QuickCloseCount     int         `json:"quickCloseCount"`
	Badges              []BadgeInfo `json:"badges"`
	CostEuros30d        float64     `json:"costEuros30d"`
	EnergyLossWatts30d  float64     `json:"energyLossWatts30d"`
	AvgDailyOpenMinutes float64     `json:"avgDailyOpenMinutes7d"`
}

// GetStats aggregates the user's state with trailing 30-day energy totals and
// the trailing 7-day average of daily open minutes.
func (e *Engine) GetStats(ctx context.Context, userID int64) (*Stats, error) {
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	badges, err := e.store.ListBadges(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}

	now := e.now().In(e.config.Location)
	from, to := trailing(now, trailingWindow)
	energy, err := e.store.SumEnergy(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("sum energy: %w", err)
	}

	from, to = trailing(now, 7*24*time.Hour)
	openSeconds, err := e.store.SumOpenDuration(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("sum open duration: %w", err)
	}

	s := &Stats{
		UserID:              u.ID,
		Points:              u.Points,
		Level:               u.Level,
		DailyStreak:         u.DailyStreak,
		QuickCloseCount:     u.QuickCloseCount,
		Badges:              make([]BadgeInfo, 0, len(badges)),
		CostEuros30d:        math.Round(energy.CostEuros*10000) / 10000,
		EnergyLossWatts30d:  math.Round(energy.EnergyLossWatts*100) / 100,
		AvgDailyOpenMinutes: math.Round(float64(openSeconds)/60/7*100) / 100,
	}
	for _, b := range badges {
		s.Badges = append(s.Badges, BadgeInfo{
			BadgeType:   b.BadgeType,
			Description: BadgeDescription(b.BadgeType),
			EarnedAt:    b.EarnedAt,
		})
	}
	return s, nil
}
