// Package events defines the domain events produced by the pipeline and the
// sinks that deliver them to realtime subscribers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/doorsense/controller/internal/metrics"
)

// Type names a domain event
type Type string

const (
	TypeDoorStateChanged    Type = "door-state-changed"
	TypeSensorDataUpdated   Type = "sensor-data-updated"
	TypeEnergyMetricCreated Type = "energy_metric_created"
	TypePointsAwarded       Type = "points-awarded"
	TypeBadgeAwarded        Type = "badge-awarded"
	TypeLevelUp             Type = "level-up"
)

// Event is a single domain event. Data holds one of the payload structs below.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// New creates an event with a fresh ID
func New(t Type, ts time.Time, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: ts,
		Data:      data,
	}
}

// DoorStateChanged is emitted for every accepted door transition
type DoorStateChanged struct {
	IsOpen    bool      `json:"isOpen"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorDataUpdated carries the throttled cross-sensor averages
type SensorDataUpdated struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// EnergyMetricCreated is emitted after an energy metric has been stored
type EnergyMetricCreated struct {
	DoorStateID     int64     `json:"doorStateId"`
	EnergyLossWatts float64   `json:"energyLossWatts"`
	CostEuros       float64   `json:"costEuros"`
	CO2Grams        float64   `json:"co2Grams"`
	Timestamp       time.Time `json:"timestamp"`
}

// Award is a single line item of a points award
type Award struct {
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

// PointsAwarded is emitted when a rule evaluation grants points
type PointsAwarded struct {
	UserID   int64   `json:"userId"`
	Awards   []Award `json:"awards"`
	NewTotal int     `json:"newTotal"`
}

// BadgeAwarded is emitted the first time a user earns a badge
type BadgeAwarded struct {
	UserID      int64     `json:"userId"`
	BadgeType   string    `json:"badgeType"`
	Description string    `json:"description"`
	EarnedAt    time.Time `json:"earnedAt"`
}

// LevelUp is emitted when a points award moves the user to another level
type LevelUp struct {
	UserID   int64  `json:"userId"`
	OldLevel string `json:"oldLevel"`
	NewLevel string `json:"newLevel"`
}

// Sink receives domain events
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f(ctx, ev)
func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard is a sink that drops every event
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Fanout delivers each event to every sink. A failing sink does not stop
// delivery to the remaining ones; the errors are joined.
type Fanout []Sink

// Publish implements Sink
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrument wraps s so every publish is counted by event type and result
func Instrument(s Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		err := s.Publish(ctx, ev)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.EventsPublished.WithLabelValues(string(ev.Type), result).Inc()
		return err
	})
}
