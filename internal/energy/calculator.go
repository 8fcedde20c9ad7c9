// Package energy estimates the heat lost through an open door and persists
// the result as an energy metric.
package energy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
	"github.com/doorsense/controller/internal/storage"
	"github.com/doorsense/controller/internal/weather"
)

// Config holds the physical and tariff constants
type Config struct {
	DoorSurfaceM2       float64 // m²
	ThermalCoefficientU float64 // W/(m²·K)
	CostPerKwh          float64 // €/kWh
	CO2PerKwh           float64 // g/kWh
}

// DefaultConfig returns the constants for a standard exterior door
func DefaultConfig() Config {
	return Config{
		DoorSurfaceM2:       2.0,
		ThermalCoefficientU: 3.5,
		CostPerKwh:          0.174,
		CO2PerKwh:           56,
	}
}

// Store persists energy metrics and resolves door openings
type Store interface {
	GetDoorState(ctx context.Context, id int64) (*storage.DoorState, error)
	InsertEnergyMetric(ctx context.Context, m *storage.EnergyMetric) (int64, error)
}

// IndoorSource provides the current indoor average temperature
type IndoorSource interface {
	AverageIndoorTemperature() (float64, bool)
}

// OutdoorSource provides the current outdoor temperature
type OutdoorSource interface {
	OutdoorTemperature(ctx context.Context) (weather.Reading, error)
}

// Result is a computed heat-loss estimate
type Result struct {
	DeltaT          float64
	EnergyLossWatts float64
	CostEuros       float64
	CO2Grams        float64
}

// Round rounds x to the given number of decimal digits, halves away from zero
func Round(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}

// Compute applies the heat-loss formula. A negative temperature difference
// yields negative values.
func (c Config) Compute(indoor, outdoor float64, durationSeconds int64) Result {
	deltaT := Round(indoor-outdoor, 2)
	watts := Round(deltaT*c.DoorSurfaceM2*c.ThermalCoefficientU*(float64(durationSeconds)/3600), 2)
	kwh := watts / 1000
	return Result{
		DeltaT:          deltaT,
		EnergyLossWatts: watts,
		CostEuros:       Round(kwh*c.CostPerKwh, 4),
		CO2Grams:        Round(kwh*c.CO2PerKwh, 2),
	}
}

// Calculator produces one energy metric per door close
type Calculator struct {
	config  Config
	store   Store
	indoor  IndoorSource
	outdoor OutdoorSource
	sink    events.Sink
	log     zerolog.Logger
}

// NewCalculator creates a calculator
func NewCalculator(config Config, store Store, indoor IndoorSource, outdoor OutdoorSource, sink events.Sink) *Calculator {
	if sink == nil {
		sink = events.Discard
	}
	return &Calculator{
		config:  config,
		store:   store,
		indoor:  indoor,
		outdoor: outdoor,
		sink:    sink,
		log:     logging.Component("energy"),
	}
}

func (c *Calculator) skip(reason string, doorStateID int64, err error) {
	metrics.EnergyCalculationsSkipped.WithLabelValues(reason).Inc()
	evt := c.log.Warn().Int64("door_state", doorStateID).Str("reason", reason)
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("skipping energy calculation")
}

// Calculate estimates the loss for the opening doorStateID. Missing
// temperatures or an unknown opening skip the work without error; only a
// failed lookup or write is returned.
func (c *Calculator) Calculate(ctx context.Context, doorStateID int64, durationSeconds int64, closedAt time.Time) error {
	indoor, ok := c.indoor.AverageIndoorTemperature()
	if !ok {
		c.skip("no_indoor", doorStateID, nil)
		return nil
	}

	reading, err := c.outdoor.OutdoorTemperature(ctx)
	if err != nil {
		c.skip("no_outdoor", doorStateID, err)
		return nil
	}

	if _, err := c.store.GetDoorState(ctx, doorStateID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.skip("unknown_opening", doorStateID, nil)
			return nil
		}
		return fmt.Errorf("load door state %d: %w", doorStateID, err)
	}

	res := c.config.Compute(indoor, reading.Temperature, durationSeconds)
	m := &storage.EnergyMetric{
		DoorStateID:     doorStateID,
		EnergyLossWatts: res.EnergyLossWatts,
		CostEuros:       res.CostEuros,
		CO2Grams:        res.CO2Grams,
		IndoorTemp:      indoor,
		OutdoorTemp:     reading.Temperature,
		DeltaT:          res.DeltaT,
		DurationSeconds: durationSeconds,
		Timestamp:       closedAt,
	}
	id, err := c.store.InsertEnergyMetric(ctx, m)
	if err != nil {
		return fmt.Errorf("store energy metric: %w", err)
	}
	m.ID = id
	metrics.EnergyMetricsCreated.Inc()

	c.log.Info().
		Int64("door_state", doorStateID).
		Int64("duration_s", durationSeconds).
		Float64("delta_t", res.DeltaT).
		Float64("watts", res.EnergyLossWatts).
		Float64("cost_eur", res.CostEuros).
		Str("outdoor_source", string(reading.Source)).
		Msg("energy metric created")

	ev := events.New(events.TypeEnergyMetricCreated, closedAt, events.EnergyMetricCreated{
		DoorStateID:     doorStateID,
		EnergyLossWatts: res.EnergyLossWatts,
		CostEuros:       res.CostEuros,
		CO2Grams:        res.CO2Grams,
		Timestamp:       closedAt,
	})
	if err := c.sink.Publish(ctx, ev); err != nil {
		c.log.Warn().Err(err).Msg("failed to publish energy metric")
	}
	return nil
}
