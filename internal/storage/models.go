// Package storage provides SQLite persistence for door transitions, sensor
// readings, energy metrics and gamification state.
package storage

import "time"

// DoorState is one persisted door transition. DurationSeconds is only set on
// opening records, once the matching close has been seen.
type DoorState struct {
	ID              int64     `json:"id"`
	IsOpen          bool      `json:"is_open"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
}

// SensorReading is a snapshot of one sensor's full state at the time a
// measurement was accepted. Fields the sensor never reported are nil.
type SensorReading struct {
	ID          int64     `json:"id"`
	SensorID    string    `json:"sensor_id"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	Pressure    *float64  `json:"pressure"`
	Timestamp   time.Time `json:"timestamp"`
}

// EnergyMetric is the heat-loss estimate for one door opening
type EnergyMetric struct {
	ID              int64     `json:"id"`
	DoorStateID     int64     `json:"door_state_id"`
	EnergyLossWatts float64   `json:"energy_loss_watts"`
	CostEuros       float64   `json:"cost_euros"`
	CO2Grams        float64   `json:"co2_grams"`
	IndoorTemp      float64   `json:"indoor_temp"`
	OutdoorTemp     float64   `json:"outdoor_temp"`
	DeltaT          float64   `json:"delta_t"`
	DurationSeconds int64     `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// EnergyTotals aggregates energy metrics over a time range
type EnergyTotals struct {
	Count           int     `json:"count"`
	EnergyLossWatts float64 `json:"energy_loss_watts"`
	CostEuros       float64 `json:"cost_euros"`
	CO2Grams        float64 `json:"co2_grams"`
}

// User is the gamification state of a tracked user
type User struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Points          int       `json:"points"`
	Level           string    `json:"level"`
	DailyStreak     int       `json:"daily_streak"`
	QuickCloseCount int       `json:"quick_close_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Badge is an earned badge. A user holds each badge type at most once.
type Badge struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	BadgeType string    `json:"badge_type"`
	EarnedAt  time.Time `json:"earned_at"`
}
