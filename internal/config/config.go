// Package config loads the controller configuration from built-in defaults,
// an optional YAML file and DOORSENSE_* environment variables, in that order.
package config

import (
	"time"
)

// Config is the complete controller configuration
type Config struct {
	Broker       BrokerConfig       `koanf:"broker"`
	Topics       TopicsConfig       `koanf:"topics"`
	Sensors      SensorsConfig      `koanf:"sensors"`
	Energy       EnergyConfig       `koanf:"energy"`
	Weather      WeatherConfig      `koanf:"weather"`
	Gamification GamificationConfig `koanf:"gamification"`
	Database     DatabaseConfig     `koanf:"database"`
	HTTP         HTTPConfig         `koanf:"http"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// BrokerConfig holds MQTT broker settings
type BrokerConfig struct {
	URL               string        `koanf:"url" validate:"required"`
	ClientID          string        `koanf:"client_id" validate:"required"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	ConnectTimeout    time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	KeepAlive         time.Duration `koanf:"keep_alive" validate:"gt=0"`
	ReconnectInterval time.Duration `koanf:"reconnect_interval" validate:"gt=0"`
}

// TopicsConfig holds the subscribed topic patterns
type TopicsConfig struct {
	Door         string `koanf:"door" validate:"required"`
	Telemetry    string `koanf:"telemetry" validate:"required"`
	EventsPrefix string `koanf:"events_prefix"` // empty disables republishing events on the bus
}

// SensorsConfig holds environmental sensor settings
type SensorsConfig struct {
	KnownIDs        []string          `koanf:"known_ids" validate:"dive,required"`
	TypeCodes       map[string]string `koanf:"type_codes" validate:"required,dive,oneof=temperature humidity pressure"`
	FreshnessWindow time.Duration     `koanf:"freshness_window" validate:"gt=0"`
	NotifyCooldown  time.Duration     `koanf:"notify_cooldown" validate:"gt=0"`
}

// EnergyConfig holds the heat-loss constants
type EnergyConfig struct {
	DoorSurfaceM2       float64 `koanf:"door_surface_m2" validate:"gt=0"`
	ThermalCoefficientU float64 `koanf:"thermal_coefficient_u" validate:"gt=0"`
	CostPerKwh          float64 `koanf:"cost_per_kwh" validate:"gte=0"`
	CO2PerKwh           float64 `koanf:"co2_per_kwh" validate:"gte=0"`
}

// WeatherConfig holds OpenWeatherMap and cache settings
type WeatherConfig struct {
	APIKey         string        `koanf:"api_key"`
	Lat            float64       `koanf:"lat" validate:"gte=-90,lte=90"`
	Lon            float64       `koanf:"lon" validate:"gte=-180,lte=180"`
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	TTL            time.Duration `koanf:"ttl" validate:"gt=0"`
	HTTPTimeout    time.Duration `koanf:"http_timeout" validate:"gt=0"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1,max=10"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gte=0"`
}

// Configured reports whether the weather provider has a key and coordinates.
// (0, 0) is treated as unset.
func (w WeatherConfig) Configured() bool {
	return w.APIKey != "" && (w.Lat != 0 || w.Lon != 0)
}

// GamificationConfig holds rule engine settings
type GamificationConfig struct {
	UserID   int64  `koanf:"user_id" validate:"gt=0"`
	UserName string `koanf:"user_name"`
	Timezone string `koanf:"timezone" validate:"required"` // IANA name or "Local"
	SeedUser bool   `koanf:"seed_user"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// HTTPConfig holds the realtime/metrics listener settings
type HTTPConfig struct {
	ListenAddr string `koanf:"listen_addr"` // empty disables the listener
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:               "tcp://localhost:1883",
			ClientID:          "doorsense-controller",
			ConnectTimeout:    4 * time.Second,
			KeepAlive:         60 * time.Second,
			ReconnectInterval: 1 * time.Second,
		},
		Topics: TopicsConfig{
			Door:         "zigbee2mqtt/door/contact",
			Telemetry:    "sensors/+/+/+",
			EventsPrefix: "doorsense/events",
		},
		Sensors: SensorsConfig{
			KnownIDs: []string{},
			TypeCodes: map[string]string{
				"3303": "temperature",
				"3304": "humidity",
				"3315": "pressure",
			},
			FreshnessWindow: 5 * time.Minute,
			NotifyCooldown:  60 * time.Second,
		},
		Energy: EnergyConfig{
			DoorSurfaceM2:       2.0,
			ThermalCoefficientU: 3.5,
			CostPerKwh:          0.174,
			CO2PerKwh:           56,
		},
		Weather: WeatherConfig{
			BaseURL:        "https://api.openweathermap.org",
			TTL:            10 * time.Minute,
			HTTPTimeout:    5 * time.Second,
			MaxAttempts:    3,
			RetryBaseDelay: 1 * time.Second,
		},
		Gamification: GamificationConfig{
			UserID:   1,
			UserName: "household",
			Timezone: "Local",
			SeedUser: true,
		},
		Database: DatabaseConfig{
			Path: "doorsense.db",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Location resolves the configured timezone
func (g GamificationConfig) Location() (*time.Location, error) {
	if g.Timezone == "" || g.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(g.Timezone)
}
