// Package engine provides the core of the door controller, routing bus
// messages through the tracker, aggregator, energy calculator and rule
// engine and fanning the resulting events out to realtime subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/doorsense/controller/internal/bus"
	"github.com/doorsense/controller/internal/config"
	"github.com/doorsense/controller/internal/door"
	"github.com/doorsense/controller/internal/energy"
	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/gamification"
	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/notify"
	"github.com/doorsense/controller/internal/protocol"
	"github.com/doorsense/controller/internal/sensors"
	"github.com/doorsense/controller/internal/storage"
	"github.com/doorsense/controller/internal/weather"
)

// Config holds engine configuration
type Config struct {
	DatabasePath    string
	ListenAddr      string // empty disables the HTTP listener
	DoorTopic       string
	TelemetryTopic  string
	EventsPrefix    string // empty disables republishing events on the bus
	UserName        string
	SeedUser        bool
	ShutdownTimeout time.Duration

	Bus          bus.Config
	Sensors      sensors.Config
	Energy       energy.Config
	Weather      weather.Config
	OpenWeather  weather.OpenWeatherConfig
	Gamification gamification.Config
	Hub          notify.Config
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "doorsense.db",
		ListenAddr:      ":8080",
		DoorTopic:       "zigbee2mqtt/door/contact",
		TelemetryTopic:  "sensors/+/+/+",
		EventsPrefix:    "doorsense/events",
		UserName:        "household",
		SeedUser:        true,
		ShutdownTimeout: 10 * time.Second,
		Bus:             bus.DefaultConfig(),
		Sensors:         sensors.DefaultConfig(),
		Energy:          energy.DefaultConfig(),
		Weather:         weather.DefaultConfig(),
		OpenWeather:     weather.DefaultOpenWeatherConfig(),
		Gamification:    gamification.DefaultConfig(),
		Hub:             notify.DefaultConfig(),
	}
}

// FromConfig maps the loaded application configuration onto the engine
func FromConfig(c *config.Config) (Config, error) {
	loc, err := c.Gamification.Location()
	if err != nil {
		return Config{}, fmt.Errorf("timezone: %w", err)
	}

	cfg := DefaultConfig()
	cfg.DatabasePath = c.Database.Path
	cfg.ListenAddr = c.HTTP.ListenAddr
	cfg.DoorTopic = c.Topics.Door
	cfg.TelemetryTopic = c.Topics.Telemetry
	cfg.EventsPrefix = c.Topics.EventsPrefix
	cfg.UserName = c.Gamification.UserName
	cfg.SeedUser = c.Gamification.SeedUser

	cfg.Bus.BrokerURL = c.Broker.URL
	cfg.Bus.ClientID = c.Broker.ClientID
	cfg.Bus.Username = c.Broker.Username
	cfg.Bus.Password = c.Broker.Password
	cfg.Bus.ConnectTimeout = c.Broker.ConnectTimeout
	cfg.Bus.KeepAlive = c.Broker.KeepAlive
	cfg.Bus.ReconnectInterval = c.Broker.ReconnectInterval

	cfg.Sensors.KnownIDs = c.Sensors.KnownIDs
	cfg.Sensors.FreshnessWindow = c.Sensors.FreshnessWindow
	cfg.Sensors.NotifyCooldown = c.Sensors.NotifyCooldown
	cfg.Sensors.TypeCodes = make(map[string]protocol.MeasurementType, len(c.Sensors.TypeCodes))
	for code, name := range c.Sensors.TypeCodes {
		cfg.Sensors.TypeCodes[code] = protocol.MeasurementType(name)
	}

	cfg.Energy = energy.Config{
		DoorSurfaceM2:       c.Energy.DoorSurfaceM2,
		ThermalCoefficientU: c.Energy.ThermalCoefficientU,
		CostPerKwh:          c.Energy.CostPerKwh,
		CO2PerKwh:           c.Energy.CO2PerKwh,
	}

	cfg.Weather = weather.Config{
		TTL:            c.Weather.TTL,
		MaxAttempts:    c.Weather.MaxAttempts,
		RetryBaseDelay: c.Weather.RetryBaseDelay,
	}
	cfg.OpenWeather.BaseURL = c.Weather.BaseURL
	cfg.OpenWeather.APIKey = c.Weather.APIKey
	cfg.OpenWeather.HTTPTimeout = c.Weather.HTTPTimeout
	if c.Weather.Configured() {
		lat, lon := c.Weather.Lat, c.Weather.Lon
		cfg.OpenWeather.Lat = &lat
		cfg.OpenWeather.Lon = &lon
	}

	cfg.Gamification = gamification.Config{
		UserID:   c.Gamification.UserID,
		Location: loc,
	}
	return cfg, nil
}

// Engine is the long-lived controller instance. Every piece of mutable
// state is owned by exactly one of its components.
type Engine struct {
	config Config
	log    zerolog.Logger

	db         *storage.DB
	bus        *bus.Client
	hub        *notify.Hub
	sink       events.Sink
	aggregator *sensors.Aggregator
	weather    *weather.Cache
	energy     *energy.Calculator
	rules      *gamification.Engine
	door       *door.Tracker

	cancel context.CancelFunc
	done   <-chan error
}

// New creates a new engine instance. Nothing touches the network until Start.
func New(config Config) (*Engine, error) {
	log := logging.Component("engine")

	// Open database
	db, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.SeedUser {
		u, err := db.EnsureUser(context.Background(), config.Gamification.UserID, config.UserName, gamification.LevelFor(0))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed user: %w", err)
		}
		log.Debug().Int64("user", u.ID).Int("points", u.Points).Str("level", u.Level).Msg("tracked user ready")
	}

	busClient := bus.New(config.Bus)
	hub := notify.NewHub(config.Hub)

	fanout := events.Fanout{hub}
	if config.EventsPrefix != "" {
		fanout = append(fanout, events.NewBusSink(busClient, config.EventsPrefix))
	}
	sink := events.Instrument(fanout)

	// A nil provider makes every fetch fail with ErrNotConfigured
	var provider weather.Provider
	if ow := weather.NewOpenWeather(config.OpenWeather); ow.Configured() {
		provider = ow
	} else {
		log.Warn().Msg("weather API key or coordinates missing, energy metrics disabled")
	}
	cache := weather.NewCache(provider, config.Weather)

	aggregator := sensors.New(config.Sensors, db, sink)
	calculator := energy.NewCalculator(config.Energy, db, aggregator, cache, sink)
	rules := gamification.New(config.Gamification, db, sink)
	tracker := door.NewTracker(db, calculator, rules, sink)

	return &Engine{
		config:     config,
		log:        log,
		db:         db,
		bus:        busClient,
		hub:        hub,
		sink:       sink,
		aggregator: aggregator,
		weather:    cache,
		energy:     calculator,
		rules:      rules,
		door:       tracker,
	}, nil
}

// Start restores the door state, registers the bus handlers, connects to
// the broker and starts the supervised services. An unreachable broker is
// not fatal.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.door.Restore(ctx); err != nil {
		e.log.Warn().Err(err).Msg("failed to restore door state")
	}

	if err := e.subscribe(); err != nil {
		return err
	}

	if err := e.bus.Connect(ctx); err != nil {
		e.log.Error().Err(err).Msg("broker connect failed, running disconnected")
	}

	sup := suture.New("doorsense", suture.Spec{
		EventHook: func(ev suture.Event) {
			e.log.Warn().Fields(ev.Map()).Msg(ev.String())
		},
		Timeout: e.config.ShutdownTimeout,
	})
	sup.Add(e.hub)
	if e.config.ListenAddr != "" {
		sup.Add(newHTTPService(e.config.ListenAddr, e.Handler(), e.config.ShutdownTimeout))
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = sup.ServeBackground(ctx)

	e.log.Info().
		Str("broker", e.config.Bus.BrokerURL).
		Str("door_topic", e.config.DoorTopic).
		Str("telemetry_topic", e.config.TelemetryTopic).
		Str("listen", e.config.ListenAddr).
		Msg("engine started")
	return nil
}

func (e *Engine) subscribe() error {
	if err := e.bus.Subscribe(e.config.DoorTopic, e.door); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", e.config.DoorTopic, err)
	}
	if err := e.bus.Subscribe(e.config.TelemetryTopic, e.aggregator); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", e.config.TelemetryTopic, err)
	}
	return nil
}

// Stop stops the engine
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
		select {
		case err := <-e.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn().Err(err).Msg("supervisor stopped with error")
			}
		case <-time.After(e.config.ShutdownTimeout):
			e.log.Warn().Msg("timed out waiting for services to stop")
		}
	}

	e.bus.Disconnect(250 * time.Millisecond)

	if err := e.db.Close(); err != nil {
		e.log.Error().Err(err).Msg("error closing database")
	}

	e.log.Info().Msg("engine stopped")
	return nil
}

// DoorState returns the current door state
func (e *Engine) DoorState() door.State {
	return e.door.State()
}

// Environment is a snapshot of the indoor sensor state
type Environment struct {
	IndoorTemperature *float64                 `json:"indoor_temperature"`
	IndoorHumidity    *float64                 `json:"indoor_humidity"`
	Sensors           map[string]sensors.State `json:"sensors"`
}

// Environment returns the current averages over fresh sensors and the
// last known state of each sensor
func (e *Engine) Environment() Environment {
	env := Environment{Sensors: e.aggregator.Snapshot()}
	if t, ok := e.aggregator.AverageIndoorTemperature(); ok {
		env.IndoorTemperature = &t
	}
	if h, ok := e.aggregator.AverageIndoorHumidity(); ok {
		env.IndoorHumidity = &h
	}
	return env
}

// Stats returns the gamification summary of the tracked user
func (e *Engine) Stats(ctx context.Context) (*gamification.Stats, error) {
	return e.rules.GetStats(ctx, e.rules.UserID())
}
