// Package sensors keeps the live per-sensor environment state and derives
// the indoor temperature and humidity averages from it.
package sensors

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/doorsense/controller/internal/bus"
	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
	"github.com/doorsense/controller/internal/protocol"
	"github.com/doorsense/controller/internal/storage"
)

// ReadingStore persists sensor snapshots
type ReadingStore interface {
	InsertSensorReading(ctx context.Context, r *storage.SensorReading) (int64, error)
}

// Config holds aggregator settings
type Config struct {
	KnownIDs        []string
	TypeCodes       map[string]protocol.MeasurementType
	FreshnessWindow time.Duration
	NotifyCooldown  time.Duration
}

// DefaultTypeCodes maps the IPSO object codes used in telemetry topics
func DefaultTypeCodes() map[string]protocol.MeasurementType {
	return map[string]protocol.MeasurementType{
		"3303": protocol.MeasurementTemperature,
		"3304": protocol.MeasurementHumidity,
		"3315": protocol.MeasurementPressure,
	}
}

// DefaultConfig returns default aggregator settings
func DefaultConfig() Config {
	return Config{
		TypeCodes:       DefaultTypeCodes(),
		FreshnessWindow: 5 * time.Minute,
		NotifyCooldown:  60 * time.Second,
	}
}

// State is the last known reading of one sensor
type State struct {
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Pressure    *float64  `json:"pressure,omitempty"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

func (s State) clone() State {
	c := State{LastUpdate: s.LastUpdate}
	if s.Temperature != nil {
		v := *s.Temperature
		c.Temperature = &v
	}
	if s.Humidity != nil {
		v := *s.Humidity
		c.Humidity = &v
	}
	if s.Pressure != nil {
		v := *s.Pressure
		c.Pressure = &v
	}
	return c
}

// Aggregator consumes telemetry messages for the known sensors
type Aggregator struct {
	config Config
	store  ReadingStore
	sink   events.Sink
	log    zerolog.Logger
	now    func() time.Time
	known  map[string]struct{}

	mu      sync.Mutex
	sensors map[string]*State
	limiter *rate.Limiter
}

// New creates an aggregator. A nil sink discards notifications. Type codes
// mapped to an unknown measurement are dropped.
func New(config Config, store ReadingStore, sink events.Sink) *Aggregator {
	log := logging.Component("sensors")
	if config.TypeCodes == nil {
		config.TypeCodes = DefaultTypeCodes()
	}
	if sink == nil {
		sink = events.Discard
	}

	codes := make(map[string]protocol.MeasurementType, len(config.TypeCodes))
	for code, mt := range config.TypeCodes {
		if !mt.Valid() {
			log.Warn().Str("code", code).Str("measurement", string(mt)).Msg("ignoring type code with unknown measurement")
			continue
		}
		codes[code] = mt
	}
	config.TypeCodes = codes

	if len(config.KnownIDs) == 0 {
		log.Warn().Msg("no known sensor ids configured, all telemetry will be dropped and indoor averages stay unavailable")
	}

	a := &Aggregator{
		config:  config,
		store:   store,
		sink:    sink,
		log:     log,
		now:     time.Now,
		known:   make(map[string]struct{}, len(config.KnownIDs)),
		sensors: make(map[string]*State),
		limiter: rate.NewLimiter(rate.Every(config.NotifyCooldown), 1),
	}
	for _, id := range config.KnownIDs {
		a.known[id] = struct{}{}
	}
	return a
}

// SetClock replaces the time source
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// HandleMessage implements bus.Handler. Unknown sensors, unmapped type codes
// and malformed payloads are dropped without error.
func (a *Aggregator) HandleMessage(ctx context.Context, msg bus.Message) error {
	topic, err := protocol.ParseTelemetryTopic(msg.Topic)
	if err != nil {
		a.drop(msg.Topic, err)
		return nil
	}
	if _, ok := a.known[topic.SensorID]; !ok {
		a.drop(msg.Topic, errors.New("unknown sensor"))
		return nil
	}
	mt, ok := a.config.TypeCodes[topic.TypeCode]
	if !ok {
		a.drop(msg.Topic, errors.New("unmapped type code"))
		return nil
	}
	value, err := protocol.DecodeMeasurement(msg.Payload, mt)
	if err != nil {
		a.drop(msg.Topic, err)
		return nil
	}

	now := a.now()
	snapshot := a.update(topic.SensorID, mt, value, now)
	metrics.SensorMeasurements.WithLabelValues("accepted").Inc()

	reading := &storage.SensorReading{
		SensorID:    topic.SensorID,
		Temperature: snapshot.Temperature,
		Humidity:    snapshot.Humidity,
		Pressure:    snapshot.Pressure,
		Timestamp:   now,
	}
	if _, err := a.store.InsertSensorReading(ctx, reading); err != nil {
		a.log.Error().Err(err).Str("sensor", topic.SensorID).Msg("failed to store sensor reading")
	}

	a.maybeNotify(ctx, now)
	return nil
}

func (a *Aggregator) drop(topic string, reason error) {
	metrics.SensorMeasurements.WithLabelValues("dropped").Inc()
	a.log.Debug().Str("topic", topic).Str("reason", reason.Error()).Msg("dropping telemetry message")
}

// update merges one measurement into the sensor state and returns a copy
func (a *Aggregator) update(sensorID string, mt protocol.MeasurementType, value float64, now time.Time) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sensors[sensorID]
	if !ok {
		s = &State{}
		a.sensors[sensorID] = s
	}
	v := value
	switch mt {
	case protocol.MeasurementTemperature:
		s.Temperature = &v
	case protocol.MeasurementHumidity:
		s.Humidity = &v
	case protocol.MeasurementPressure:
		s.Pressure = &v
	}
	s.LastUpdate = now
	return s.clone()
}

func (a *Aggregator) maybeNotify(ctx context.Context, now time.Time) {
	temp, okT := a.average(now, func(s *State) *float64 { return s.Temperature })
	hum, okH := a.average(now, func(s *State) *float64 { return s.Humidity })
	if !okT || !okH {
		return
	}

	a.mu.Lock()
	allowed := a.limiter.AllowN(now, 1)
	a.mu.Unlock()
	if !allowed {
		return
	}

	ev := events.New(events.TypeSensorDataUpdated, now, events.SensorDataUpdated{
		Temperature: temp,
		Humidity:    hum,
		Timestamp:   now,
	})
	if err := a.sink.Publish(ctx, ev); err != nil {
		a.log.Warn().Err(err).Msg("failed to publish sensor update")
	}
}

// AverageIndoorTemperature returns the mean temperature of all fresh sensors
func (a *Aggregator) AverageIndoorTemperature() (float64, bool) {
	return a.average(a.now(), func(s *State) *float64 { return s.Temperature })
}

// AverageIndoorHumidity returns the mean humidity of all fresh sensors
func (a *Aggregator) AverageIndoorHumidity() (float64, bool) {
	return a.average(a.now(), func(s *State) *float64 { return s.Humidity })
}

func (a *Aggregator) average(now time.Time, field func(*State) *float64) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sum float64
	var n int
	for _, s := range a.sensors {
		if now.Sub(s.LastUpdate) >= a.config.FreshnessWindow {
			continue
		}
		if v := field(s); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return round2(sum / float64(n)), true
}

// Snapshot returns a copy of every sensor's state keyed by sensor id
func (a *Aggregator) Snapshot() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]State, len(a.sensors))
	for id, s := range a.sensors {
		out[id] = s.clone()
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
