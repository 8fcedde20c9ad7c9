package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/doorsense/controller/internal/bus"
	"github.com/doorsense/controller/internal/config"
	"github.com/doorsense/controller/internal/gamification"
	"github.com/doorsense/controller/internal/protocol"
)

// testClock is shared by every component of a test engine
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T, weatherURL string) (*Engine, *testClock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "doorsense.db")
	cfg.ListenAddr = ""
	cfg.Sensors.KnownIDs = []string{"kitchen", "hall"}
	cfg.Gamification.Location = time.UTC
	cfg.Weather.RetryBaseDelay = 0
	if weatherURL != "" {
		lat, lon := 48.85, 2.35
		cfg.OpenWeather.BaseURL = weatherURL
		cfg.OpenWeather.APIKey = "test-key"
		cfg.OpenWeather.Lat = &lat
		cfg.OpenWeather.Lon = &lon
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.db.Close() })

	clock := &testClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	e.aggregator.SetClock(clock.now)
	e.door.SetClock(clock.now)
	e.rules.SetClock(clock.now)

	if err := e.subscribe(); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return e, clock
}

func weatherServer(t *testing.T, temp float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"main": map[string]any{"temp": temp}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sendDoor(e *Engine, open bool) {
	e.bus.Dispatch(bus.Message{Topic: e.config.DoorTopic, Payload: protocol.EncodeDoorState(open)})
}

func sendTemperature(e *Engine, sensorID string, value float64) {
	e.bus.Dispatch(bus.Message{
		Topic:   "sensors/gw-1/" + sensorID + "/3303",
		Payload: protocol.EncodeMeasurement(protocol.MeasurementTemperature, value),
	})
}

func TestDoorCyclePipeline(t *testing.T) {
	srv := weatherServer(t, 10)
	e, clock := newTestEngine(t, srv.URL)
	ctx := context.Background()

	sendTemperature(e, "kitchen", 21)
	sendDoor(e, true)
	if !e.DoorState().IsOpen {
		t.Fatal("door should be open")
	}
	clock.advance(5 * time.Second)
	sendDoor(e, false)

	if e.DoorState().IsOpen {
		t.Fatal("door should be closed")
	}

	states, err := e.db.RecentDoorStates(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDoorStates failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 door records, got %d", len(states))
	}
	opening := states[1]
	if !opening.IsOpen || opening.DurationSeconds == nil || *opening.DurationSeconds != 5 {
		t.Errorf("opening record = %+v", opening)
	}

	metrics, err := e.db.RecentEnergyMetrics(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEnergyMetrics failed: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected 1 energy metric, got %d", len(metrics))
	}
	m := metrics[0]
	if m.DoorStateID != opening.ID || m.DeltaT != 11 || m.DurationSeconds != 5 {
		t.Errorf("energy metric = %+v", m)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := gamification.QuickClosePoints + gamification.DailyOptimalPoints
	if stats.Points != want || stats.QuickCloseCount != 1 || stats.DailyStreak != 1 {
		t.Errorf("stats = %+v, want %d points", stats, want)
	}
	held := map[string]bool{}
	for _, b := range stats.Badges {
		held[b.BadgeType] = true
	}
	if !held[gamification.BadgeEnergySaver] || held[gamification.BadgeFirstWeek] {
		t.Errorf("badges = %+v", stats.Badges)
	}
}

func TestRepeatedDoorSignalIgnored(t *testing.T) {
	e, clock := newTestEngine(t, "")
	ctx := context.Background()

	// the door starts closed, so this changes nothing
	sendDoor(e, false)
	states, err := e.db.RecentDoorStates(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDoorStates failed: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no door records, got %d", len(states))
	}

	sendDoor(e, true)
	clock.advance(time.Second)
	sendDoor(e, false)
	sendDoor(e, false)

	states, err = e.db.RecentDoorStates(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDoorStates failed: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("expected 2 door records, got %d", len(states))
	}
	for _, s := range states {
		if !s.IsOpen {
			continue
		}
		if s.DurationSeconds == nil || *s.DurationSeconds != 1 {
			t.Errorf("opening record = %+v, want duration 1", s)
		}
	}
}

func TestCloseWithoutWeatherSkipsEnergy(t *testing.T) {
	e, clock := newTestEngine(t, "")
	ctx := context.Background()

	sendTemperature(e, "kitchen", 21)
	sendDoor(e, true)
	clock.advance(20 * time.Second)
	sendDoor(e, false)

	metrics, err := e.db.RecentEnergyMetrics(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEnergyMetrics failed: %v", err)
	}
	if len(metrics) != 0 {
		t.Errorf("expected no energy metrics, got %d", len(metrics))
	}

	// rules still run
	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Points != gamification.DailyOptimalPoints {
		t.Errorf("points = %d, want %d", stats.Points, gamification.DailyOptimalPoints)
	}
}

func TestEnvironmentAverages(t *testing.T) {
	e, _ := newTestEngine(t, "")

	sendTemperature(e, "kitchen", 20)
	sendTemperature(e, "hall", 25)
	sendTemperature(e, "attic", 40) // unknown sensor

	env := e.Environment()
	if env.IndoorTemperature == nil || *env.IndoorTemperature != 22.5 {
		t.Errorf("indoor temperature = %v", env.IndoorTemperature)
	}
	if env.IndoorHumidity != nil {
		t.Errorf("indoor humidity = %v, want none", *env.IndoorHumidity)
	}
	if len(env.Sensors) != 2 {
		t.Errorf("sensors = %v", env.Sensors)
	}
}

func TestRestoreOpenDoor(t *testing.T) {
	e, clock := newTestEngine(t, "")
	sendDoor(e, true)
	openedAt := clock.t

	// a second engine over the same database picks up the open interval
	cfg := e.config
	cfg.SeedUser = false
	e2, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e2.db.Close()
	if err := e2.door.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	st := e2.DoorState()
	if !st.IsOpen || !st.OpenedAt.Equal(openedAt) || st.OpenRecordID == 0 {
		t.Errorf("restored state = %+v", st)
	}
}

func TestStatsWithoutUser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "doorsense.db")
	cfg.SeedUser = false
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.db.Close()

	if _, err := e.Stats(context.Background()); !errors.Is(err, gamification.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := newTestEngine(t, "")
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while disconnected", resp.StatusCode)
	}
	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if h.Status != "degraded" || h.BusConnected {
		t.Errorf("health = %+v", h)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func TestStartStopWithoutBroker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "doorsense.db")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Bus.BrokerURL = "tcp://127.0.0.1:1"
	cfg.Bus.ConnectTimeout = 100 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := e.bus.Patterns(); len(got) != 2 {
		t.Errorf("patterns = %v", got)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Weather.APIKey = "abc"
	c.Weather.Lat = 50.1
	c.Weather.Lon = 8.6
	c.Gamification.Timezone = "Europe/Berlin"
	c.Sensors.KnownIDs = []string{"kitchen"}

	cfg, err := FromConfig(c)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if cfg.OpenWeather.Lat == nil || *cfg.OpenWeather.Lat != 50.1 || cfg.OpenWeather.APIKey != "abc" {
		t.Errorf("open weather = %+v", cfg.OpenWeather)
	}
	if cfg.Gamification.Location.String() != "Europe/Berlin" {
		t.Errorf("location = %v", cfg.Gamification.Location)
	}
	if cfg.Sensors.TypeCodes["3304"] != protocol.MeasurementHumidity {
		t.Errorf("type codes = %v", cfg.Sensors.TypeCodes)
	}
	if cfg.Bus.BrokerURL != c.Broker.URL || cfg.DoorTopic != c.Topics.Door {
		t.Errorf("bus/topics not mapped: %+v", cfg)
	}

	c.Weather.Lat, c.Weather.Lon = 0, 0
	cfg, err = FromConfig(c)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if cfg.OpenWeather.Lat != nil {
		t.Error("zero coordinates should leave the provider unconfigured")
	}
}
