package energy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/storage"
	"github.com/doorsense/controller/internal/weather"
)

func TestCompute(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name            string
		indoor, outdoor float64
		duration        int64
		want            Result
	}{
		{"one hour", 20, 10, 3600, Result{DeltaT: 10, EnergyLossWatts: 70.00, CostEuros: 0.0122, CO2Grams: 3.92}},
		{"outdoor warmer", 15, 25, 3600, Result{DeltaT: -10, EnergyLossWatts: -70.00, CostEuros: -0.0122, CO2Grams: -3.92}},
		{"zero duration", 21, 3, 0, Result{DeltaT: 18}},
		{"short opening", 21.456, 4.2, 30, Result{DeltaT: 17.26, EnergyLossWatts: 1.01, CostEuros: 0.0002, CO2Grams: 0.06}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.Compute(tt.indoor, tt.outdoor, tt.duration)
			if got != tt.want {
				t.Errorf("Compute(%v, %v, %d) = %+v, want %+v", tt.indoor, tt.outdoor, tt.duration, got, tt.want)
			}
		})
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		x      float64
		digits int
		want   float64
	}{
		{1.005, 2, 1.0}, // stored just below the half
		{2.675, 2, 2.68},
		{0.125, 2, 0.13},
		{-0.125, 2, -0.13},
		{0.00015, 4, 0.0001},
	}
	for _, tt := range tests {
		if got := Round(tt.x, tt.digits); got != tt.want {
			t.Errorf("Round(%v, %d) = %v, want %v", tt.x, tt.digits, got, tt.want)
		}
	}
}

type fakeStore struct {
	doors     map[int64]*storage.DoorState
	metrics   []*storage.EnergyMetric
	insertErr error
}

func (f *fakeStore) GetDoorState(_ context.Context, id int64) (*storage.DoorState, error) {
	d, ok := f.doors[id]
	if !ok {
		return nil, fmt.Errorf("door state %d: %w", id, storage.ErrNotFound)
	}
	return d, nil
}

func (f *fakeStore) InsertEnergyMetric(_ context.Context, m *storage.EnergyMetric) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.metrics = append(f.metrics, m)
	return int64(len(f.metrics)), nil
}

type indoor struct {
	temp float64
	ok   bool
}

func (i indoor) AverageIndoorTemperature() (float64, bool) { return i.temp, i.ok }

type outdoor struct {
	temp float64
	err  error
}

func (o outdoor) OutdoorTemperature(context.Context) (weather.Reading, error) {
	if o.err != nil {
		return weather.Reading{}, o.err
	}
	return weather.Reading{Temperature: o.temp, Source: weather.SourceAPI}, nil
}

type recordingSink struct {
	events []events.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func newStore() *fakeStore {
	return &fakeStore{doors: map[int64]*storage.DoorState{7: {ID: 7, IsOpen: true}}}
}

func TestCalculatePersistsAndEmits(t *testing.T) {
	store := newStore()
	sink := &recordingSink{}
	c := NewCalculator(DefaultConfig(), store, indoor{20, true}, outdoor{temp: 10}, sink)
	closedAt := time.Date(2026, 1, 3, 18, 0, 0, 0, time.UTC)

	if err := c.Calculate(context.Background(), 7, 3600, closedAt); err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if len(store.metrics) != 1 {
		t.Fatalf("stored %d metrics, want 1", len(store.metrics))
	}
	m := store.metrics[0]
	if m.DoorStateID != 7 || m.EnergyLossWatts != 70 || m.IndoorTemp != 20 || m.OutdoorTemp != 10 ||
		m.DeltaT != 10 || m.DurationSeconds != 3600 || !m.Timestamp.Equal(closedAt) {
		t.Errorf("unexpected metric %+v", m)
	}

	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sink.events))
	}
	data := sink.events[0].Data.(events.EnergyMetricCreated)
	if data.DoorStateID != 7 || data.CostEuros != 0.0122 || data.CO2Grams != 3.92 {
		t.Errorf("unexpected event payload %+v", data)
	}
}

func TestCalculateSkipsMissingPrerequisites(t *testing.T) {
	tests := []struct {
		name    string
		indoor  indoor
		outdoor outdoor
		id      int64
	}{
		{"no indoor average", indoor{}, outdoor{temp: 5}, 7},
		{"weather unavailable", indoor{21, true}, outdoor{err: &weather.UnavailableError{Err: errors.New("timeout")}}, 7},
		{"unknown opening", indoor{21, true}, outdoor{temp: 5}, 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			sink := &recordingSink{}
			c := NewCalculator(DefaultConfig(), store, tt.indoor, tt.outdoor, sink)

			if err := c.Calculate(context.Background(), tt.id, 60, time.Now()); err != nil {
				t.Errorf("skip should not be an error, got %v", err)
			}
			if len(store.metrics) != 0 || len(sink.events) != 0 {
				t.Errorf("skip produced %d metrics and %d events", len(store.metrics), len(sink.events))
			}
		})
	}
}

func TestInsertFailureSuppressesEvent(t *testing.T) {
	store := newStore()
	store.insertErr = errors.New("disk I/O error")
	sink := &recordingSink{}
	c := NewCalculator(DefaultConfig(), store, indoor{20, true}, outdoor{temp: 10}, sink)

	if err := c.Calculate(context.Background(), 7, 60, time.Now()); err == nil {
		t.Error("expected store error")
	}
	if len(sink.events) != 0 {
		t.Error("event must not be emitted for an unsaved metric")
	}
}

func TestEmitFailureKeepsMetric(t *testing.T) {
	store := newStore()
	sink := &recordingSink{err: errors.New("hub closed")}
	c := NewCalculator(DefaultConfig(), store, indoor{20, true}, outdoor{temp: 10}, sink)

	if err := c.Calculate(context.Background(), 7, 60, time.Now()); err != nil {
		t.Errorf("emit failure should not fail the calculation, got %v", err)
	}
	if len(store.metrics) != 1 {
		t.Errorf("metric should stay stored, got %d", len(store.metrics))
	}
}
