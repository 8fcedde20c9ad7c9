// Package door turns the raw door contact signal into persisted open/close
// transitions and drives the energy and gamification steps on every close.
package door

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doorsense/controller/internal/bus"
	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
	"github.com/doorsense/controller/internal/protocol"
	"github.com/doorsense/controller/internal/storage"
)

// Store persists door transitions
type Store interface {
	InsertDoorState(ctx context.Context, d *storage.DoorState) (int64, error)
	SetDoorStateDuration(ctx context.Context, id int64, seconds int64) error
	LatestDoorState(ctx context.Context) (*storage.DoorState, error)
}

// EnergyCalculator is invoked for every close of a persisted opening
type EnergyCalculator interface {
	Calculate(ctx context.Context, doorStateID int64, durationSeconds int64, closedAt time.Time) error
}

// RuleEngine is invoked for every close
type RuleEngine interface {
	OnDoorClosed(ctx context.Context, durationSeconds int64) error
}

// State is the current door state. OpenedAt and OpenRecordID are only set
// while the door is open; OpenRecordID stays zero if the opening could not
// be persisted.
type State struct {
	IsOpen       bool      `json:"isOpen"`
	OpenedAt     time.Time `json:"openedAt,omitempty"`
	OpenRecordID int64     `json:"openRecordId,omitempty"`
}

// Tracker consumes door contact messages
type Tracker struct {
	store  Store
	energy EnergyCalculator
	rules  RuleEngine
	sink   events.Sink
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State // closed until the first opening or a restore
}

// NewTracker creates a tracker. energy and rules may be nil.
func NewTracker(store Store, energy EnergyCalculator, rules RuleEngine, sink events.Sink) *Tracker {
	if sink == nil {
		sink = events.Discard
	}
	return &Tracker{
		store:  store,
		energy: energy,
		rules:  rules,
		sink:   sink,
		log:    logging.Component("door"),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// State returns a copy of the current door state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Restore loads the current state from the most recent persisted transition.
// An empty history leaves the door closed.
func (t *Tracker) Restore(ctx context.Context) error {
	latest, err := t.store.LatestDoorState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if latest.IsOpen {
		t.state = State{IsOpen: true, OpenedAt: latest.Timestamp, OpenRecordID: latest.ID}
	} else {
		t.state = State{}
	}
	t.log.Info().Bool("open", t.state.IsOpen).Int64("record", latest.ID).Msg("restored door state")
	return nil
}

// closing describes a completed open interval
type closing struct {
	recordID int64
	duration int64
	at       time.Time
}

// HandleMessage implements bus.Handler. Malformed payloads and repeats of the
// current state are ignored.
func (t *Tracker) HandleMessage(ctx context.Context, msg bus.Message) error {
	open, err := protocol.DecodeDoorState(msg.Payload)
	if err != nil {
		t.log.Debug().Err(err).Str("topic", msg.Topic).Msg("dropping door message")
		return nil
	}

	now := t.now()
	closed, changed := t.transition(ctx, open, now)
	if !changed {
		return nil
	}

	ev := events.New(events.TypeDoorStateChanged, now, events.DoorStateChanged{IsOpen: open, Timestamp: now})
	if err := t.sink.Publish(ctx, ev); err != nil {
		t.log.Warn().Err(err).Msg("failed to publish door state change")
	}

	if closed != nil {
		t.afterClose(ctx, *closed)
	}
	return nil
}

// transition updates the in-memory state and persists the transition.
// Persistence failures are logged; the state change stands.
func (t *Tracker) transition(ctx context.Context, open bool, now time.Time) (*closing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if open == t.state.IsOpen {
		return nil, false
	}
	prev := t.state

	if open {
		t.state = State{IsOpen: true, OpenedAt: now}
		metrics.DoorTransitions.WithLabelValues("open").Inc()

		id, err := t.store.InsertDoorState(ctx, &storage.DoorState{IsOpen: true, Timestamp: now})
		if err != nil {
			t.log.Error().Err(err).Msg("failed to store door opening")
			return nil, true
		}
		t.state.OpenRecordID = id
		t.log.Info().Int64("record", id).Msg("door opened")
		return nil, true
	}

	t.state = State{}
	metrics.DoorTransitions.WithLabelValues("closed").Inc()

	c := &closing{
		recordID: prev.OpenRecordID,
		duration: int64(now.Sub(prev.OpenedAt) / time.Second),
		at:       now,
	}
	if c.recordID != 0 {
		if err := t.store.SetDoorStateDuration(ctx, c.recordID, c.duration); err != nil {
			t.log.Error().Err(err).Int64("record", c.recordID).Msg("failed to backfill open duration")
		}
	}

	if _, err := t.store.InsertDoorState(ctx, &storage.DoorState{IsOpen: false, Timestamp: now}); err != nil {
		t.log.Error().Err(err).Msg("failed to store door closing")
	}

	t.log.Info().Int64("duration_s", c.duration).Int64("opening", c.recordID).Msg("door closed")
	return c, true
}

// afterClose runs the energy calculation and then the rules. Neither can
// affect the door state.
func (t *Tracker) afterClose(ctx context.Context, c closing) {
	if t.energy != nil {
		if c.recordID == 0 {
			t.log.Warn().Msg("opening was not persisted, skipping energy calculation")
		} else if err := t.energy.Calculate(ctx, c.recordID, c.duration, c.at); err != nil {
			t.log.Error().Err(err).Int64("opening", c.recordID).Msg("energy calculation failed")
		}
	}
	if t.rules != nil {
		if err := t.rules.OnDoorClosed(ctx, c.duration); err != nil {
			t.log.Error().Err(err).Msg("rule evaluation failed")
		}
	}
}
