package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Publisher is the subset of the bus client used to republish events.
// Events are produced inside bus handlers, so publishing must not wait for
// the broker acknowledgment.
type Publisher interface {
	PublishAsync(topic string, payload []byte) error
}

// BusSink republishes domain events on the message bus under
// <prefix>/<event type>.
type BusSink struct {
	pub    Publisher
	prefix string
}

// NewBusSink creates a bus-backed sink
func NewBusSink(pub Publisher, prefix string) *BusSink {
	return &BusSink{pub: pub, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic returns the topic an event of type t is published on
func (s *BusSink) Topic(t Type) string {
	return s.prefix + "/" + string(t)
}

// Publish implements Sink
func (s *BusSink) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	if err := s.pub.PublishAsync(s.Topic(ev.Type), payload); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}
