// Package bus owns the single MQTT connection of the controller and fans
// inbound messages out to handlers registered by topic pattern.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
	"github.com/doorsense/controller/internal/protocol"
)

// QoS levels
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// ErrNotConnected is returned by Publish while the broker connection is down
var ErrNotConnected = errors.New("bus: not connected")

// Config holds broker connection settings
type Config struct {
	BrokerURL         string // e.g. tcp://localhost:1883
	ClientID          string
	Username          string
	Password          string
	ConnectTimeout    time.Duration
	KeepAlive         time.Duration
	ReconnectInterval time.Duration // fixed delay between reconnect attempts
	PublishTimeout    time.Duration
	QueueSize         int // inbound messages buffered ahead of the dispatch worker
}

// DefaultConfig returns default broker settings
func DefaultConfig() Config {
	return Config{
		BrokerURL:         "tcp://localhost:1883",
		ClientID:          "doorsense-controller",
		ConnectTimeout:    4 * time.Second,
		KeepAlive:         60 * time.Second,
		ReconnectInterval: 1 * time.Second,
		PublishTimeout:    10 * time.Second,
		QueueSize:         256,
	}
}

// Message is a single inbound bus message
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler consumes messages for the patterns it is registered under.
// Handlers are kept in a set, so implementations must be comparable
// (typically a pointer).
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// Client wraps the paho MQTT client
type Client struct {
	config Config
	client mqtt.Client
	log    zerolog.Logger

	ctx      context.Context
	mu       sync.RWMutex
	handlers map[string]map[Handler]struct{}

	// inbound messages are handed from paho's router to a single worker
	queue     chan Message
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a bus client. No connection is attempted until Connect.
func New(config Config) *Client {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	c := &Client{
		config:   config,
		log:      logging.Component("bus"),
		ctx:      context.Background(),
		handlers: make(map[string]map[Handler]struct{}),
		queue:    make(chan Message, config.QueueSize),
		stop:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectInterval).
		SetMaxReconnectInterval(config.ReconnectInterval).
		SetConnectTimeout(config.ConnectTimeout).
		SetKeepAlive(config.KeepAlive).
		SetOrderMatters(true).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.log.Info().Str("broker", config.BrokerURL).Msg("reconnecting to broker")
		})
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the broker connection. Failure to reach the broker is not
// fatal: paho keeps retrying in the background at the configured interval
// and the client runs disconnected until then.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.startWorker()

	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.log.Warn().Str("broker", c.config.BrokerURL).Msg("broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		metrics.BusConnected.Set(0)
		return fmt.Errorf("connect to %s: %w", c.config.BrokerURL, err)
	}
	return nil
}

// Disconnect closes the connection, waiting up to quiesce for in-flight work,
// then lets the dispatch worker finish the messages already queued. The
// client cannot be connected again afterwards.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce / time.Millisecond))
	c.stopWorker()
	metrics.BusConnected.Set(0)
	c.log.Info().Msg("disconnected from broker")
}

// IsConnected reports whether the broker connection is currently up
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Subscribe registers h under pattern. Registering the same handler twice
// for a pattern has no effect.
func (c *Client) Subscribe(pattern string, h Handler) error {
	c.mu.Lock()
	set, exists := c.handlers[pattern]
	if !exists {
		set = make(map[Handler]struct{})
		c.handlers[pattern] = set
	}
	set[h] = struct{}{}
	c.mu.Unlock()

	if exists || !c.IsConnected() {
		return nil
	}
	return c.brokerSubscribe(pattern)
}

// Unsubscribe removes h from pattern. The broker subscription is dropped when
// the last handler for the pattern goes away.
func (c *Client) Unsubscribe(pattern string, h Handler) error {
	c.mu.Lock()
	set, ok := c.handlers[pattern]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(set, h)
	empty := len(set) == 0
	if empty {
		delete(c.handlers, pattern)
	}
	c.mu.Unlock()

	if !empty || !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(pattern)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", pattern)
	}
	return token.Error()
}

// Patterns returns the registered topic patterns in sorted order
func (c *Client) Patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for p := range c.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Publish sends payload to topic and waits for the broker acknowledgment
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, AtLeastOnce, false, payload)
	timer := time.NewTimer(c.config.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish %s: timeout after %s", topic, c.config.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync queues payload for topic and returns without waiting for the
// broker acknowledgment. Use it from message handlers so a slow broker does
// not stall dispatch.
func (c *Client) PublishAsync(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, AtLeastOnce, false, payload)
	go func() {
		if !token.WaitTimeout(c.config.PublishTimeout) {
			c.log.Warn().Str("topic", topic).Msg("publish not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
	return nil
}

// Dispatch delivers msg to every handler whose pattern matches its topic.
// A handler that fails or panics is logged and does not prevent the others
// from running.
func (c *Client) Dispatch(msg Message) {
	c.mu.RLock()
	ctx := c.ctx
	type target struct {
		pattern string
		handler Handler
	}
	var targets []target
	for pattern, set := range c.handlers {
		if !protocol.MatchTopic(msg.Topic, pattern) {
			continue
		}
		for h := range set {
			targets = append(targets, target{pattern, h})
		}
	}
	c.mu.RUnlock()

	for _, t := range targets {
		metrics.BusMessages.WithLabelValues(t.pattern).Inc()
		c.invoke(ctx, t.pattern, t.handler, msg)
	}
}

func (c *Client) invoke(ctx context.Context, pattern string, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerFailures.WithLabelValues("panic").Inc()
			c.log.Error().Str("topic", msg.Topic).Str("pattern", pattern).
				Interface("panic", r).Msg("message handler panicked")
		}
	}()

	if err := h.HandleMessage(ctx, msg); err != nil {
		metrics.BusHandlerFailures.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("topic", msg.Topic).Str("pattern", pattern).Msg("message handler failed")
	}
}

// onMessage runs on paho's router goroutine. Handlers publish and wait on
// storage, so dispatch happens on the worker and this only enqueues. A full
// queue blocks the router, which applies backpressure to the broker.
func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retained: m.Retained(),
	}
	select {
	case c.queue <- msg:
		return
	default:
	}

	c.log.Warn().Int("queued", len(c.queue)).Str("topic", msg.Topic).Msg("dispatch queue full, waiting")
	select {
	case c.queue <- msg:
	case <-c.stop:
		c.log.Warn().Str("topic", msg.Topic).Msg("dropping message received during shutdown")
	}
}

func (c *Client) startWorker() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

func (c *Client) stopWorker() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// run dispatches queued messages one at a time, in arrival order
func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.queue:
			c.Dispatch(msg)
		case <-c.stop:
			for {
				select {
				case msg := <-c.queue:
					c.Dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

// onConnect runs after every (re)connect and restores all subscriptions so
// retained and queued messages are redelivered.
func (c *Client) onConnect(mqtt.Client) {
	metrics.BusConnected.Set(1)
	c.log.Info().Str("broker", c.config.BrokerURL).Msg("connected to broker")

	for _, pattern := range c.Patterns() {
		if err := c.brokerSubscribe(pattern); err != nil {
			c.log.Error().Err(err).Str("pattern", pattern).Msg("resubscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	metrics.BusConnected.Set(0)
	c.log.Warn().Err(err).Msg("broker connection lost")
}

func (c *Client) brokerSubscribe(pattern string) error {
	token := c.client.Subscribe(pattern, AtLeastOnce, nil)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	c.log.Debug().Str("pattern", pattern).Msg("subscribed")
	return nil
}
