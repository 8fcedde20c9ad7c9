// Package weather provides the current outdoor temperature with TTL caching,
// coalescing of concurrent lookups, bounded retry and stale-cache fallback.
package weather

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
)

// Source tells where a reading came from
type Source string

const (
	SourceCache Source = "cache"
	SourceAPI   Source = "api"
)

var (
	// ErrNotConfigured is returned when the provider lacks an API key or
	// coordinates. It is not retried.
	ErrNotConfigured = errors.New("weather: provider not configured")

	// ErrUnavailable matches every UnavailableError
	ErrUnavailable = errors.New("weather: outdoor temperature unavailable")
)

// UnavailableError is returned when every attempt failed and nothing is
// cached. Err is the last attempt's error.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("weather unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Reading is an outdoor temperature in °C
type Reading struct {
	Temperature float64   `json:"temperature"`
	Source      Source    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// Provider fetches the current outdoor temperature from a remote service
type Provider interface {
	CurrentTemperature(ctx context.Context) (float64, error)
}

// Config holds cache settings
type Config struct {
	TTL            time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration // doubled after each failed attempt
}

// DefaultConfig returns default cache settings
func DefaultConfig() Config {
	return Config{
		TTL:            10 * time.Minute,
		MaxAttempts:    3,
		RetryBaseDelay: 1 * time.Second,
	}
}

type entry struct {
	temperature float64
	timestamp   time.Time
}

// Cache serves outdoor temperature lookups
type Cache struct {
	provider Provider
	config   Config
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	group singleflight.Group

	mu    sync.Mutex
	entry *entry
}

// NewCache creates a cache in front of provider
func NewCache(provider Provider, config Config) *Cache {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Cache{
		provider: provider,
		config:   config,
		log:      logging.Component("weather"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetClock replaces the time source
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cached returns the last successful reading regardless of its age
func (c *Cache) Cached() (Reading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Reading{}, false
	}
	return Reading{Temperature: c.entry.temperature, Source: SourceCache, Timestamp: c.entry.timestamp}, true
}

// fresh returns the cached reading if it is younger than the TTL
func (c *Cache) fresh() (Reading, bool) {
	r, ok := c.Cached()
	if !ok || c.now().Sub(r.Timestamp) >= c.config.TTL {
		return Reading{}, false
	}
	return r, true
}

// OutdoorTemperature returns a fresh cached reading if there is one, and
// otherwise joins or starts a remote fetch. Concurrent callers during a miss
// share a single fetch and its result.
func (c *Cache) OutdoorTemperature(ctx context.Context) (Reading, error) {
	if r, ok := c.fresh(); ok {
		metrics.WeatherRequests.WithLabelValues("cache").Inc()
		return r, nil
	}

	// The shared fetch must not be cancelled by whichever caller started it.
	v, err, _ := c.group.Do("outdoor", func() (interface{}, error) {
		// a fetch may have completed between the check above and Do
		if r, ok := c.fresh(); ok {
			metrics.WeatherRequests.WithLabelValues("cache").Inc()
			return r, nil
		}
		return c.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Reading{}, err
	}
	return v.(Reading), nil
}

func (c *Cache) fetch(ctx context.Context) (Reading, error) {
	if c.provider == nil {
		return Reading{}, ErrNotConfigured
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		temp, err := c.provider.CurrentTemperature(ctx)
		if err == nil {
			metrics.WeatherFetchAttempts.WithLabelValues("success").Inc()
			metrics.WeatherRequests.WithLabelValues("api").Inc()

			now := c.now()
			c.mu.Lock()
			c.entry = &entry{temperature: temp, timestamp: now}
			c.mu.Unlock()
			return Reading{Temperature: temp, Source: SourceAPI, Timestamp: now}, nil
		}
		if errors.Is(err, ErrNotConfigured) {
			return Reading{}, err
		}

		metrics.WeatherFetchAttempts.WithLabelValues("failure").Inc()
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.config.MaxAttempts).
			Msg("outdoor temperature fetch failed")

		if attempt < c.config.MaxAttempts {
			delay := c.config.RetryBaseDelay * time.Duration(1<<(attempt-1))
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	if r, ok := c.Cached(); ok {
		metrics.WeatherRequests.WithLabelValues("fallback").Inc()
		c.log.Warn().Time("cached_at", r.Timestamp).Msg("serving stale outdoor temperature")
		return r, nil
	}
	metrics.WeatherRequests.WithLabelValues("unavailable").Inc()
	return Reading{}, &UnavailableError{Err: lastErr}
}
