package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/doorsense/controller/internal/logging"
)

// OpenWeatherConfig holds OpenWeatherMap settings
type OpenWeatherConfig struct {
	BaseURL     string // https://api.openweathermap.org
	APIKey      string
	Lat         *float64
	Lon         *float64
	HTTPTimeout time.Duration
}

// DefaultOpenWeatherConfig returns default OpenWeatherMap settings
func DefaultOpenWeatherConfig() OpenWeatherConfig {
	return OpenWeatherConfig{
		BaseURL:     "https://api.openweathermap.org",
		HTTPTimeout: 5 * time.Second,
	}
}

// currentWeather is the subset of the /data/2.5/weather response we read
type currentWeather struct {
	Main *struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
}

// OpenWeather implements Provider against the OpenWeatherMap current
// weather endpoint. Calls go through a circuit breaker that opens after a
// run of consecutive failures.
type OpenWeather struct {
	config     OpenWeatherConfig
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[float64]
}

// NewOpenWeather creates an OpenWeatherMap provider
func NewOpenWeather(config OpenWeatherConfig) *OpenWeather {
	log := logging.Component("weather")
	cb := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "openweathermap",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotConfigured)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &OpenWeather{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		cb: cb,
	}
}

// Configured reports whether an API key and coordinates are present
func (o *OpenWeather) Configured() bool {
	return o.config.APIKey != "" && o.config.Lat != nil && o.config.Lon != nil
}

// CurrentTemperature implements Provider
func (o *OpenWeather) CurrentTemperature(ctx context.Context) (float64, error) {
	if !o.Configured() {
		return 0, ErrNotConfigured
	}
	return o.cb.Execute(func() (float64, error) {
		return o.getTemperature(ctx)
	})
}

func (o *OpenWeather) getTemperature(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(*o.config.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(*o.config.Lon, 'f', -1, 64))
	q.Set("appid", o.config.APIKey)
	q.Set("units", "metric")
	endpoint := o.config.BaseURL + "/data/2.5/weather?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var w currentWeather
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if w.Main == nil || w.Main.Temp == nil {
		return 0, errors.New("response has no main.temp")
	}
	return *w.Main.Temp, nil
}
