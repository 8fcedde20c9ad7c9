package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testOpenWeather(url string) *OpenWeather {
	lat, lon := 48.85, 2.35
	cfg := DefaultOpenWeatherConfig()
	cfg.BaseURL = url
	cfg.APIKey = "secret"
	cfg.Lat = &lat
	cfg.Lon = &lon
	cfg.HTTPTimeout = time.Second
	return NewOpenWeather(cfg)
}

func TestOpenWeatherRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/2.5/weather" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("lat") != "48.85" || q.Get("lon") != "2.35" || q.Get("appid") != "secret" || q.Get("units") != "metric" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"main":{"temp":7.31,"humidity":80},"name":"Paris"}`))
	}))
	defer srv.Close()

	temp, err := testOpenWeather(srv.URL).CurrentTemperature(context.Background())
	if err != nil {
		t.Fatalf("CurrentTemperature failed: %v", err)
	}
	if temp != 7.31 {
		t.Errorf("temp = %v, want 7.31", temp)
	}
}

func TestOpenWeatherErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http error", http.StatusUnauthorized, `{"cod":401}`, "API error 401"},
		{"missing temp", http.StatusOK, `{"main":{}}`, "no main.temp"},
		{"bad json", http.StatusOK, `{`, "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := testOpenWeather(srv.URL).CurrentTemperature(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestOpenWeatherThroughCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"main":{"temp":-3}}`))
	}))
	defer srv.Close()

	c := NewCache(testOpenWeather(srv.URL), DefaultConfig())
	for i := 0; i < 3; i++ {
		r, err := c.OutdoorTemperature(context.Background())
		if err != nil || r.Temperature != -3 {
			t.Fatalf("lookup %d = %+v, %v", i, r, err)
		}
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}
