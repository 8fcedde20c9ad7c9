package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doorsense.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
broker:
  url: tcp://broker.lan:1883
  keep_alive: 30s
sensors:
  known_ids: [kitchen, hall]
energy:
  cost_per_kwh: 0.25
weather:
  api_key: from-file
  lat: 48.85
  lon: 2.35
gamification:
  timezone: Europe/Paris
`)
	t.Setenv("DOORSENSE_WEATHER__API_KEY", "from-env")
	t.Setenv("DOORSENSE_WEATHER__MAX_ATTEMPTS", "5")
	t.Setenv("DOORSENSE_LOGGING__LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Broker.URL != "tcp://broker.lan:1883" || cfg.Broker.KeepAlive != 30*time.Second {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Broker.ConnectTimeout != 4*time.Second {
		t.Errorf("unset keys should keep defaults, connect_timeout = %v", cfg.Broker.ConnectTimeout)
	}
	if len(cfg.Sensors.KnownIDs) != 2 || cfg.Sensors.KnownIDs[1] != "hall" {
		t.Errorf("known_ids = %v", cfg.Sensors.KnownIDs)
	}
	if cfg.Sensors.TypeCodes["3303"] != "temperature" {
		t.Errorf("type_codes = %v", cfg.Sensors.TypeCodes)
	}
	if cfg.Energy.CostPerKwh != 0.25 || cfg.Energy.DoorSurfaceM2 != 2.0 {
		t.Errorf("energy = %+v", cfg.Energy)
	}
	if cfg.Weather.APIKey != "from-env" || cfg.Weather.MaxAttempts != 5 {
		t.Errorf("env overrides not applied: %+v", cfg.Weather)
	}
	if !cfg.Weather.Configured() {
		t.Error("weather should be configured")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %s", cfg.Logging.Level)
	}
	loc, err := cfg.Gamification.Location()
	if err != nil || loc.String() != "Europe/Paris" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestEnvSliceSplitting(t *testing.T) {
	t.Setenv("DOORSENSE_SENSORS__KNOWN_IDS", "a, b,,c")
	cfg, err := Load(writeFile(t, "{}"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := strings.Join(cfg.Sensors.KnownIDs, "|"); got != "a|b|c" {
		t.Errorf("known_ids = %q", got)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative surface", "energy:\n  door_surface_m2: -1\n", "DoorSurfaceM2"},
		{"bad type code", "sensors:\n  type_codes:\n    \"9999\": wind\n", "TypeCodes"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"bad timezone", "gamification:\n  timezone: Mars/Olympus\n", "timezone"},
		{"zero attempts", "weather:\n  max_attempts: 0\n", "MaxAttempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestDumpMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Broker.Password = "hunter2"
	cfg.Weather.APIKey = "abc123"

	out, err := cfg.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "hunter2") || strings.Contains(s, "abc123") {
		t.Errorf("secrets leaked:\n%s", s)
	}
	if !strings.Contains(s, "door_surface_m2") || !strings.Contains(s, "10m0s") {
		t.Errorf("dump missing expected keys:\n%s", s)
	}
}
