package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override. Nested keys are joined
// with a double underscore: DOORSENSE_BROKER__URL sets broker.url.
const EnvPrefix = "DOORSENSE_"

// PathEnvVar names the environment variable holding the config file path
const PathEnvVar = "DOORSENSE_CONFIG"

// DefaultPaths are searched when no path is given
var DefaultPaths = []string{
	"doorsense.yaml",
	"doorsense.yml",
	"/etc/doorsense/config.yaml",
}

// comma-separated values are accepted for these keys when set from env
var sliceKeys = []string{
	"sensors.known_ids",
}

// Load builds the configuration. An explicit path must exist; otherwise the
// file is optional.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps DOORSENSE_WEATHER__API_KEY to weather.api_key
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks field constraints and the timezone
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if _, err := c.Gamification.Location(); err != nil {
		return fmt.Errorf("gamification.timezone: %w", err)
	}
	return nil
}

// Dump renders the configuration as YAML with secrets masked
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	if masked.Broker.Password != "" {
		masked.Broker.Password = "********"
	}
	if masked.Weather.APIKey != "" {
		masked.Weather.APIKey = "********"
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(&masked, "koanf"), nil); err != nil {
		return nil, err
	}
	return yamlv3.Marshal(k.Raw())
}
