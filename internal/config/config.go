// Package config loads client connection settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost              = "localhost:8080"
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 45 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the settings of one realtime connection.
type Config struct {
	// Host is host[:port] of the realtime server.
	Host string `yaml:"host"`
	// Namespace is the database namespace sent as ns.
	Namespace string `yaml:"namespace"`
	// LastSessionID is sent as ls when resuming after a previous session.
	LastSessionID string `yaml:"last_session_id"`
	// Secure selects wss:// over ws://.
	Secure bool `yaml:"secure"`

	DialTimeout       Duration `yaml:"dial_timeout"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`

	// MetricsAddr, when set, exposes /metrics from the CLIs.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns a wss:// config for DefaultHost. Local plain-text servers
// need Secure set to false.
func Default() Config {
	return Config{
		Host:              DefaultHost,
		Namespace:         "default",
		Secure:            true,
		DialTimeout:       Duration{DefaultDialTimeout},
		KeepaliveInterval: Duration{DefaultKeepaliveInterval},
	}
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default() with no error.
// Keys missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot be used to connect.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	case c.Namespace == "":
		return fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	case c.DialTimeout.Duration < 0:
		return fmt.Errorf("%w: dial_timeout must not be negative", ErrInvalidConfig)
	case c.KeepaliveInterval.Duration <= 0:
		return fmt.Errorf("%w: keepalive_interval must be positive", ErrInvalidConfig)
	}
	return nil
}
