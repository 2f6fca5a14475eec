package offsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configuration files can say "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds the engine's tunables. Retry and interval settings are
// configuration, not contract: apps tune them per deployment.
type Config struct {
	// BaseURL is the remote sync API root. Required unless a custom
	// endpoint is supplied to the builder.
	BaseURL string `yaml:"base_url"`

	// ProbeURL, when set, enables active reachability probing. Without it
	// the engine assumes connectivity unless told otherwise.
	ProbeURL string `yaml:"probe_url"`

	// DatabasePath is the SQLite file backing the durable store. Required
	// unless a custom store is supplied to the builder.
	DatabasePath string `yaml:"database_path"`

	// MaxRetries caps automatic delivery attempts per operation.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the exponential backoff base.
	BaseDelay Duration `yaml:"base_delay"`

	// SyncInterval is the periodic background drain cadence.
	SyncInterval Duration `yaml:"sync_interval"`

	// RequestTimeout bounds each remote call.
	RequestTimeout Duration `yaml:"request_timeout"`

	// ProbeInterval is the reachability check cadence.
	ProbeInterval Duration `yaml:"probe_interval"`

	// QueueCodec selects the queue serialization format: "json" or
	// "msgpack".
	QueueCodec string `yaml:"queue_codec"`

	// ManualResolution lists entity types whose conflicts are never
	// auto-resolved.
	ManualResolution []string `yaml:"manual_resolution"`

	// EncryptedTypes lists entity types stored and transmitted as
	// ciphertext.
	EncryptedTypes []string `yaml:"encrypted_types"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		BaseDelay:      Duration(5 * time.Second),
		SyncInterval:   Duration(time.Minute),
		RequestTimeout: Duration(30 * time.Second),
		ProbeInterval:  Duration(30 * time.Second),
		QueueCodec:     "json",
	}
}

// LoadConfig reads a YAML config file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c Config) Validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", c.BaseDelay.Std())
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %s", c.SyncInterval.Std())
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout.Std())
	}
	switch c.QueueCodec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("queue_codec must be json or msgpack, got %q", c.QueueCodec)
	}
	return nil
}
