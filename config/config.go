package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so tunables can be written as "100ms" or
// "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config carries every tunable protocol constant.
type Config struct {
	// MaxHops bounds flood depth; messages at or past this are dropped.
	MaxHops int `yaml:"max_hops"`

	// RetryBackoff is the fixed increasing delay sequence for failed
	// sends. Its length is the retry bound.
	RetryBackoff []Duration `yaml:"retry_backoff"`

	// MaxPayloadBytes is the radio's per-payload size limit.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// ReassemblyTimeout is how long a partial chunked message may wait
	// for completion; SweepInterval is how often expired ones are evicted.
	ReassemblyTimeout Duration `yaml:"reassembly_timeout"`
	SweepInterval     Duration `yaml:"sweep_interval"`

	// InterSendDelay paces successive sends so the radio is never flooded.
	InterSendDelay Duration `yaml:"inter_send_delay"`

	// SeenClearThreshold bounds the dedup history. Past it the whole set
	// is cleared rather than evicted entry by entry.
	SeenClearThreshold int `yaml:"seen_clear_threshold"`

	// DisplayName is advertised to nearby peers.
	DisplayName string `yaml:"display_name"`

	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`
}

// Default returns the reference deployment constants.
func Default() *Config {
	return &Config{
		MaxHops: 5,
		RetryBackoff: []Duration{
			Duration(1 * time.Second),
			Duration(2 * time.Second),
			Duration(4 * time.Second),
			Duration(8 * time.Second),
		},
		MaxPayloadBytes:    512,
		ReassemblyTimeout:  Duration(30 * time.Second),
		SweepInterval:      Duration(10 * time.Second),
		InterSendDelay:     Duration(100 * time.Millisecond),
		SeenClearThreshold: 1000,
		DisplayName:        "meshpost",
		LogLevel:           "INFO",
	}
}

// Load reads YAML overrides on top of the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	if c.MaxHops <= 0 {
		return fmt.Errorf("max_hops must be positive, got %d", c.MaxHops)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive, got %d", c.MaxPayloadBytes)
	}
	if len(c.RetryBackoff) == 0 {
		return fmt.Errorf("retry_backoff must have at least one entry")
	}
	for i, d := range c.RetryBackoff {
		if d.Std() <= 0 {
			return fmt.Errorf("retry_backoff[%d] must be positive", i)
		}
	}
	if c.ReassemblyTimeout.Std() <= 0 || c.SweepInterval.Std() <= 0 {
		return fmt.Errorf("reassembly_timeout and sweep_interval must be positive")
	}
	if c.InterSendDelay.Std() < 0 {
		return fmt.Errorf("inter_send_delay cannot be negative")
	}
	if c.SeenClearThreshold <= 0 {
		return fmt.Errorf("seen_clear_threshold must be positive, got %d", c.SeenClearThreshold)
	}
	return nil
}
