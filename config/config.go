// Package config loads the YAML description of a bus endpoint: the broker
// connection, its senders and receivers, logging and metrics.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SDVentures/Contour-sub001/messaging"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration written as a Go duration string ("1.5s")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Endpoint   string           `yaml:"endpoint"`
	Connection ConnectionConfig `yaml:"connection"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Senders    []SenderConfig   `yaml:"senders"`
	Receivers  []ReceiverConfig `yaml:"receivers"`
}

type ConnectionConfig struct {
	PoolSize     int      `yaml:"poolSize"`
	CloseTimeout Duration `yaml:"closeTimeout"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	RetryStep    Duration `yaml:"retryStep"`
	RetryMax     Duration `yaml:"retryMax"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	// File, when set, receives the log with size based rotation
	File       string `yaml:"file"`
	Stdout     bool   `yaml:"stdout"`
	MaxSize    int    `yaml:"maxSize"` // megabytes
	MaxAge     int    `yaml:"maxAge"`  // days
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// SenderConfig describes how messages of one label leave the endpoint
type SenderConfig struct {
	Label       string   `yaml:"label"`
	URLs        []string `yaml:"urls"`
	Exchange    string   `yaml:"exchange"`
	RoutingKey  string   `yaml:"routingKey"`
	ContentType string   `yaml:"contentType"`
	Confirm     bool     `yaml:"confirm"`
	Persist     bool     `yaml:"persist"`
	TTL         Duration `yaml:"ttl"`
	// Requester senders get a reply listener and may send requests
	Requester           bool     `yaml:"requester"`
	Timeout             Duration `yaml:"timeout"`
	Attempts            int      `yaml:"attempts"`
	ExclusiveConnection bool     `yaml:"exclusiveConnection"`
	TerminateOnFailure  bool     `yaml:"terminateOnFailure"`
}

// Route returns the broker address of the sender
func (s SenderConfig) Route() messaging.Route {
	return messaging.Route{Exchange: s.Exchange, RoutingKey: s.RoutingKey}
}

// ReceiverConfig describes how messages of one label reach the endpoint.
// Label "*" receives every label without a dedicated receiver.
type ReceiverConfig struct {
	Label               string   `yaml:"label"`
	URLs                []string `yaml:"urls"`
	Queue               string   `yaml:"queue"`
	Parallelism         int      `yaml:"parallelism"`
	PrefetchCount       int      `yaml:"prefetchCount"`
	PrefetchSize        int      `yaml:"prefetchSize"`
	RequireAccept       bool     `yaml:"requireAccept"`
	TerminateOnFailure  bool     `yaml:"terminateOnFailure"`
	ExclusiveConnection bool     `yaml:"exclusiveConnection"`
	StrictLabels        bool     `yaml:"strictLabels"`
	// Declare creates the queue and binds it to Exchange before consuming
	Declare    bool     `yaml:"declare"`
	Exchange   string   `yaml:"exchange"`
	RoutingKey string   `yaml:"routingKey"`
	QueueTTL   Duration `yaml:"queueTtl"`
	MaxLength  int      `yaml:"maxLength"`
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, completes and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value
func (c *Config) ApplyDefaults() {
	if c.Connection.PoolSize <= 0 {
		c.Connection.PoolSize = 1
	}
	if c.Connection.CloseTimeout <= 0 {
		c.Connection.CloseTimeout = Duration(3 * time.Second)
	}
	if c.Connection.DialTimeout <= 0 {
		c.Connection.DialTimeout = Duration(30 * time.Second)
	}
	if c.Connection.RetryStep <= 0 {
		c.Connection.RetryStep = Duration(time.Second)
	}
	if c.Connection.RetryMax <= 0 {
		c.Connection.RetryMax = Duration(10 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.File == "" {
		c.Logging.Stdout = true
	}
	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = 100
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for i := range c.Senders {
		s := &c.Senders[i]
		if s.Attempts <= 0 {
			s.Attempts = 1
		}
		if s.Timeout <= 0 {
			s.Timeout = Duration(30 * time.Second)
		}
		if s.RoutingKey == "" && s.Exchange == "" {
			s.RoutingKey = s.Label
		}
	}
	for i := range c.Receivers {
		r := &c.Receivers[i]
		if r.Parallelism <= 0 {
			r.Parallelism = 1
		}
		if r.Queue == "" && c.Endpoint != "" && r.Label != messaging.AnyLabel {
			r.Queue = c.Endpoint + "." + r.Label
		}
	}
}

// Validate checks the configuration for values the bus cannot work with
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint name is required", ErrInvalidConfig)
	}
	if c.Connection.RetryMax < c.Connection.RetryStep {
		return fmt.Errorf("%w: retryMax must not be below retryStep", ErrInvalidConfig)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level: %s", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: invalid log format: %s", ErrInvalidConfig, c.Logging.Format)
	}

	labels := make(map[string]bool)
	for i, s := range c.Senders {
		if s.Label == "" {
			return fmt.Errorf("%w: sender %d has no label", ErrInvalidConfig, i)
		}
		if labels[s.Label] {
			return fmt.Errorf("%w: duplicate sender for label %s", ErrInvalidConfig, s.Label)
		}
		labels[s.Label] = true
		if len(s.URLs) == 0 {
			return fmt.Errorf("%w: sender %s has no broker urls", ErrInvalidConfig, s.Label)
		}
	}

	receivers := make(map[string]bool)
	for i, r := range c.Receivers {
		if r.Label == "" {
			return fmt.Errorf("%w: receiver %d has no label", ErrInvalidConfig, i)
		}
		if receivers[r.Label] {
			return fmt.Errorf("%w: duplicate receiver for label %s", ErrInvalidConfig, r.Label)
		}
		receivers[r.Label] = true
		if len(r.URLs) == 0 {
			return fmt.Errorf("%w: receiver %s has no broker urls", ErrInvalidConfig, r.Label)
		}
		if r.Queue == "" {
			return fmt.Errorf("%w: receiver %s has no queue", ErrInvalidConfig, r.Label)
		}
		if r.PrefetchCount < 0 || r.PrefetchSize < 0 || r.MaxLength < 0 {
			return fmt.Errorf("%w: receiver %s has negative limits", ErrInvalidConfig, r.Label)
		}
	}

	return nil
}

// Sender returns the sender configured for label
func (c *Config) Sender(label string) (SenderConfig, bool) {
	for _, s := range c.Senders {
		if s.Label == label {
			return s, true
		}
	}
	return SenderConfig{}, false
}
