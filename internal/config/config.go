package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/flowmirror/internal/docker"
	"github.com/dyluth/flowmirror/internal/replica"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "flowmirror.yml"

// Config represents the top-level flowmirror.yml configuration
type Config struct {
	Version string        `yaml:"version"`
	Scan    ScanConfig    `yaml:"scan"`
	Sync    SyncConfig    `yaml:"sync"`
	History HistoryConfig `yaml:"history"`
	Server  ServerConfig  `yaml:"server"`
}

// ScanConfig controls source discovery
type ScanConfig struct {
	Interval    time.Duration `yaml:"interval"`               // Time between discovery scans (default 2s)
	LabelPrefix string        `yaml:"label_prefix,omitempty"` // Container label namespace
	APIVersion  int           `yaml:"api_version"`            // 0 accepts any source API version
	SourceHost  string        `yaml:"source_host,omitempty"`  // Overrides host resolution when set
}

// SyncConfig tunes the replica engine
type SyncConfig struct {
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ReconcileTimeout   time.Duration `yaml:"reconcile_timeout"`
	InitDataWait       time.Duration `yaml:"init_data_wait"`
	InitDataRetryDelay time.Duration `yaml:"init_data_retry_delay"`
	DrainPollInterval  time.Duration `yaml:"drain_poll_interval"`
	ProcessingBuffer   int           `yaml:"processing_buffer"`
}

// HistoryConfig locates persisted run history
type HistoryConfig struct {
	Dir string `yaml:"dir,omitempty"` // Empty disables the run history check
}

// ServerConfig configures the HTTP endpoint
type ServerConfig struct {
	Addr string `yaml:"addr"` // Listen address (default ":8080")
}

// Default returns a complete, valid configuration.
func Default() *Config {
	cfg := &Config{Version: "1.0"}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate checks the configuration and fills in defaults for unset values
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if err := c.Scan.validate(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	return nil
}

func (s *ScanConfig) validate() error {
	if s.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	if s.Interval == 0 {
		s.Interval = 2 * time.Second
	}
	if s.LabelPrefix == "" {
		s.LabelPrefix = docker.DefaultLabelPrefix
	}
	if s.APIVersion < 0 {
		return errors.New("api_version must not be negative")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"request_timeout", &s.RequestTimeout, remote.DefaultRequestTimeout},
		{"reconcile_timeout", &s.ReconcileTimeout, replica.DefaultOptions().ReconcileTimeout},
		{"init_data_wait", &s.InitDataWait, replica.DefaultOptions().InitDataWait},
		{"init_data_retry_delay", &s.InitDataRetryDelay, replica.DefaultOptions().InitDataRetryDelay},
		{"drain_poll_interval", &s.DrainPollInterval, replica.DefaultOptions().DrainPollInterval},
	}

	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}

	if s.InitDataRetryDelay > s.InitDataWait {
		return fmt.Errorf("init_data_retry_delay (%s) exceeds init_data_wait (%s)", s.InitDataRetryDelay, s.InitDataWait)
	}

	if s.ProcessingBuffer < 0 {
		return errors.New("processing_buffer must not be negative")
	}
	if s.ProcessingBuffer == 0 {
		s.ProcessingBuffer = replica.DefaultOptions().ProcessingBuffer
	}

	return nil
}

// ReplicaOptions converts the sync section into store options.
func (c *Config) ReplicaOptions() replica.Options {
	return replica.Options{
		InitDataWait:       c.Sync.InitDataWait,
		InitDataRetryDelay: c.Sync.InitDataRetryDelay,
		ReconcileTimeout:   c.Sync.ReconcileTimeout,
		DrainPollInterval:  c.Sync.DrainPollInterval,
		ProcessingBuffer:   c.Sync.ProcessingBuffer,
	}
}

// Load reads and validates flowmirror.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}
