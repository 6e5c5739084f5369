// Package config loads the grobid-batch configuration: a YAML file, optional
// .env / environment overrides, then defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given. A missing file at this path is not an error.
const DefaultPath = "config.yaml"

var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultCoordinates are the TEI elements that receive PDF coordinates by default.
var DefaultCoordinates = []string{"persName", "figure", "ref", "biblStruct", "formula", "s", "note", "title"}

// Config represents the complete grobid-batch configuration.
type Config struct {
	GrobidServer   string        `yaml:"grobid_server"`
	BatchSize      int           `yaml:"batch_size"`
	Concurrency    int           `yaml:"concurrency"`
	SleepTime      time.Duration `yaml:"sleep_time"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBusyRetries int           `yaml:"max_busy_retries"`
	BusyBackoffMax time.Duration `yaml:"busy_backoff_max"`
	Coordinates    []string      `yaml:"coordinates"`
	ReportPath     string        `yaml:"report_path"`

	Logging Logging `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Logging configures internal/logging.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Console *bool  `yaml:"console"`
	File    string `yaml:"file"`
}

// ConsoleEnabled defaults to true when unset.
func (l Logging) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// Default returns the built-in configuration. Load decodes the file on top of
// it, so keys absent from the file keep these values and explicit zeros stay zero.
func Default() *Config {
	cfg := &Config{
		GrobidServer:   "http://localhost:8070",
		BatchSize:      1000,
		Concurrency:    10,
		SleepTime:      5 * time.Second,
		Timeout:        180 * time.Second,
		BusyBackoffMax: 60 * time.Second,
		Coordinates:    append([]string(nil), DefaultCoordinates...),
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads path (if present), applies .env and environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills string settings left blank in the file. Numeric settings
// are not touched: zero is a meaningful value for several of them.
func (c *Config) normalize() {
	if c.GrobidServer == "" {
		c.GrobidServer = "http://localhost:8070"
	}
	c.GrobidServer = strings.TrimRight(c.GrobidServer, "/")
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GROBID_SERVER"); v != "" {
		c.GrobidServer = v
	}
	ints := map[string]*int{
		"GROBID_BATCH_SIZE":  &c.BatchSize,
		"GROBID_CONCURRENCY": &c.Concurrency,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"GROBID_TIMEOUT":    &c.Timeout,
		"GROBID_SLEEP_TIME": &c.SleepTime,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.GrobidServer == "" {
		return fmt.Errorf("%w: grobid_server is required", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.SleepTime < 0 || c.Timeout <= 0 || c.BusyBackoffMax < 0 {
		return fmt.Errorf("%w: sleep_time, timeout and busy_backoff_max must not be negative", ErrInvalidConfig)
	}
	if c.MaxBusyRetries < 0 {
		return fmt.Errorf("%w: max_busy_retries must not be negative", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}
