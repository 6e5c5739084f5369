package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
grobid_server: "http://custom:9090/"
batch_size: 500
concurrency: 4
sleep_time: 10s
timeout: 2m
max_busy_retries: 7
busy_backoff_max: 30s
coordinates: ["figure", "ref"]
report_path: "./last-run.json"
logging:
  level: debug
  format: json
  console: false
  file: "./run.log"
metrics:
  enabled: true
  port: 8080
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://custom:9090", cfg.GrobidServer, "trailing slash should be trimmed")
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.SleepTime)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, 7, cfg.MaxBusyRetries)
	assert.Equal(t, 30*time.Second, cfg.BusyBackoffMax)
	assert.Equal(t, []string{"figure", "ref"}, cfg.Coordinates)
	assert.Equal(t, "./last-run.json", cfg.ReportPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Logging.ConsoleEnabled())
	assert.Equal(t, "./run.log", cfg.Logging.File)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8070", cfg.GrobidServer)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.SleepTime)
	assert.Equal(t, 180*time.Second, cfg.Timeout)
	assert.Equal(t, 0, cfg.MaxBusyRetries, "retries are unbounded unless configured")
	assert.Contains(t, cfg.Coordinates, "persName")
	assert.True(t, cfg.Logging.ConsoleEnabled())
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_ExplicitZeroDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sleep_time: 0s
busy_backoff_max: 0s
`))
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), cfg.SleepTime)
	assert.Equal(t, time.Duration(0), cfg.BusyBackoffMax, "0s keeps the busy delay constant")
	assert.Equal(t, 180*time.Second, cfg.Timeout)
	assert.Equal(t, 1000, cfg.BatchSize)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
busy_backoff_max: 2m
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.BusyBackoffMax)
	assert.Equal(t, 5*time.Second, cfg.SleepTime)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, DefaultCoordinates, cfg.Coordinates)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
batch_size: "not a number"
  broken indentation
`)

	cfg, err := Load(path)

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GROBID_SERVER", "http://env-host:8070")
	t.Setenv("GROBID_BATCH_SIZE", "25")
	t.Setenv("GROBID_CONCURRENCY", "3")
	t.Setenv("GROBID_TIMEOUT", "45s")
	t.Setenv("GROBID_SLEEP_TIME", "250ms")

	cfg, err := Load(writeConfig(t, "batch_size: 500\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://env-host:8070", cfg.GrobidServer)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.SleepTime)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("GROBID_CONCURRENCY", "many")

	_, err := Load(writeConfig(t, ""))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative batch size", func(c *Config) { c.BatchSize = -1 }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"negative retries", func(c *Config) { c.MaxBusyRetries = -2 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"unknown level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }},
		{"empty server", func(c *Config) { c.GrobidServer = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
