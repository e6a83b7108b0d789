package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/correlator"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, 8001, cfg.Server.Port)
	assert.Equal(t, 9091, cfg.GRPC.Port)

	// Ingest defaults
	assert.Equal(t, "none", cfg.Ingest.Source)
	assert.Equal(t, "sensor-data", cfg.Ingest.Kafka.Topic)
	assert.Equal(t, 4, cfg.Ingest.Workers)

	// Detector defaults
	assert.Equal(t, 50, cfg.Detectors.ZScore.WindowSize)
	assert.Equal(t, 3.0, cfg.Detectors.ZScore.ZThreshold)
	assert.Equal(t, 24, cfg.Detectors.STL.Period)
	assert.Equal(t, 200, cfg.Detectors.LSTM.MinReadings)
	assert.Equal(t, 200, cfg.Selector.MinDataForAdvanced)

	// Per-field defaults
	assert.Equal(t, 30.0, cfg.Validator[models.FieldDBA].Min)
	assert.Equal(t, 70.0, cfg.Threshold[models.FieldPM25].Low)

	// Training, oracle and dispatch defaults
	assert.Equal(t, 1800, cfg.Training.IntervalSeconds)
	assert.Equal(t, 50, cfg.Training.MinTrainingData)
	assert.Equal(t, 1000, cfg.Training.MaxTrainingData)
	assert.False(t, cfg.Oracle.Enabled)
	assert.Equal(t, 5, cfg.Oracle.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 100, cfg.Dispatch.InitialBackoffMs)
	assert.Equal(t, 2000, cfg.Dispatch.MaxBackoffMs)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestDetectorConfigMirrorsSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detectors.ZScore.WindowSize = 80
	cfg.Training.Epochs = 5

	dc := cfg.DetectorConfig()
	assert.Equal(t, 80, dc.ZScore.WindowSize)
	assert.Equal(t, 20, dc.LSTM.Epochs, "training overrides are applied by the scheduler")
	assert.Equal(t, cfg.Threshold, dc.Threshold)
}

func TestCorrelationPairs(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, correlator.DefaultPairs(), cfg.CorrelationPairs())

	cfg.Correlation.Acoustic.DBAAbove = 70
	cfg.Correlation.Acoustic.VibrationAbove = 0.05
	cfg.Correlation.Acoustic.Score = 0.6
	pairs := cfg.CorrelationPairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, [2]models.Field{models.FieldDBA, models.FieldVibration}, pairs[1].Fields)
	assert.Equal(t, [2]float64{70, 0.05}, pairs[1].Above)
	assert.Equal(t, 0.6, pairs[1].Score)

	cfg.Correlation.Enabled = false
	pairs = cfg.CorrelationPairs()
	assert.NotNil(t, pairs)
	assert.Empty(t, pairs)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name:      "invalid port - too low",
			modifyFn:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name:      "grpc port collides with http port",
			modifyFn:  func(cfg *Config) { cfg.GRPC.Port = cfg.Server.Port },
			wantError: true,
			errorMsg:  "must differ from server.port",
		},
		{
			name:      "correlation score above one",
			modifyFn:  func(cfg *Config) { cfg.Correlation.Acoustic.Score = 1.2 },
			wantError: true,
			errorMsg:  "correlation.acoustic.score",
		},
		{
			name: "disabled correlation skips score checks",
			modifyFn: func(cfg *Config) {
				cfg.Correlation.Enabled = false
				cfg.Correlation.Particulate.Score = -1
			},
			wantError: false,
		},
		{
			name:      "unknown ingest source",
			modifyFn:  func(cfg *Config) { cfg.Ingest.Source = "amqp" },
			wantError: true,
			errorMsg:  "invalid source 'amqp'",
		},
		{
			name: "kafka without brokers",
			modifyFn: func(cfg *Config) {
				cfg.Ingest.Source = "kafka"
				cfg.Ingest.Kafka.Brokers = nil
			},
			wantError: true,
			errorMsg:  "at least one broker is required",
		},
		{
			name: "mqtt with bad qos",
			modifyFn: func(cfg *Config) {
				cfg.Ingest.Source = "mqtt"
				cfg.Ingest.MQTT.QoS = 3
			},
			wantError: true,
			errorMsg:  "qos must be 0, 1 or 2",
		},
		{
			name: "postgres without url",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "postgres"
				cfg.Database.PostgresURL = ""
			},
			wantError: true,
			errorMsg:  "postgres_url is required",
		},
		{
			name: "inverted validator bound",
			modifyFn: func(cfg *Config) {
				b := cfg.Validator[models.FieldDBA]
				b.Min, b.Max = b.Max, b.Min
				cfg.Validator[models.FieldDBA] = b
			},
			wantError: true,
			errorMsg:  "min must be below max",
		},
		{
			name:      "max training data below min",
			modifyFn:  func(cfg *Config) { cfg.Training.MaxTrainingData = 10 },
			wantError: true,
			errorMsg:  "must be at least min_training_data",
		},
		{
			name: "enabled oracle with bad url",
			modifyFn: func(cfg *Config) {
				cfg.Oracle.Enabled = true
				cfg.Oracle.BaseURL = "not a url"
			},
			wantError: true,
			errorMsg:  "invalid URL",
		},
		{
			name:      "max backoff below initial",
			modifyFn:  func(cfg *Config) { cfg.Dispatch.MaxBackoffMs = 50 },
			wantError: true,
			errorMsg:  "must be at least initial_backoff_ms",
		},
		{
			name:      "invalid log level",
			modifyFn:  func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantError: true,
			errorMsg:  "invalid level 'verbose'",
		},
		{
			name:      "sampling rate out of range",
			modifyFn:  func(cfg *Config) { cfg.Tracing.SamplingRate = 1.5 },
			wantError: true,
			errorMsg:  "must be in [0, 1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)
			errs := cfg.Validate()

			if tt.wantError {
				require.NotEmpty(t, errs, "expected validation errors")
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error containing %q, got %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

ingest:
  source: "kafka"
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: "env-readings"

validator:
  dba:
    min: 20
    max: 180

detectors:
  zscore:
    z_threshold: 2.5
  stl:
    period: 12
    trend_window: 13
    low_pass_window: 13

correlation:
  particulate:
    pm2_5_above: 35
    score: 0.9

oracle:
  enabled: true
  model: "gpt-4o"

logging:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "kafka", cfg.Ingest.Source)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Ingest.Kafka.Brokers)
	assert.Equal(t, "env-readings", cfg.Ingest.Kafka.Topic)
	assert.Equal(t, "smartsensor-ai", cfg.Ingest.Kafka.GroupID, "unset keys keep defaults")
	assert.Equal(t, 20.0, cfg.Validator[models.FieldDBA].Min)
	assert.Equal(t, 180.0, cfg.Validator[models.FieldDBA].Max)
	assert.Equal(t, 500.0, cfg.Validator[models.FieldPM25].Max)
	assert.Equal(t, 2.5, cfg.Detectors.ZScore.ZThreshold)
	assert.Equal(t, 12, cfg.Detectors.STL.Period)
	assert.Equal(t, 13, cfg.Detectors.STL.TrendWindow)
	assert.True(t, cfg.Correlation.Enabled)
	assert.Equal(t, 35.0, cfg.Correlation.Particulate.PM25Above)
	assert.Equal(t, 100.0, cfg.Correlation.Particulate.PM10Above)
	assert.Equal(t, 0.9, cfg.Correlation.Particulate.Score)
	assert.Equal(t, 80.0, cfg.Correlation.Acoustic.DBAAbove)
	assert.True(t, cfg.Oracle.Enabled)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	require.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("SMARTSENSOR_SERVER_PORT", "7070")
	t.Setenv("SMARTSENSOR_INGEST_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("SMARTSENSOR_TRAINING_INTERVAL_SECONDS", "60")
	t.Setenv("OPENAI_API_KEY", "env-openai-key")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8001

training:
  interval_seconds: 600
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)

	// Environment variables should override config file
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Training.IntervalSeconds)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Ingest.Kafka.Brokers)
	assert.Equal(t, "env-openai-key", cfg.Oracle.APIKey, "API key should come from environment variable")
}

func TestConfigManagerWatchReportsChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9090\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	changes := mgr.Watch(ctx)
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9191\n"), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 9191, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	// Should not error - should use defaults
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8001, cfg.Server.Port)
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 99999

ingest:
  source: "carrier-pigeon"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	err = mgr.Validate(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "ingest.source")
}
