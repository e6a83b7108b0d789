package config

import (
	"context"
	"strings"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/correlator"
	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/validator"
)

// Package config provides configuration management for smartsensor-ai.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (SMARTSENSOR_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/smartsensor/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server     - REST listener, CORS origins, request rate limit
//   2. GRPC       - health/reflection listener
//   3. Ingest     - kafka | mqtt | none, worker shards, queue depth
//   4. Database   - sqlite | postgres
//   5. Validator  - per-field physical bounds
//   6. Threshold  - per-field alert bands for the rule layer
//   7. Detectors  - zscore, stl, lstm parameters
//   8. Selector   - detector selection policy
//   9. Correlation - particulate and acoustic cross-sensor pairs
//  10. Training   - scheduler interval and data limits
//  11. Oracle     - OpenAI-compatible decision oracle
//  12. Dispatch   - sink retry policy and webhook
//  13. Logging    - zap level/format, lumberjack rotation
//  14. Tracing    - OTLP endpoint
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host                string
		Port                int
		ReadTimeoutSeconds  int
		WriteTimeoutSeconds int
		// AllowedOrigins is a list of origins permitted for CORS and WebSocket
		// upgrades. Use ["*"] to allow any origin (development only).
		AllowedOrigins     []string
		RateLimitPerSecond float64
		RateLimitBurst     int
		// APIKey, when set, is required on /api/v1 routes as a Bearer token
		// or X-API-Key header.
		APIKey string
	}

	// gRPC health/reflection listener
	GRPC struct {
		Enabled bool
		Port    int
	}

	// Ingestion configuration
	Ingest struct {
		Source    string // "kafka" | "mqtt" | "none"
		Workers   int
		QueueSize int
		Kafka     struct {
			Brokers []string
			Topic   string
			GroupID string
		}
		MQTT struct {
			Broker   string
			Topic    string
			ClientID string
			QoS      int
		}
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Validator holds the physical range of each field.
	Validator validator.Bounds

	// Threshold holds the rule-layer alert band of each field.
	Threshold detector.ThresholdConfig

	// Detector parameters, keyed by kind
	Detectors struct {
		ZScore detector.ZScoreConfig
		STL    detector.STLConfig
		LSTM   detector.LSTMConfig
	}

	Selector detector.SelectorConfig

	// Cross-sensor pairs: particulate is pm2_5 with pm10, acoustic is dBA
	// with vibration. Limits are exclusive.
	Correlation struct {
		Enabled     bool
		Particulate struct {
			PM25Above float64
			PM10Above float64
			Score     float64
		}
		Acoustic struct {
			DBAAbove       float64
			VibrationAbove float64
			Score          float64
		}
	}

	// Training scheduler configuration
	Training struct {
		Enabled         bool
		IntervalSeconds int
		MinTrainingData int
		MaxTrainingData int
		Epochs          int // overrides detectors.lstm.epochs when > 0
		BatchSize       int // overrides detectors.lstm.batch_size when > 0
		Concurrency     int
	}

	// Oracle configuration
	Oracle struct {
		Enabled        bool
		BaseURL        string
		APIKey         string
		Model          string
		TimeoutSeconds int
		RatePerSecond  float64
		Burst          int
		HistorySize    int
		MaxDevices     int
	}

	// Dispatch configuration
	Dispatch struct {
		MaxAttempts           int
		InitialBackoffMs      int
		MaxBackoffMs          int
		WebhookURL            string
		WebhookTimeoutSeconds int
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}

	// Tracing configuration
	Tracing struct {
		Endpoint     string
		SamplingRate float64
	}
}

// DetectorConfig assembles the detector package configuration. Training
// overrides for the LSTM are applied by the scheduler, not here.
func (c *Config) DetectorConfig() detector.Config {
	return detector.Config{
		Threshold: c.Threshold,
		ZScore:    c.Detectors.ZScore,
		STL:       c.Detectors.STL,
		LSTM:      c.Detectors.LSTM,
		Selector:  c.Selector,
	}
}

// CorrelationPairs assembles the cross-sensor pairs. A disabled section
// yields an empty, non-nil slice.
func (c *Config) CorrelationPairs() []correlator.Pair {
	if !c.Correlation.Enabled {
		return []correlator.Pair{}
	}
	pairs := correlator.DefaultPairs()
	pairs[0].Above = [2]float64{c.Correlation.Particulate.PM25Above, c.Correlation.Particulate.PM10Above}
	pairs[0].Score = c.Correlation.Particulate.Score
	pairs[1].Above = [2]float64{c.Correlation.Acoustic.DBAAbove, c.Correlation.Acoustic.VibrationAbove}
	pairs[1].Score = c.Correlation.Acoustic.Score
	return pairs
}

// fieldKey is the lower-case config key for a field ("dBA" -> "dba").
func fieldKey(f models.Field) string {
	return strings.ToLower(string(f))
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch reports configuration file changes. Running components keep the
	// configuration they were built with.
	Watch(ctx context.Context) <-chan Config
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/smartsensor/config.yaml")
}
