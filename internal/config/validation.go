package config

import (
	"fmt"
	"net/url"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
// Detector parameters are checked again, with typed errors, when the
// detectors are constructed.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerSecond < 0 {
		add("server.rate_limit_per_second", "must not be negative, got %v", c.Server.RateLimitPerSecond)
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		add("grpc.port", "port must be between 1 and 65535, got %d", c.GRPC.Port)
	}
	if c.GRPC.Enabled && c.GRPC.Port == c.Server.Port {
		add("grpc.port", "must differ from server.port (%d)", c.Server.Port)
	}

	// Ingest
	switch c.Ingest.Source {
	case "none":
	case "kafka":
		if len(c.Ingest.Kafka.Brokers) == 0 {
			add("ingest.kafka.brokers", "at least one broker is required when source is kafka")
		}
		if c.Ingest.Kafka.Topic == "" {
			add("ingest.kafka.topic", "topic is required when source is kafka")
		}
		if c.Ingest.Kafka.GroupID == "" {
			add("ingest.kafka.group_id", "group_id is required when source is kafka")
		}
	case "mqtt":
		if c.Ingest.MQTT.Broker == "" {
			add("ingest.mqtt.broker", "broker is required when source is mqtt")
		}
		if c.Ingest.MQTT.Topic == "" {
			add("ingest.mqtt.topic", "topic is required when source is mqtt")
		}
		if c.Ingest.MQTT.QoS < 0 || c.Ingest.MQTT.QoS > 2 {
			add("ingest.mqtt.qos", "qos must be 0, 1 or 2, got %d", c.Ingest.MQTT.QoS)
		}
	default:
		add("ingest.source", "invalid source '%s', must be one of: kafka, mqtt, none", c.Ingest.Source)
	}
	if c.Ingest.Workers < 1 {
		add("ingest.workers", "must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize < 1 {
		add("ingest.queue_size", "must be at least 1, got %d", c.Ingest.QueueSize)
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when type is postgres")
		}
	default:
		add("database.type", "invalid type '%s', must be one of: sqlite, postgres", c.Database.Type)
	}

	// Per-field bounds and bands
	for _, f := range models.Fields {
		k := fieldKey(f)
		if b, ok := c.Validator[f]; !ok || b.Min >= b.Max {
			add("validator."+k, "min must be below max")
		}
		if b, ok := c.Threshold[f]; !ok || b.Low > b.High {
			add("threshold."+k, "low must not exceed high")
		}
	}

	// Correlation
	if c.Correlation.Enabled {
		if sc := c.Correlation.Particulate.Score; sc < 0 || sc > 1 {
			add("correlation.particulate.score", "must be in [0, 1], got %v", sc)
		}
		if sc := c.Correlation.Acoustic.Score; sc < 0 || sc > 1 {
			add("correlation.acoustic.score", "must be in [0, 1], got %v", sc)
		}
	}

	// Training
	if c.Training.Enabled && c.Training.IntervalSeconds < 1 {
		add("training.interval_seconds", "must be at least 1 second, got %d", c.Training.IntervalSeconds)
	}
	if c.Training.MinTrainingData < 1 {
		add("training.min_training_data", "must be at least 1, got %d", c.Training.MinTrainingData)
	}
	if c.Training.MaxTrainingData < c.Training.MinTrainingData {
		add("training.max_training_data", "must be at least min_training_data (%d), got %d",
			c.Training.MinTrainingData, c.Training.MaxTrainingData)
	}
	if c.Training.Concurrency < 1 {
		add("training.concurrency", "must be at least 1, got %d", c.Training.Concurrency)
	}

	// Oracle
	if c.Oracle.Enabled {
		if u, err := url.Parse(c.Oracle.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("oracle.base_url", "invalid URL '%s'", c.Oracle.BaseURL)
		}
		if c.Oracle.Model == "" {
			add("oracle.model", "model is required when the oracle is enabled")
		}
		if c.Oracle.RatePerSecond <= 0 {
			add("oracle.rate_per_second", "must be positive, got %v", c.Oracle.RatePerSecond)
		}
	}
	if c.Oracle.TimeoutSeconds < 1 {
		add("oracle.timeout_seconds", "must be at least 1 second, got %d", c.Oracle.TimeoutSeconds)
	}
	if c.Oracle.HistorySize < 0 {
		add("oracle.history_size", "must not be negative, got %d", c.Oracle.HistorySize)
	}

	// Dispatch
	if c.Dispatch.MaxAttempts < 1 {
		add("dispatch.max_attempts", "must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.InitialBackoffMs < 1 {
		add("dispatch.initial_backoff_ms", "must be at least 1, got %d", c.Dispatch.InitialBackoffMs)
	}
	if c.Dispatch.MaxBackoffMs < c.Dispatch.InitialBackoffMs {
		add("dispatch.max_backoff_ms", "must be at least initial_backoff_ms (%d), got %d",
			c.Dispatch.InitialBackoffMs, c.Dispatch.MaxBackoffMs)
	}
	if c.Dispatch.WebhookURL != "" {
		if u, err := url.Parse(c.Dispatch.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("dispatch.webhook_url", "invalid URL '%s'", c.Dispatch.WebhookURL)
		}
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "invalid format '%s', must be one of: json, console", c.Logging.Format)
	}

	// Tracing
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "must be in [0, 1], got %v", c.Tracing.SamplingRate)
	}

	return errs
}
