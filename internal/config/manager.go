package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/validator"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("SMARTSENSOR")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing config file is fine: defaults + env vars apply.
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch re-reads the file on change and sends the result.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.read_timeout_seconds", defaults.Server.ReadTimeoutSeconds)
	m.viper.SetDefault("server.write_timeout_seconds", defaults.Server.WriteTimeoutSeconds)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_second", defaults.Server.RateLimitPerSecond)
	m.viper.SetDefault("server.rate_limit_burst", defaults.Server.RateLimitBurst)
	m.viper.SetDefault("server.api_key", defaults.Server.APIKey)

	// gRPC defaults
	m.viper.SetDefault("grpc.enabled", defaults.GRPC.Enabled)
	m.viper.SetDefault("grpc.port", defaults.GRPC.Port)

	// Ingest defaults
	m.viper.SetDefault("ingest.source", defaults.Ingest.Source)
	m.viper.SetDefault("ingest.workers", defaults.Ingest.Workers)
	m.viper.SetDefault("ingest.queue_size", defaults.Ingest.QueueSize)
	m.viper.SetDefault("ingest.kafka.brokers", defaults.Ingest.Kafka.Brokers)
	m.viper.SetDefault("ingest.kafka.topic", defaults.Ingest.Kafka.Topic)
	m.viper.SetDefault("ingest.kafka.group_id", defaults.Ingest.Kafka.GroupID)
	m.viper.SetDefault("ingest.mqtt.broker", defaults.Ingest.MQTT.Broker)
	m.viper.SetDefault("ingest.mqtt.topic", defaults.Ingest.MQTT.Topic)
	m.viper.SetDefault("ingest.mqtt.client_id", defaults.Ingest.MQTT.ClientID)
	m.viper.SetDefault("ingest.mqtt.qos", defaults.Ingest.MQTT.QoS)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	// Per-field validator bounds and threshold bands
	for _, f := range models.Fields {
		k := fieldKey(f)
		m.viper.SetDefault("validator."+k+".min", defaults.Validator[f].Min)
		m.viper.SetDefault("validator."+k+".max", defaults.Validator[f].Max)
		m.viper.SetDefault("threshold."+k+".low", defaults.Threshold[f].Low)
		m.viper.SetDefault("threshold."+k+".high", defaults.Threshold[f].High)
	}

	// Z-score defaults
	m.viper.SetDefault("detectors.zscore.window_size", defaults.Detectors.ZScore.WindowSize)
	m.viper.SetDefault("detectors.zscore.z_threshold", defaults.Detectors.ZScore.ZThreshold)
	m.viper.SetDefault("detectors.zscore.noise_threshold", defaults.Detectors.ZScore.NoiseFraction)
	m.viper.SetDefault("detectors.zscore.drift_threshold", defaults.Detectors.ZScore.DriftThreshold)
	m.viper.SetDefault("detectors.zscore.drift_span", defaults.Detectors.ZScore.DriftSpan)
	m.viper.SetDefault("detectors.zscore.min_readings", defaults.Detectors.ZScore.MinReadings)

	// STL defaults
	m.viper.SetDefault("detectors.stl.period", defaults.Detectors.STL.Period)
	m.viper.SetDefault("detectors.stl.seasonal_window", defaults.Detectors.STL.SeasonalWindow)
	m.viper.SetDefault("detectors.stl.trend_window", defaults.Detectors.STL.TrendWindow)
	m.viper.SetDefault("detectors.stl.low_pass_window", defaults.Detectors.STL.LowPassWindow)
	m.viper.SetDefault("detectors.stl.residual_threshold", defaults.Detectors.STL.ResidualThreshold)
	m.viper.SetDefault("detectors.stl.trend_threshold", defaults.Detectors.STL.TrendThreshold)
	m.viper.SetDefault("detectors.stl.min_readings", defaults.Detectors.STL.MinReadings)
	m.viper.SetDefault("detectors.stl.inner_iterations", defaults.Detectors.STL.InnerIterations)

	// LSTM defaults
	m.viper.SetDefault("detectors.lstm.sequence_length", defaults.Detectors.LSTM.SequenceLength)
	m.viper.SetDefault("detectors.lstm.hidden_units", defaults.Detectors.LSTM.HiddenUnits)
	m.viper.SetDefault("detectors.lstm.learning_rate", defaults.Detectors.LSTM.LearningRate)
	m.viper.SetDefault("detectors.lstm.epochs", defaults.Detectors.LSTM.Epochs)
	m.viper.SetDefault("detectors.lstm.batch_size", defaults.Detectors.LSTM.BatchSize)
	m.viper.SetDefault("detectors.lstm.threshold_multiplier", defaults.Detectors.LSTM.ThresholdMultiplier)
	m.viper.SetDefault("detectors.lstm.min_readings", defaults.Detectors.LSTM.MinReadings)
	m.viper.SetDefault("detectors.lstm.seed", defaults.Detectors.LSTM.Seed)

	// Selector defaults
	m.viper.SetDefault("selector.min_data_for_advanced", defaults.Selector.MinDataForAdvanced)
	m.viper.SetDefault("selector.seasonality_threshold", defaults.Selector.SeasonalityThreshold)
	m.viper.SetDefault("selector.complexity_threshold", defaults.Selector.ComplexityThreshold)
	m.viper.SetDefault("selector.confidence_floor", defaults.Selector.ConfidenceFloor)

	// Correlation defaults
	m.viper.SetDefault("correlation.enabled", defaults.Correlation.Enabled)
	m.viper.SetDefault("correlation.particulate.pm2_5_above", defaults.Correlation.Particulate.PM25Above)
	m.viper.SetDefault("correlation.particulate.pm10_above", defaults.Correlation.Particulate.PM10Above)
	m.viper.SetDefault("correlation.particulate.score", defaults.Correlation.Particulate.Score)
	m.viper.SetDefault("correlation.acoustic.dba_above", defaults.Correlation.Acoustic.DBAAbove)
	m.viper.SetDefault("correlation.acoustic.vibration_above", defaults.Correlation.Acoustic.VibrationAbove)
	m.viper.SetDefault("correlation.acoustic.score", defaults.Correlation.Acoustic.Score)

	// Training defaults
	m.viper.SetDefault("training.enabled", defaults.Training.Enabled)
	m.viper.SetDefault("training.interval_seconds", defaults.Training.IntervalSeconds)
	m.viper.SetDefault("training.min_training_data", defaults.Training.MinTrainingData)
	m.viper.SetDefault("training.max_training_data", defaults.Training.MaxTrainingData)
	m.viper.SetDefault("training.epochs", defaults.Training.Epochs)
	m.viper.SetDefault("training.batch_size", defaults.Training.BatchSize)
	m.viper.SetDefault("training.concurrency", defaults.Training.Concurrency)

	// Oracle defaults
	m.viper.SetDefault("oracle.enabled", defaults.Oracle.Enabled)
	m.viper.SetDefault("oracle.base_url", defaults.Oracle.BaseURL)
	m.viper.SetDefault("oracle.api_key", defaults.Oracle.APIKey)
	m.viper.SetDefault("oracle.model", defaults.Oracle.Model)
	m.viper.SetDefault("oracle.timeout_seconds", defaults.Oracle.TimeoutSeconds)
	m.viper.SetDefault("oracle.rate_per_second", defaults.Oracle.RatePerSecond)
	m.viper.SetDefault("oracle.burst", defaults.Oracle.Burst)
	m.viper.SetDefault("oracle.history_size", defaults.Oracle.HistorySize)
	m.viper.SetDefault("oracle.max_devices", defaults.Oracle.MaxDevices)

	// Dispatch defaults
	m.viper.SetDefault("dispatch.max_attempts", defaults.Dispatch.MaxAttempts)
	m.viper.SetDefault("dispatch.initial_backoff_ms", defaults.Dispatch.InitialBackoffMs)
	m.viper.SetDefault("dispatch.max_backoff_ms", defaults.Dispatch.MaxBackoffMs)
	m.viper.SetDefault("dispatch.webhook_url", defaults.Dispatch.WebhookURL)
	m.viper.SetDefault("dispatch.webhook_timeout_seconds", defaults.Dispatch.WebhookTimeoutSeconds)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.ReadTimeoutSeconds = m.viper.GetInt("server.read_timeout_seconds")
	cfg.Server.WriteTimeoutSeconds = m.viper.GetInt("server.write_timeout_seconds")
	cfg.Server.AllowedOrigins = splitList(m.viper.GetStringSlice("server.allowed_origins"))
	cfg.Server.RateLimitPerSecond = m.viper.GetFloat64("server.rate_limit_per_second")
	cfg.Server.RateLimitBurst = m.viper.GetInt("server.rate_limit_burst")
	cfg.Server.APIKey = m.viper.GetString("server.api_key")

	// gRPC
	cfg.GRPC.Enabled = m.viper.GetBool("grpc.enabled")
	cfg.GRPC.Port = m.viper.GetInt("grpc.port")

	// Ingest
	cfg.Ingest.Source = m.viper.GetString("ingest.source")
	cfg.Ingest.Workers = m.viper.GetInt("ingest.workers")
	cfg.Ingest.QueueSize = m.viper.GetInt("ingest.queue_size")
	cfg.Ingest.Kafka.Brokers = splitList(m.viper.GetStringSlice("ingest.kafka.brokers"))
	cfg.Ingest.Kafka.Topic = m.viper.GetString("ingest.kafka.topic")
	cfg.Ingest.Kafka.GroupID = m.viper.GetString("ingest.kafka.group_id")
	cfg.Ingest.MQTT.Broker = m.viper.GetString("ingest.mqtt.broker")
	cfg.Ingest.MQTT.Topic = m.viper.GetString("ingest.mqtt.topic")
	cfg.Ingest.MQTT.ClientID = m.viper.GetString("ingest.mqtt.client_id")
	cfg.Ingest.MQTT.QoS = m.viper.GetInt("ingest.mqtt.qos")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	// Validator & threshold
	cfg.Validator = validator.Bounds{}
	cfg.Threshold = detector.ThresholdConfig{}
	for _, f := range models.Fields {
		k := fieldKey(f)
		cfg.Validator[f] = validator.Bound{
			Min: m.viper.GetFloat64("validator." + k + ".min"),
			Max: m.viper.GetFloat64("validator." + k + ".max"),
		}
		cfg.Threshold[f] = detector.Band{
			Low:  m.viper.GetFloat64("threshold." + k + ".low"),
			High: m.viper.GetFloat64("threshold." + k + ".high"),
		}
	}

	// Z-score
	cfg.Detectors.ZScore.WindowSize = m.viper.GetInt("detectors.zscore.window_size")
	cfg.Detectors.ZScore.ZThreshold = m.viper.GetFloat64("detectors.zscore.z_threshold")
	cfg.Detectors.ZScore.NoiseFraction = m.viper.GetFloat64("detectors.zscore.noise_threshold")
	cfg.Detectors.ZScore.DriftThreshold = m.viper.GetFloat64("detectors.zscore.drift_threshold")
	cfg.Detectors.ZScore.DriftSpan = m.viper.GetInt("detectors.zscore.drift_span")
	cfg.Detectors.ZScore.MinReadings = m.viper.GetInt("detectors.zscore.min_readings")

	// STL
	cfg.Detectors.STL.Period = m.viper.GetInt("detectors.stl.period")
	cfg.Detectors.STL.SeasonalWindow = m.viper.GetInt("detectors.stl.seasonal_window")
	cfg.Detectors.STL.TrendWindow = m.viper.GetInt("detectors.stl.trend_window")
	cfg.Detectors.STL.LowPassWindow = m.viper.GetInt("detectors.stl.low_pass_window")
	cfg.Detectors.STL.ResidualThreshold = m.viper.GetFloat64("detectors.stl.residual_threshold")
	cfg.Detectors.STL.TrendThreshold = m.viper.GetFloat64("detectors.stl.trend_threshold")
	cfg.Detectors.STL.MinReadings = m.viper.GetInt("detectors.stl.min_readings")
	cfg.Detectors.STL.InnerIterations = m.viper.GetInt("detectors.stl.inner_iterations")

	// LSTM
	cfg.Detectors.LSTM.SequenceLength = m.viper.GetInt("detectors.lstm.sequence_length")
	cfg.Detectors.LSTM.HiddenUnits = m.viper.GetInt("detectors.lstm.hidden_units")
	cfg.Detectors.LSTM.LearningRate = m.viper.GetFloat64("detectors.lstm.learning_rate")
	cfg.Detectors.LSTM.Epochs = m.viper.GetInt("detectors.lstm.epochs")
	cfg.Detectors.LSTM.BatchSize = m.viper.GetInt("detectors.lstm.batch_size")
	cfg.Detectors.LSTM.ThresholdMultiplier = m.viper.GetFloat64("detectors.lstm.threshold_multiplier")
	cfg.Detectors.LSTM.MinReadings = m.viper.GetInt("detectors.lstm.min_readings")
	cfg.Detectors.LSTM.Seed = m.viper.GetInt64("detectors.lstm.seed")

	// Selector
	cfg.Selector.MinDataForAdvanced = m.viper.GetInt("selector.min_data_for_advanced")
	cfg.Selector.SeasonalityThreshold = m.viper.GetFloat64("selector.seasonality_threshold")
	cfg.Selector.ComplexityThreshold = m.viper.GetFloat64("selector.complexity_threshold")
	cfg.Selector.ConfidenceFloor = m.viper.GetFloat64("selector.confidence_floor")

	// Correlation
	cfg.Correlation.Enabled = m.viper.GetBool("correlation.enabled")
	cfg.Correlation.Particulate.PM25Above = m.viper.GetFloat64("correlation.particulate.pm2_5_above")
	cfg.Correlation.Particulate.PM10Above = m.viper.GetFloat64("correlation.particulate.pm10_above")
	cfg.Correlation.Particulate.Score = m.viper.GetFloat64("correlation.particulate.score")
	cfg.Correlation.Acoustic.DBAAbove = m.viper.GetFloat64("correlation.acoustic.dba_above")
	cfg.Correlation.Acoustic.VibrationAbove = m.viper.GetFloat64("correlation.acoustic.vibration_above")
	cfg.Correlation.Acoustic.Score = m.viper.GetFloat64("correlation.acoustic.score")

	// Training
	cfg.Training.Enabled = m.viper.GetBool("training.enabled")
	cfg.Training.IntervalSeconds = m.viper.GetInt("training.interval_seconds")
	cfg.Training.MinTrainingData = m.viper.GetInt("training.min_training_data")
	cfg.Training.MaxTrainingData = m.viper.GetInt("training.max_training_data")
	cfg.Training.Epochs = m.viper.GetInt("training.epochs")
	cfg.Training.BatchSize = m.viper.GetInt("training.batch_size")
	cfg.Training.Concurrency = m.viper.GetInt("training.concurrency")

	// Oracle
	cfg.Oracle.Enabled = m.viper.GetBool("oracle.enabled")
	cfg.Oracle.BaseURL = m.viper.GetString("oracle.base_url")
	cfg.Oracle.APIKey = m.viper.GetString("oracle.api_key")
	cfg.Oracle.Model = m.viper.GetString("oracle.model")
	cfg.Oracle.TimeoutSeconds = m.viper.GetInt("oracle.timeout_seconds")
	cfg.Oracle.RatePerSecond = m.viper.GetFloat64("oracle.rate_per_second")
	cfg.Oracle.Burst = m.viper.GetInt("oracle.burst")
	cfg.Oracle.HistorySize = m.viper.GetInt("oracle.history_size")
	cfg.Oracle.MaxDevices = m.viper.GetInt("oracle.max_devices")

	// Dispatch
	cfg.Dispatch.MaxAttempts = m.viper.GetInt("dispatch.max_attempts")
	cfg.Dispatch.InitialBackoffMs = m.viper.GetInt("dispatch.initial_backoff_ms")
	cfg.Dispatch.MaxBackoffMs = m.viper.GetInt("dispatch.max_backoff_ms")
	cfg.Dispatch.WebhookURL = m.viper.GetString("dispatch.webhook_url")
	cfg.Dispatch.WebhookTimeoutSeconds = m.viper.GetInt("dispatch.webhook_timeout_seconds")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Oracle API key from the conventional OpenAI variable
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && m.config.Oracle.APIKey == "" {
		m.config.Oracle.APIKey = apiKey
	}

	// PostgreSQL URL from the conventional DATABASE_URL variable
	if url := os.Getenv("DATABASE_URL"); url != "" && m.config.Database.PostgresURL == "" {
		m.config.Database.PostgresURL = url
	}
}

// splitList flattens comma-separated entries, as produced by list-valued
// environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
