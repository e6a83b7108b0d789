package config

import (
	"github.com/smartsensor/smartsensor-ai/internal/analytics/correlator"
	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/validator"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8001
	cfg.Server.ReadTimeoutSeconds = 30
	cfg.Server.WriteTimeoutSeconds = 30
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerSecond = 50
	cfg.Server.RateLimitBurst = 100

	// gRPC defaults
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 9091

	// Ingest defaults
	cfg.Ingest.Source = "none"
	cfg.Ingest.Workers = 4
	cfg.Ingest.QueueSize = 256
	cfg.Ingest.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Ingest.Kafka.Topic = "sensor-data"
	cfg.Ingest.Kafka.GroupID = "smartsensor-ai"
	cfg.Ingest.MQTT.Broker = "tcp://localhost:1883"
	cfg.Ingest.MQTT.Topic = "sensors/+/readings"
	cfg.Ingest.MQTT.ClientID = "smartsensor-ai"
	cfg.Ingest.MQTT.QoS = 1

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/smartsensor/smartsensor.db"
	cfg.Database.PostgresURL = ""

	cfg.Validator = validator.DefaultBounds()
	cfg.Threshold = detector.DefaultThresholdConfig()

	// Detector defaults
	cfg.Detectors.ZScore = detector.DefaultZScoreConfig()
	cfg.Detectors.STL = detector.DefaultSTLConfig()
	cfg.Detectors.LSTM = detector.DefaultLSTMConfig()
	cfg.Selector = detector.DefaultSelectorConfig()

	// Correlation defaults
	pairs := correlator.DefaultPairs()
	cfg.Correlation.Enabled = true
	cfg.Correlation.Particulate.PM25Above = pairs[0].Above[0]
	cfg.Correlation.Particulate.PM10Above = pairs[0].Above[1]
	cfg.Correlation.Particulate.Score = pairs[0].Score
	cfg.Correlation.Acoustic.DBAAbove = pairs[1].Above[0]
	cfg.Correlation.Acoustic.VibrationAbove = pairs[1].Above[1]
	cfg.Correlation.Acoustic.Score = pairs[1].Score

	// Training defaults
	cfg.Training.Enabled = true
	cfg.Training.IntervalSeconds = 1800
	cfg.Training.MinTrainingData = 50
	cfg.Training.MaxTrainingData = 1000
	cfg.Training.Epochs = 0 // 0 keeps detectors.lstm.epochs
	cfg.Training.BatchSize = 0
	cfg.Training.Concurrency = 4

	// Oracle defaults
	cfg.Oracle.Enabled = false
	cfg.Oracle.BaseURL = "https://api.openai.com/v1"
	cfg.Oracle.APIKey = ""
	cfg.Oracle.Model = "gpt-4o-mini"
	cfg.Oracle.TimeoutSeconds = 5
	cfg.Oracle.RatePerSecond = 2
	cfg.Oracle.Burst = 4
	cfg.Oracle.HistorySize = 20
	cfg.Oracle.MaxDevices = 1024

	// Dispatch defaults
	cfg.Dispatch.MaxAttempts = 5
	cfg.Dispatch.InitialBackoffMs = 100
	cfg.Dispatch.MaxBackoffMs = 2000
	cfg.Dispatch.WebhookURL = ""
	cfg.Dispatch.WebhookTimeoutSeconds = 5

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AppLogPath = ""
	cfg.Logging.AuditLogPath = "/var/log/smartsensor/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.SamplingRate = 0.1

	return cfg
}
