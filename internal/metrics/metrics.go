package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics for production monitoring
var (
	// Ingestion metrics
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_readings_total",
			Help: "Total number of readings received",
		},
		[]string{"source", "status"}, // status: accepted/rejected
	)

	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_ingest_messages_total",
			Help: "Messages consumed from the ingestion source",
		},
		[]string{"source", "status"}, // status: processed/malformed/failed
	)

	// Detection metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_detections_total",
			Help: "Detection results by detector kind and category",
		},
		[]string{"detector", "field", "category"},
	)

	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smartsensor_detection_duration_seconds",
			Help:    "Time to run every detector on one reading",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_anomalies_total",
			Help: "Correlated anomalies by severity",
		},
		[]string{"severity"},
	)

	// Decision metrics
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_decisions_total",
			Help: "Terminal decisions by decider and severity",
		},
		[]string{"decided_by", "severity"},
	)

	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_oracle_requests_total",
			Help: "Oracle consults by outcome",
		},
		[]string{"status"}, // success/timeout/error/rate_limited/invalid/disabled
	)

	OracleRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smartsensor_oracle_request_duration_seconds",
			Help:    "Oracle request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	// Dispatch metrics
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_dispatch_attempts_total",
			Help: "Delivery attempts per sink",
		},
		[]string{"sink", "status"},
	)

	DispatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_dispatch_failures_total",
			Help: "Deliveries that exhausted every retry",
		},
		[]string{"sink"},
	)

	// Training metrics
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_training_runs_total",
			Help: "Per-key training outcomes",
		},
		[]string{"detector", "status"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartsensor_training_duration_seconds",
			Help:    "Per-key fit duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		},
		[]string{"detector"},
	)

	ModelsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartsensor_models_active",
			Help: "Trained (device, field) keys by detector kind",
		},
		[]string{"detector"},
	)

	ModelAccuracy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartsensor_model_accuracy",
			Help: "Accuracy estimate of the current model per key",
		},
		[]string{"device_id", "field"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsensor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartsensor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartsensor_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartsensor_websocket_connections",
			Help: "Number of active decision stream connections",
		},
	)
)
