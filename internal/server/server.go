// Package server wires configuration, storage, detection, training, decision
// and transport into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/api/rest"
	"github.com/smartsensor/smartsensor-ai/internal/api/ws"
	"github.com/smartsensor/smartsensor-ai/internal/audit"
	"github.com/smartsensor/smartsensor-ai/internal/config"
	"github.com/smartsensor/smartsensor-ai/internal/db"
	"github.com/smartsensor/smartsensor-ai/internal/decision"
	"github.com/smartsensor/smartsensor-ai/internal/dispatch"
	"github.com/smartsensor/smartsensor-ai/internal/ingest"
	"github.com/smartsensor/smartsensor-ai/internal/middleware"
	"github.com/smartsensor/smartsensor-ai/internal/modelstore"
	"github.com/smartsensor/smartsensor-ai/internal/oracle"
	"github.com/smartsensor/smartsensor-ai/internal/pipeline"
	"github.com/smartsensor/smartsensor-ai/internal/tracing"
	"github.com/smartsensor/smartsensor-ai/internal/training"
	"github.com/smartsensor/smartsensor-ai/internal/validator"
)

const shutdownTimeout = 10 * time.Second

// Server owns every long-lived component.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	audit  audit.Logger

	store      db.Store
	detectors  *detector.Set
	models     *modelstore.Store
	scheduler  *training.Scheduler
	engine     *decision.Engine
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	hub        *ws.Hub
	source     ingest.Source // nil when readings arrive over HTTP only
	pool       *ingest.Pool

	httpServer *http.Server
	httpAddr   string
	grpc       *grpcServer

	shutdownTracing func(context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	ready   atomic.Bool
}

// New builds every component from cfg without starting anything.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}
	if err := s.initializeComponents(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return s, nil
}

func (s *Server) initializeComponents() error {
	cfg := s.cfg

	// 1. Tracing
	shutdown, err := tracing.Init("smartsensor-ai", cfg.Tracing.Endpoint, cfg.Tracing.SamplingRate)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	// 2. Audit log
	if cfg.Logging.AuditLogPath == "" {
		s.audit = audit.NewNopLogger()
	} else {
		auditCfg := audit.DefaultConfig()
		auditCfg.AuditLogPath = cfg.Logging.AuditLogPath
		auditCfg.MaxSize = cfg.Logging.MaxSizeMB
		auditCfg.MaxBackups = cfg.Logging.MaxBackups
		auditCfg.MaxAge = cfg.Logging.MaxAgeDays
		auditCfg.Compress = cfg.Logging.Compress
		if s.audit, err = audit.NewLogger(auditCfg, s.logger); err != nil {
			return fmt.Errorf("audit logger: %w", err)
		}
	}

	// 3. Database
	if s.store, err = openStore(cfg); err != nil {
		return err
	}

	// 4. Detectors and live models
	if s.detectors, err = detector.NewSet(cfg.DetectorConfig()); err != nil {
		return err
	}
	s.models = modelstore.New(s.store, s.detectors, s.logger)

	// 5. Training
	s.scheduler = training.New(training.Config{
		Interval:        time.Duration(cfg.Training.IntervalSeconds) * time.Second,
		MinTrainingData: cfg.Training.MinTrainingData,
		MaxTrainingData: cfg.Training.MaxTrainingData,
		Concurrency:     cfg.Training.Concurrency,
		Epochs:          cfg.Training.Epochs,
		BatchSize:       cfg.Training.BatchSize,
	}, s.store, s.models, s.detectors, detector.NewSelector(cfg.Selector, s.detectors), s.audit, s.logger)

	// 6. Dispatch
	s.hub = ws.NewHub(cfg.Server.AllowedOrigins, s.logger)
	sinks := []dispatch.Sink{
		dispatch.NewStoreSink(s.store),
		dispatch.NewAuditSink(s.audit),
		dispatch.NewLogSink(s.logger),
		dispatch.NewBroadcastSink(s.hub),
	}
	if cfg.Dispatch.WebhookURL != "" {
		timeout := time.Duration(cfg.Dispatch.WebhookTimeoutSeconds) * time.Second
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.Dispatch.WebhookURL, timeout))
	}
	s.dispatcher = dispatch.New(dispatch.RetryPolicy{
		InitialDelay: time.Duration(cfg.Dispatch.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Dispatch.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
	}, sinks, s.audit, s.logger)

	// 7. Decision engine
	history, err := decision.NewHistory(cfg.Oracle.MaxDevices, cfg.Oracle.HistorySize)
	if err != nil {
		return fmt.Errorf("decision history: %w", err)
	}
	orc, err := newOracle(cfg)
	if err != nil {
		return err
	}
	s.engine = decision.New(decision.Config{
		OracleTimeout: time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
		RatePerSecond: cfg.Oracle.RatePerSecond,
		Burst:         cfg.Oracle.Burst,
	}, orc, history, s.dispatcher, s.audit, s.logger)

	// 8. Pipeline
	s.pipeline, err = pipeline.New(pipeline.Options{
		Validator: validator.New(cfg.Validator),
		Threshold: detector.NewThreshold(cfg.Threshold),
		Detectors: s.detectors,
		Models:    s.models,
		Engine:    s.engine,
		History:   history,
		Store:     s.store,
		Pairs:     cfg.CorrelationPairs(),
		Audit:     s.audit,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}

	// 9. Ingestion
	if s.source, err = newSource(cfg, s.logger); err != nil {
		return err
	}
	s.pool = ingest.NewPool(cfg.Ingest.Workers, cfg.Ingest.QueueSize, s.pipeline, s.logger)

	// 10. Transports
	handler := rest.NewHandler(s.pipeline, s.scheduler, s.store, s.ready.Load, s.logger)
	s.httpServer = &http.Server{
		Handler: rest.NewRouter(handler, rest.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			APIKey:         cfg.Server.APIKey,
			RateLimiter:    middleware.NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst),
			Stream:         s.hub,
			Logger:         s.logger,
		}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.GRPC.Enabled {
		s.grpc = newGRPCServer(s.logger)
	}
	return nil
}

func openStore(cfg *config.Config) (db.Store, error) {
	switch cfg.Database.Type {
	case "sqlite", "":
		store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := db.NewPostgresStore(cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
}

func newOracle(cfg *config.Config) (oracle.Oracle, error) {
	if !cfg.Oracle.Enabled {
		return oracle.Disabled{}, nil
	}
	client, err := oracle.NewClient(oracle.ClientConfig{
		BaseURL:    cfg.Oracle.BaseURL,
		APIKey:     cfg.Oracle.APIKey,
		Model:      cfg.Oracle.Model,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle client: %w", err)
	}
	return client, nil
}

func newSource(cfg *config.Config, logger *zap.Logger) (ingest.Source, error) {
	switch cfg.Ingest.Source {
	case "none", "":
		return nil, nil
	case "kafka":
		return ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers: cfg.Ingest.Kafka.Brokers,
			Topic:   cfg.Ingest.Kafka.Topic,
			GroupID: cfg.Ingest.Kafka.GroupID,
		}, logger)
	case "mqtt":
		return ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.Ingest.MQTT.Broker,
			Topic:    cfg.Ingest.MQTT.Topic,
			ClientID: cfg.Ingest.MQTT.ClientID,
			QoS:      byte(cfg.Ingest.MQTT.QoS),
		}, logger)
	}
	return nil, fmt.Errorf("unknown ingest source %q", cfg.Ingest.Source)
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Start restores models, warms the rolling windows and starts the training
// scheduler, the ingest pool and the HTTP and gRPC listeners.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	loaded, err := s.models.Load(ctx)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	warmed := s.pipeline.Warm()
	s.logger.Info("models restored", zap.Int("models", loaded), zap.Int("windows_seeded", warmed))

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.httpAddr = lis.Addr().String()
	if s.grpc != nil {
		if err := s.grpc.start(fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.GRPC.Port)); err != nil {
			lis.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server starting", zap.String("address", s.httpAddr))
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	if s.cfg.Training.Enabled {
		s.scheduler.Start(runCtx)
	}

	if s.source != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.pool.Run(runCtx, s.source); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("ingestion stopped", zap.String("source", s.source.Name()), zap.Error(err))
			}
		}()
	}

	s.running = true
	s.ready.Store(true)
	if s.grpc != nil {
		s.grpc.setServing(true)
	}
	_ = s.audit.LogSystem(ctx, audit.EventServerStarted, "server started")
	s.logger.Info("server started",
		zap.String("http", s.httpAddr),
		zap.Bool("grpc", s.grpc != nil),
		zap.String("ingest", s.cfg.Ingest.Source),
		zap.Bool("oracle", s.cfg.Oracle.Enabled),
		zap.Bool("training", s.cfg.Training.Enabled),
		zap.Strings("sinks", s.dispatcher.Sinks()),
	)
	return nil
}

// Stop drains transports, stops background work and releases resources.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.ready.Store(false)
	s.logger.Info("stopping server")

	if s.grpc != nil {
		s.grpc.stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close stream hub: %w", err))
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown HTTP server: %w", err))
	}

	s.cancel()
	s.scheduler.Stop()
	s.wg.Wait()

	_ = s.audit.LogSystem(ctx, audit.EventServerShutdown, "server stopped")
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Close releases the store, the audit log and the tracer. It is used directly
// by one-shot commands that never call Start.
func (s *Server) Close() error {
	var errs []error
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ─── One-shot operations ──────────────────────────────────────────────────────

// TrainOnce restores the persisted models and runs a single training cycle.
func (s *Server) TrainOnce(ctx context.Context) ([]training.TrainedModel, error) {
	if _, err := s.models.Load(ctx); err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	return s.scheduler.TrainAll(ctx)
}

// ModelStatus restores the persisted models and summarises them.
func (s *Server) ModelStatus(ctx context.Context) ([]training.ModelSummary, error) {
	if _, err := s.models.Load(ctx); err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	return s.scheduler.Status(), nil
}

// HTTPAddr is the bound HTTP address; empty before Start.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// IsRunning reports whether Start has succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GRPCAddr is the bound gRPC address; empty when gRPC is disabled or before Start.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpc == nil || s.grpc.lis == nil {
		return ""
	}
	return s.grpc.lis.Addr().String()
}
