package rest

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/middleware"
)

// RouterOptions configure the HTTP surface around the handler.
type RouterOptions struct {
	AllowedOrigins []string
	APIKey         string
	RateLimiter    *middleware.RateLimiter
	// Stream serves /ws/decisions; nil leaves the route unregistered.
	Stream http.Handler
	Logger *zap.Logger
}

// NewRouter registers every route and wraps the router in the middleware
// chain: recovery, CORS, tracing, request ID, access log, rate limit.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.SecureHeaders)
	if opts.RateLimiter != nil {
		router.Use(opts.RateLimiter.Middleware)
	}

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if opts.Stream != nil {
		router.Handle("/ws/decisions", opts.Stream).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKey(opts.APIKey))
	api.Use(middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))
	SetupRoutes(api, h)

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins(opts.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, middleware.TraceIDHeader},
	})
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger.Named("panic"))),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(c.Handler(middleware.Tracing(router)))
}

// SetupRoutes registers the /api/v1 routes on r.
func SetupRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/detect", h.Detect).Methods(http.MethodPost)
	r.HandleFunc("/readings", h.IngestReading).Methods(http.MethodPost)
	r.HandleFunc("/readings", h.ListReadings).Methods(http.MethodGet)
	r.HandleFunc("/anomalies", h.ListAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/decisions", h.ListDecisions).Methods(http.MethodGet)

	r.HandleFunc("/train", h.TrainAll).Methods(http.MethodPost)
	r.HandleFunc("/models", h.ListModels).Methods(http.MethodGet)
	r.HandleFunc("/models/{device_id}", h.DeviceModels).Methods(http.MethodGet)
	r.HandleFunc("/models/{device_id}/{field}/retrain", h.Retrain).Methods(http.MethodPost)

	r.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
}

func corsOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
