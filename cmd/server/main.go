package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/netzero-data/disclose"
	"github.com/netzero-data/disclose/internal"
)

// Server bundles the submission engines behind one HTTP mux.
type Server struct {
	cache     *internal.CoreCache
	manager   *internal.SubmissionManager
	revisions *internal.RevisionManager
	search    *internal.QueryTransformer
	validator *internal.AggregateValidator
	cfg       *disclose.Config
	mux       *http.ServeMux
}

// NewServer wires the engines onto a shared pool and schema cache.
func NewServer(pool *pgxpool.Pool, cfg *disclose.Config) *Server {
	cache := internal.NewCoreCache(pool)
	manager := internal.NewSubmissionManager(pool, cache, cfg.Loader)
	return &Server{
		cache:     cache,
		manager:   manager,
		revisions: internal.NewRevisionManager(pool, cache, manager),
		search:    internal.NewQueryTransformer(pool, cache),
		validator: internal.NewAggregateValidator(pool, manager.Loader()),
		cfg:       cfg,
		mux:       http.NewServeMux(),
	}
}

// RegisterRoutes registers all API routes.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("/api/v1/submissions", s.handleSubmissions)
	s.mux.HandleFunc("/api/v1/submissions/", s.handleSubmission)
	s.mux.HandleFunc("/api/v1/search", s.handleSearch)
	s.mux.HandleFunc("/api/v1/aggregates/validate", s.handleValidateAll)
	s.mux.HandleFunc("/api/v1/schemas/", s.handleSchema)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// Start starts the HTTP server on the given port.
func (s *Server) Start(port string) error {
	zap.S().Infow("starting server", "port", port)
	return http.ListenAndServe(":"+port, s.mux)
}

// refreshLoop re-reads schema metadata on the configured interval.
func (s *Server) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cache.Refresh(ctx); err != nil {
				zap.S().Errorw("schema cache refresh failed", "error", err)
			}
		}
	}
}

func main() {
	cfg := configFromEnv()

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	if err := cfg.Validate(); err != nil {
		sugar.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString())
	if err != nil {
		sugar.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	server := NewServer(pool, cfg)
	if err := server.cache.Refresh(ctx); err != nil {
		sugar.Fatalf("failed to load schema cache: %v", err)
	}
	if cfg.Cache.RefreshInterval > 0 {
		go server.refreshLoop(ctx, cfg.Cache.RefreshInterval)
	}
	server.RegisterRoutes()

	port := getEnv("PORT", "8080")
	if err := server.Start(port); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

func buildLogger(cfg disclose.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err == nil {
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

// configFromEnv populates the default configuration from environment
// variables.
func configFromEnv() *disclose.Config {
	cfg := disclose.DefaultConfig()
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.Username = getEnv("DB_USER", cfg.Database.Username)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.SSLMode = getEnv("DB_SSL_MODE", cfg.Database.SSLMode)
	cfg.Loader.BatchSize = getEnvInt("LOADER_BATCH_SIZE", cfg.Loader.BatchSize)
	if seconds := getEnvInt("LOADER_BATCH_TIMEOUT_SECONDS", 0); seconds > 0 {
		cfg.Loader.BatchTimeout = time.Duration(seconds) * time.Second
	}
	if seconds := getEnvInt("CACHE_REFRESH_SECONDS", 0); seconds > 0 {
		cfg.Cache.RefreshInterval = time.Duration(seconds) * time.Second
	}
	cfg.Cache.ValidatePayloads = getEnv("VALIDATE_PAYLOADS", "") == "true"
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
