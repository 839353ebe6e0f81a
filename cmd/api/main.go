package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castellan/castellan/internal/cache"
	"github.com/castellan/castellan/internal/catalog"
	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/database"
	"github.com/castellan/castellan/internal/engine"
	"github.com/castellan/castellan/internal/logging"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/monitoring"
	"github.com/castellan/castellan/internal/provision"
	"github.com/castellan/castellan/internal/quota"
	"github.com/castellan/castellan/internal/ratelimit"
	"github.com/castellan/castellan/internal/scope"
	"github.com/castellan/castellan/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("name", cfg.Server.Name).
		Msg("Starting Castellan credential server")

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	// Initialize Prometheus metrics
	monitoring.Init()

	// Start metrics server if enabled
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}
	go samplePoolStats(db)

	store := credential.NewPostgresStore(db.Pool)
	checks := []server.HealthChecker{db}

	// Rate limit windows live in Redis when available so multiple
	// instances share them; otherwise each instance counts locally.
	var limiter ratelimit.Limiter
	if cfg.Redis.Enabled {
		redis, err := cache.New(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redis.Close()
		limiter = ratelimit.NewRedisLimiter(redis)
		checks = append(checks, redis)
		log.Info().Msg("Using Redis rate limiter")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		log.Info().Msg("Using in-memory rate limiter")
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build catalog registry")
	}

	validator := scope.NewValidator(registry, cfg.Catalog.DefaultGroup)
	accountant := quota.NewAccountant(store)
	eng := engine.New(store, validator, limiter, accountant, nil)
	prov := provision.NewProvisioner(store, models.RateLimit{
		WindowSeconds: cfg.Limiter.DefaultWindowSeconds,
		MaxRequests:   cfg.Limiter.DefaultMaxRequests,
		MaxSuccesses:  cfg.Limiter.DefaultMaxSuccesses,
	})

	// Create and start server
	srv := server.NewAPIServer(cfg, store, prov, eng, registry, checks...)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

// buildRegistry picks the catalog source: an upstream console when
// CATALOG_URL is set, the static tables from the environment otherwise.
func buildRegistry(cfg *config.Config) (catalog.Registry, error) {
	if cfg.Catalog.URL != "" {
		log.Info().Str("url", cfg.Catalog.URL).Msg("Using upstream catalog")
		return catalog.NewClient(cfg.Catalog.URL), nil
	}
	return catalog.NewStaticFromConfig(&cfg.Catalog)
}

// samplePoolStats feeds the connection pool gauges.
func samplePoolStats(db *database.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stat := db.Pool.Stat()
		monitoring.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))
	}
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
