// @title           casedesk API
// @version         0.1.0
// @description     Case-management backend with automatic audit and change tracking
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT bearer token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness, and version endpoints.
//
// @tag.name         Audit
// @tag.description  Audit log queries, entity history, statistics, export, manual entries and retention.

// Package main is the entry point for the casedesk server binary. It dispatches three
// subcommands (serve, migrate and version) via a switch on os.Args. The serve command runs
// migrations on startup so a fresh deployment never needs a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/casedesk/casedesk/internal/api"
	"github.com/casedesk/casedesk/internal/audit"
	"github.com/casedesk/casedesk/internal/auth"
	"github.com/casedesk/casedesk/internal/config"
	"github.com/casedesk/casedesk/internal/db"
	"github.com/casedesk/casedesk/internal/db/repositories"
	"github.com/casedesk/casedesk/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("casedesk v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func connect(cfg *config.Config) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return db.Connect(ctx, cfg.Database.GetDSN(), db.PoolConfig{
		MaxOpen:         cfg.Database.MaxConnections,
		MaxIdle:         cfg.Database.MinIdleConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "user", cfg.Database.User, "ssl_mode", cfg.Database.SSLMode)

	database, err := connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	if cfg.Telemetry.Metrics.Enabled {
		telemetry.StartDBStatsCollector(collectorCtx, database.DB, cfg.Telemetry.Metrics.DBStatsPeriod)
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rdb = client
		slog.Info("redis rate limiting enabled", "addr", cfg.Redis.Addr)
	}

	multi, err := audit.NewMultiShipper(cfg.Audit.ShipperConfigs())
	if err != nil {
		return fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	defer func() {
		if err := multi.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}()
	var shipper audit.Shipper
	if multi.Len() > 0 {
		shipper = multi
		slog.Info("audit shipping enabled", "destinations", multi.Len())
	}

	store := repositories.NewAuditRepository(database)
	recorder := audit.NewRecorder(store, shipper, cfg.Audit.WriteTimeout)

	lookups := audit.NewLookupRegistry()
	for entityType, table := range cfg.Audit.EntityTables {
		lookup, err := repositories.NewTableLookup(database, table)
		if err != nil {
			return fmt.Errorf("audit.entity_tables[%s]: %w", entityType, err)
		}
		lookups.Register(entityType, lookup)
	}

	router, bgServices, err := api.NewRouter(api.Dependencies{
		Config:   cfg,
		DB:       database,
		Redis:    rdb,
		Tokens:   tokens,
		Audit:    store,
		Recorder: recorder,
		Lookups:  lookups,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "audit_enabled", cfg.Audit.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	// Detached audit writes outlive their requests; drain them before closing the pool.
	if !recorder.Wait(ctx) {
		slog.Warn("audit writes still in flight at shutdown")
	}

	slog.Info("server stopped gracefully")
	return nil
}

// startMetricsServer serves /metrics on a dedicated port so it is not reachable through the
// public API ingress.
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)

	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}
