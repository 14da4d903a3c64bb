package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/retailgrid/script_layer/infrastructure/config"
	"github.com/retailgrid/script_layer/infrastructure/logging"
	"github.com/retailgrid/script_layer/infrastructure/metrics"
	"github.com/retailgrid/script_layer/infrastructure/ratelimit"
	"github.com/retailgrid/script_layer/internal/api"
	"github.com/retailgrid/script_layer/internal/engine"
	"github.com/retailgrid/script_layer/internal/executor"
	"github.com/retailgrid/script_layer/internal/scheduler"
	"github.com/retailgrid/script_layer/internal/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		cfg.HTTPAddr = trimmed
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.DatabaseURL = trimmed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New("scriptlayer", cfg.LogLevel, cfg.LogFormat)
	mets := metrics.New("scriptlayer")

	rootCtx := context.Background()

	var st store.Store
	var pg *store.PostgresStore
	if cfg.DatabaseURL != "" {
		pg, err = store.Open(rootCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		st = pg
	} else {
		st = store.NewMemoryStore()
		logger.Info("no DSN configured, using in-memory script store")
	}

	exec, err := executor.New(executor.Config{
		PoolSize:  cfg.PoolSize,
		CacheSize: cfg.CacheSize,
		Limits: engine.Limits{
			MemoryLimit:  int64(cfg.MemoryLimit),
			MaxCallStack: cfg.MaxCallStack,
			Timeout:      cfg.Timeout.Std(),
		},
		Logger:  logger,
		Metrics: mets,
	})
	if err != nil {
		log.Fatalf("initialise executor: %v", err)
	}
	defer exec.Close()

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(exec, st, logger)
		if err := sched.Start(rootCtx); err != nil {
			log.Fatalf("start scheduler: %v", err)
		}
	}

	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitPerSecond,
		Burst:             cfg.RateLimitBurst,
	})

	server := api.NewServer(exec, st, logger, limiter)

	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr}).Info("script layer listening")
	if err := server.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		logger.WithError(err).Error("http server stopped")
	}

	if sched != nil {
		sched.Stop()
	}
	if pg != nil {
		if err := pg.Close(); err != nil {
			logger.WithError(err).Warn("close postgres")
		}
	}
	os.Exit(0)
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.FromFile(trimmed)
	}
	return config.FromEnv()
}
