// Command enrichd runs the enrichment engine and its HTTP API as a
// single daemon. All configuration comes from the environment; the
// store backend is selected with ENRICH_BACKEND (memory, redis, or
// postgres) and publishers are loaded from a JSON file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/api"
	"github.com/readwell/enrich/engine"
	"github.com/readwell/enrich/generate"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/publisher"
	"github.com/readwell/enrich/retrieve"
	"github.com/readwell/enrich/store/memory"
	pgstore "github.com/readwell/enrich/store/postgres"
	redisstore "github.com/readwell/enrich/store/redis"
)

type config struct {
	Backend  string `env:"ENRICH_BACKEND" envDefault:"memory"`
	HTTPAddr string `env:"ENRICH_HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"ENRICH_LOG_LEVEL" envDefault:"info"`

	RedisAddr     string `env:"ENRICH_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"ENRICH_REDIS_PASSWORD"`
	PostgresDSN   string `env:"ENRICH_POSTGRES_DSN"`

	PublishersFile string `env:"ENRICH_PUBLISHERS_FILE"`

	Concurrency int `env:"ENRICH_WORKER_CONCURRENCY"`
	MaxAttempts int `env:"ENRICH_MAX_ATTEMPTS"`

	ShutdownTimeout time.Duration `env:"ENRICH_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("enrichd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	directory, err := loadDirectory(cfg.PublishersFile, logger)
	if err != nil {
		return err
	}

	engCfg := enrich.DefaultConfig()
	if cfg.Concurrency > 0 {
		engCfg.Concurrency = cfg.Concurrency
	}
	if cfg.MaxAttempts > 0 {
		engCfg.MaxAttempts = cfg.MaxAttempts
	}
	engCfg.ShutdownTimeout = cfg.ShutdownTimeout

	eng, err := engine.New(
		engine.WithStore(store),
		engine.WithDirectory(directory),
		engine.WithRetriever(retrieve.New(retrieve.WithLogger(logger))),
		engine.WithGenerator(generate.NewExtractive()),
		engine.WithConfig(engCfg),
		engine.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(eng, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}

	logger.Info("enrichd stopped")
	return nil
}

// buildStore selects and initializes the configured backend. The
// returned func releases backend resources at shutdown.
func buildStore(ctx context.Context, cfg config, logger *slog.Logger) (any, func(), error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory store; jobs will not survive restarts")
		return memory.New(), func() {}, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		s := redisstore.New(client, redisstore.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return s, func() { client.Close() }, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("ENRICH_POSTGRES_DSN is required for the postgres backend")
		}
		s, err := pgstore.New(ctx, cfg.PostgresDSN, pgstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want memory, redis, or postgres)", cfg.Backend)
	}
}

// publisherEntry is one record in the publishers file. Limits are
// optional; absent limits fall back to the tier defaults.
type publisherEntry struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Tier   publisher.Tier    `json:"tier"`
	Limits *publisher.Limits `json:"limits,omitempty"`
}

// loadDirectory reads the publishers file into a StaticDirectory. With
// no file configured the directory starts empty and every submission
// is rejected until publishers are added.
func loadDirectory(path string, logger *slog.Logger) (*publisher.StaticDirectory, error) {
	if path == "" {
		logger.Warn("no publishers file configured; all submissions will be rejected")
		return publisher.NewStaticDirectory(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publishers file: %w", err)
	}

	var entries []publisherEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse publishers file: %w", err)
	}

	dir := publisher.NewStaticDirectory()
	for _, e := range entries {
		pubID, err := id.ParsePublisherID(e.ID)
		if err != nil {
			return nil, fmt.Errorf("publisher %q: invalid id: %w", e.Name, err)
		}

		limits := publisher.DefaultLimits(e.Tier)
		if e.Limits != nil {
			limits = *e.Limits
		}

		dir.Add(&publisher.Publisher{
			Entity: enrich.NewEntity(),
			ID:     pubID,
			Name:   e.Name,
			Tier:   e.Tier,
			Limits: limits,
		})
		logger.Info("loaded publisher",
			slog.String("publisher_id", e.ID),
			slog.String("name", e.Name),
			slog.String("tier", string(e.Tier)),
		)
	}
	return dir, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
