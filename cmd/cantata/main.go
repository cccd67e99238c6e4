package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "gocloud.dev/blob/fileblob"
	_ "modernc.org/sqlite"

	app "github.com/tonal-labs/cantata"
	"github.com/tonal-labs/cantata/internal/analyzer"
	"github.com/tonal-labs/cantata/internal/client"
	"github.com/tonal-labs/cantata/internal/config"
	"github.com/tonal-labs/cantata/internal/engine"
	"github.com/tonal-labs/cantata/internal/metrics"
	"github.com/tonal-labs/cantata/internal/optimizer"
	"github.com/tonal-labs/cantata/internal/server"
	"github.com/tonal-labs/cantata/internal/storage"
	"github.com/tonal-labs/cantata/pkg/log"
)

type cantata struct {
	cfg        *config.Config
	store      storage.Store
	db         *sql.DB
	redis      *redis.Client
	archive    *metrics.Archiver
	metrics    *metrics.FileStore
	toolClient client.Client
	engine     *engine.Engine
	analyzer   *analyzer.Analyzer
	optimizer  *optimizer.Optimizer
	apiServer  *server.Server
	httpServer *http.Server
	quit       chan os.Signal
}

var (
	ErrOpenSQLite     = errors.New("failed to open sqlite database")
	ErrCreateStore    = errors.New("failed to create composition store")
	ErrCreateMetrics  = errors.New("failed to create metrics store")
	ErrCreateArchive  = errors.New("failed to open metrics archive")
	ErrCreateEngine   = errors.New("failed to create engine")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrBadConfig      = errors.New("invalid configuration")
	ErrConnectRedis   = errors.New("failed to connect to redis")
)

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &cantata{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *cantata) run() error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}

	if err := s.initializeStores(); err != nil {
		return err
	}

	if err := s.initializeEngine(); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *cantata) setupLogging() {
	level := log.ParseLevel(s.cfg.LogLevel)
	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Cantata Engine starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("storage_backend", s.cfg.Storage.Backend),
		slog.String("metrics_dir", s.cfg.MetricsDir),
		slog.String("registry_url", s.cfg.RegistryURL),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

func (s *cantata) initializeStores() error {
	switch s.cfg.Storage.Backend {
	case "memory":
		s.store = storage.NewMemoryStore()

	case "redis":
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Storage.RedisAddr,
			Password: s.cfg.Storage.RedisPass,
			DB:       s.cfg.Storage.RedisDB,
		})
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectRedis, err)
		}
		s.store = storage.NewRedisStore(s.redis, s.cfg.Storage.Prefix)

	case "sqlite":
		db, err := sql.Open("sqlite", s.cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenSQLite, err)
		}
		s.db = db
		store, err := storage.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("%w: %w", ErrCreateStore, err)
		}
		s.store = store

	default:
		return fmt.Errorf("%w: %s", ErrUnknownBackend, s.cfg.Storage.Backend)
	}

	if s.cfg.MetricsArchiveURL != "" {
		archive, err := metrics.NewArchiver(
			context.Background(), s.cfg.MetricsArchiveURL,
			s.cfg.Storage.Prefix+"/",
		)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCreateArchive, err)
		}
		s.archive = archive
	}

	ms, err := metrics.NewFileStore(s.cfg.MetricsDir, s.archive)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateMetrics, err)
	}
	s.metrics = ms
	return nil
}

func (s *cantata) initializeEngine() error {
	s.toolClient = client.NewHTTPClient(client.Config{
		RegistryURL:    s.cfg.RegistryURL,
		RegistryAPIKey: s.cfg.RegistryAPIKey,
		DelegateURL:    s.cfg.DelegateURL,
		DelegateAPIKey: s.cfg.DelegateAPIKey,
		MaxAttempts:    s.cfg.ClientMaxAttempts,
		InitialBackoff: s.cfg.ClientInitialBackoff,
		MaxBackoff:     s.cfg.ClientMaxBackoff,
	})

	eng, err := engine.New(engine.Dependencies{
		Storage:  s.store,
		Client:   s.toolClient,
		Recorder: s.metrics,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateEngine, err)
	}
	s.engine = eng

	s.analyzer = analyzer.New(s.store, s.metrics, analyzer.Config{
		WindowDays:           s.cfg.Analyzer.WindowDays,
		MinExecutions:        s.cfg.Analyzer.MinExecutions,
		SuccessRateThreshold: s.cfg.Analyzer.SuccessRateThreshold,
		LatencyThresholdMs:   s.cfg.Analyzer.LatencyThresholdMs,
	})
	s.optimizer = optimizer.New(s.store, s.analyzer)
	return nil
}

func (s *cantata) startServer() {
	s.apiServer = server.NewServer(
		s.engine, s.store, s.metrics, s.analyzer, s.optimizer,
	)
	mux := s.apiServer.SetupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *cantata) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.apiServer.CloseWebSockets()
	s.engine.Events().Close()

	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.archive != nil {
		_ = s.archive.Close()
	}

	slog.Info("Server exited")
}
