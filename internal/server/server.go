// Package server wires the protocol engine together: database, chunk
// buffer, object store, device link, command dispatcher, watchdog, and
// the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/brainlytree/canopy/internal/chunkstore"
	"github.com/brainlytree/canopy/internal/dispatch"
	"github.com/brainlytree/canopy/internal/hierarchy"
	"github.com/brainlytree/canopy/internal/objectstore"
	"github.com/brainlytree/canopy/internal/protocol"
	"github.com/brainlytree/canopy/internal/schedule"
	"github.com/brainlytree/canopy/internal/scoring"
	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
	"github.com/brainlytree/canopy/internal/watchdog"
	"github.com/brainlytree/canopy/pkg/logger"
	"github.com/brainlytree/canopy/pkg/metrics"
	"github.com/brainlytree/canopy/pkg/mq"
	"github.com/brainlytree/canopy/pkg/mqtt"
)

const (
	// metricsNamespace prefixes every exported metric.
	metricsNamespace = "canopy"

	// sessionLockInterval is the cadence of the day-end session lock sweep.
	sessionLockInterval = 5 * time.Minute

	// metricsShutdownTimeout bounds the metrics listener drain on shutdown.
	metricsShutdownTimeout = 5 * time.Second
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// MQTT broker configuration
	BrokerURL      string
	BrokerClientID string
	BrokerUsername string
	BrokerPassword string

	// Redis chunk buffer configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RabbitMQ scoring queue configuration
	RabbitMQURL string

	// Image object store root directory
	ImageDir string

	// Metrics HTTP listener port
	MetricsPort int
}

// Server runs the wake-session protocol engine.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	db      *gorm.DB
	client  *mqtt.Client
	queue   *mq.Client
	metrics *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}
	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}
	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}
	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.ImageDir == "" {
		return nil, errors.New("image directory cannot be empty")
	}
	if cfg.MetricsPort <= 0 {
		return nil, errors.New("metrics port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the engine and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting protocol engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Database and typed store.
	db, err := store.NewDB(&store.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	registry, err := store.New(db, logger.ForComponent(s.logger, "store"))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	// Chunk buffer and image object store.
	chunks, err := chunkstore.NewRedisStore(s.config.RedisAddr, s.config.RedisPassword, s.config.RedisDB)
	if err != nil {
		return fmt.Errorf("failed to initialize chunk buffer: %w", err)
	}
	objects, err := objectstore.NewFSStore(s.config.ImageDir)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	// Device link.
	client, err := mqtt.New(&mqtt.Config{
		Logger:    logger.ForComponent(s.logger, "mqtt"),
		BrokerURL: s.config.BrokerURL,
		ClientID:  s.config.BrokerClientID,
		Username:  s.config.BrokerUsername,
		Password:  s.config.BrokerPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	s.client = client

	// Scoring queue.
	s.queue = mq.New(scoring.QueueName, s.config.RabbitMQURL, logger.ForComponent(s.logger, "mq"))

	protocolMetrics := metrics.NewProtocolMetrics(metricsNamespace)
	dispatchMetrics := metrics.NewDispatchMetrics(metricsNamespace)
	watchdogMetrics := metrics.NewWatchdogMetrics(metricsNamespace)

	scorer, err := scoring.New(&scoring.Config{
		Logger:         logger.ForComponent(s.logger, "scoring"),
		Queue:          s.queue,
		FailureCounter: protocolMetrics.ScoringPublishErrs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scoring publisher: %w", err)
	}

	scheduler := schedule.New(logger.ForComponent(s.logger, "schedule"))
	resolver := hierarchy.NewStoreResolver(registry)

	sessions, err := session.New(&session.Config{
		Logger:    logger.ForComponent(s.logger, "session"),
		Registry:  registry,
		Scheduler: scheduler,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session coordinator: %w", err)
	}

	dispatcher, err := dispatch.New(&dispatch.Config{
		Logger:  logger.ForComponent(s.logger, "dispatch"),
		Queue:   registry,
		Client:  client,
		Metrics: dispatchMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	handler, err := protocol.New(&protocol.Config{
		Logger:    logger.ForComponent(s.logger, "protocol"),
		Registry:  registry,
		Chunks:    chunks,
		Objects:   objects,
		Resolver:  resolver,
		Sessions:  sessions,
		Scheduler: scheduler,
		Scoring:   scorer,
		Client:    client,
		Commands:  dispatcher,
		Metrics:   protocolMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize protocol handler: %w", err)
	}

	orchestrator, err := watchdog.New(&watchdog.Config{
		Logger:    logger.ForComponent(s.logger, "watchdog"),
		Registry:  registry,
		Resolver:  resolver,
		Scheduler: scheduler,
		Sessions:  sessions,
		Metrics:   watchdogMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize watchdog: %w", err)
	}

	if err := handler.Start(); err != nil {
		return fmt.Errorf("failed to start protocol handler: %w", err)
	}

	go dispatcher.Run(ctx)
	go orchestrator.Run(ctx)
	go orchestrator.RunSessionLock(ctx, sessionLockInterval)

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metrics = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: mux,
	}

	metricsErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting metrics server", "address", s.metrics.Addr)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- fmt.Errorf("metrics server error: %w", err)
		}
		close(metricsErr)
	}()

	s.logger.Info("protocol engine started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-metricsErr:
		if err != nil {
			s.logger.Error("metrics server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the engine.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down protocol engine")

	var shutdownErr error

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop metrics server", "error", err)
			shutdownErr = fmt.Errorf("metrics shutdown error: %w", err)
		}
		cancel()
	}

	if s.client != nil {
		s.client.Close()
	}

	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("failed to close scoring queue", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; queue close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("queue close error: %w", err)
			}
		}
	}

	if s.db != nil {
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("protocol engine shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("protocol engine shutdown completed successfully")
	return nil
}
