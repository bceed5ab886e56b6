// Package main is the entry point for the vwsmock service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vwsmock/vwsmock/internal/admin"
	"github.com/vwsmock/vwsmock/internal/config"
	"github.com/vwsmock/vwsmock/internal/match"
	"github.com/vwsmock/vwsmock/internal/metrics"
	"github.com/vwsmock/vwsmock/internal/rate"
	"github.com/vwsmock/vwsmock/internal/store"
	"github.com/vwsmock/vwsmock/internal/vwq"
	"github.com/vwsmock/vwsmock/internal/vws"
)

func main() {
	// Determine config path
	configPath := os.Getenv("CONFIG_PATH")

	// Load configuration
	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Initialize logger
	logger, err := newLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting vwsmock",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("log_level", cfg.App.LogLevel),
	)

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	// Build the target repository and seed the configured databases
	manager := store.NewTargetManager(cfg.Targets.ProcessingTime.Duration, newRater(cfg), nil)
	for _, seed := range cfg.Databases {
		db := store.NewDatabase(store.DatabaseSpec{
			Name:            seed.DatabaseName,
			ServerAccessKey: seed.ServerAccessKey,
			ServerSecretKey: seed.ServerSecretKey,
			ClientAccessKey: seed.ClientAccessKey,
			ClientSecretKey: seed.ClientSecretKey,
			State:           store.State(seed.StateName),
		})
		if err := manager.AddDatabase(db); err != nil {
			logger.Fatal("failed to seed database",
				zap.String("database", seed.DatabaseName),
				zap.Error(err),
			)
		}
		logger.Info("seeded database", zap.String("database", db.Name))
	}

	metrics.RegisterRepositoryGauges(registry,
		func() float64 { return float64(len(manager.Databases())) },
		func() float64 {
			n := 0
			for _, db := range manager.Databases() {
				n += len(db.NotDeletedTargets())
			}
			return float64(n)
		},
		func() float64 {
			n := 0
			for _, db := range manager.Databases() {
				n += len(db.AllTargets()) - len(db.NotDeletedTargets())
			}
			return float64(n)
		},
	)

	matcher := newMatcher(cfg)

	// Build the API servers
	servicesServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Servers.ServicesPort),
		Handler: vws.NewServer(logger, manager, matcher, m, cfg.Query.ResponseDelay.Duration).Handler(),
	}
	queryServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Servers.QueryPort),
		Handler: vwq.NewServer(
			logger, manager, matcher, m,
			cfg.Query.RecognizesDeletion.Duration,
			cfg.Query.ResponseDelay.Duration,
		).Handler(),
	}
	adminServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Servers.AdminPort),
		Handler: admin.NewServer(logger, manager, m).Handler(),
	}

	// Metrics/health server
	metricsServer := metrics.NewServer(
		cfg.Metrics.Port,
		cfg.Metrics.Path,
		cfg.Health.LivenessPath,
		cfg.Health.ReadinessPath,
		registry,
	)

	// Create context with cancellation for shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Use errgroup for goroutine lifecycle
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting services server", zap.Int("port", cfg.Servers.ServicesPort))
		return serve(servicesServer)
	})
	g.Go(func() error {
		logger.Info("starting query server", zap.Int("port", cfg.Servers.QueryPort))
		return serve(queryServer)
	})
	g.Go(func() error {
		logger.Info("starting admin server", zap.Int("port", cfg.Servers.AdminPort))
		return serve(adminServer)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("starting metrics server", zap.Int("port", cfg.Metrics.Port))
			return metricsServer.Start()
		})
	}

	// Mark as ready
	metricsServer.SetReady(true)
	logger.Info("vwsmock is ready")

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gCtx.Done():
		logger.Info("context cancelled")
	}

	// Graceful shutdown sequence
	logger.Info("starting graceful shutdown")
	metricsServer.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for name, srv := range map[string]*http.Server{
		"services": servicesServer,
		"query":    queryServer,
		"admin":    adminServer,
	} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.String("server", name), zap.Error(err))
		}
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	// Wait for all goroutines
	if err := g.Wait(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("vwsmock shutdown complete")
}

// serve runs an HTTP server, treating ErrServerClosed as a clean exit.
func serve(srv *http.Server) error {
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newMatcher(cfg *config.Config) match.Matcher {
	if cfg.Matcher.Kind == "exact" {
		return match.ExactMatcher{}
	}
	return match.SimilarityMatcher{Threshold: cfg.Matcher.SimilarityThreshold}
}

func newRater(cfg *config.Config) rate.Rater {
	switch cfg.Rater.Kind {
	case "hardcoded":
		return rate.HardcodedRater{Rating: cfg.Rater.HardcodedRating}
	case "random":
		return rate.RandomRater{}
	default:
		return rate.QualityRater{}
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}
