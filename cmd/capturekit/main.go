// Package main is the capturekit daemon: a streaming capture engine
// that records device streams into content-addressed chunk storage and
// serves session and slicing operations over its service surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/capturekit/cas"
	"github.com/c360/capturekit/config"
	"github.com/c360/capturekit/eventbus"
	"github.com/c360/capturekit/metric"
	"github.com/c360/capturekit/natsclient"
	"github.com/c360/capturekit/rtio"
	"github.com/c360/capturekit/service"
)

const (
	Version = "0.1.0"
	appName = "capturekit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := cfg.Logging.Logger().With("service", appName, "node", cfg.Node.ID)
	slog.SetDefault(logger)
	logger.Info("starting capture engine", "version", Version, "config", cliCfg.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()
	metrics := registry.CoreMetrics()

	store, err := cas.NewStore(cfg.CAS, logger)
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}
	engine, err := rtio.NewEngine(cfg.RTIO, logger)
	if err != nil {
		return fmt.Errorf("rt engine: %w", err)
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		append(cfg.NATS.Options(),
			natsclient.WithLogger(logger),
			natsclient.WithMetrics(metrics))...)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer natsClient.Close(context.Background())

	bus := eventbus.New(natsClient, cfg.EventBus, logger, metrics)
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer func() { _ = bus.Stop(5 * time.Second) }()

	svc, err := service.New(service.Dependencies{
		Config:  cfg,
		Store:   store,
		Engine:  engine,
		Bus:     bus,
		Logger:  logger,
		Metrics: metrics,
	}, service.WithRTDriver())
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("service start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		g.Go(func() error {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return metricsServer.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()

		if metricsServer != nil {
			_ = metricsServer.Stop()
		}
		return svc.Stop(shutdownCtx)
	})

	return g.Wait()
}

func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(cliCfg.ConfigPath)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	// CLI flags win over file and environment.
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}
	return cfg, nil
}
