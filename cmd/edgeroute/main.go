package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/httpclient"
	"github.com/wudi/edgeroute/internal/kv"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/server"
	"github.com/wudi/edgeroute/internal/tracing"
	"github.com/wudi/edgeroute/route"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/edgeroute.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgeroute %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *validateOnly {
		if _, err := config.NewLoader().Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "edgeroute: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer watcher.Stop()
	cfg := watcher.GetConfig()

	logger, err := logging.NewWithOutput(cfg.Logging.Level, cfg.Logging.Output, logging.Rotation{
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting edgeroute",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("kv", cfg.KV.Type),
		zap.Int("groups", len(cfg.Routes)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracer.Close()

	store, err := kv.New(ctx, cfg.KV)
	if err != nil {
		return fmt.Errorf("failed to initialize kv store: %w", err)
	}
	defer store.Close()

	client, err := httpclient.New(cfg.Client,
		httpclient.WithLogger(logger.Named("client")),
		httpclient.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize http client: %w", err)
	}

	router, err := route.New(cfg.Routes,
		route.WithLogger(logger),
		route.WithClient(client),
		route.WithKVStore(store),
		route.WithMetrics(collector),
		route.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	watcher.OnChange(func(next *config.Config) {
		if err := router.SetRoutes(next.Routes); err != nil {
			logging.Error("Route reload rejected", zap.Error(err))
			return
		}
		logging.Info("Routes reloaded", zap.Int("groups", len(next.Routes)))
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}

	srv := server.New(cfg.Server, router,
		server.WithLogger(logger),
		server.WithMetrics(collector, cfg.Metrics.Path),
		server.WithTracer(tracer),
	)
	return srv.Run(ctx)
}
