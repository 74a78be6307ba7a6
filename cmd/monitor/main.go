// Command monitor runs the Monitor sink (C4): the Worker-facing IPC server
// that persists registrations, heartbeats, and LLM telemetry, plus the stale
// and retention sweepers.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/twitchcore/bot-core/internal/config"
	"github.com/twitchcore/bot-core/internal/logging"
	"github.com/twitchcore/bot-core/internal/monitor"
	"github.com/twitchcore/bot-core/internal/registry"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[monitor] ", log.LstdFlags)
	startupLog.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	var cfg config.Core
	if err := config.Load(&cfg, nil); err != nil {
		startupLog.Fatalf("load config: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		startupLog.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "monitor"})
	cfg.LogFields(logger)

	store, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open registry")
	}
	defer store.Close()

	sink := monitor.NewSink(cfg.MonitorSocketPath, 64, 4096, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sink.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start monitor sink")
	}

	stale := monitor.NewStaleSweeper(store, logger, cfg.HealthCheckInterval, cfg.StaleTimeout)
	go stale.Run(ctx)

	retention := monitor.NewRetentionSweeper(store, logger, cfg.DataRetentionDays)
	go retention.Run(ctx)

	go func() {
		if err := monitor.ServeMetrics(cfg.MetricsAddr); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	logger.Info().Str("socket", cfg.MonitorSocketPath).Msg("monitor ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("monitor shutting down")
	cancel()
}
