// Command hub runs the EventSub Hub (C7): the single upstream WebSocket
// session shared by every tenant, subscription reconciliation, and the
// Worker-facing IPC server.
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
	"github.com/twitchcore/bot-core/internal/credential"
	"github.com/twitchcore/bot-core/internal/hub"
	"github.com/twitchcore/bot-core/internal/logging"
	"github.com/twitchcore/bot-core/internal/registry"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[hub] ", log.LstdFlags)
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

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "hub"})
	cfg.LogFields(logger)

	store, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open registry")
	}
	defer store.Close()

	// The real Credential Store (C2) lives outside this module; this
	// reference binary seeds an in-process stand-in from environment
	// variables so the Hub has something to call Get() against.
	creds := credential.NewMemStore()
	if cfg.EventsubBotUserID != "" {
		creds.Seed(credential.Credential{
			UserID:      cfg.EventsubBotUserID,
			AccessToken: cfg.EventsubToken,
			Status:      credential.StatusValid,
		})
	}

	upstream := hub.NewUpstreamClient(cfg.EventsubURL, func(ctx context.Context) (string, error) {
		c, err := creds.Get(ctx, cfg.EventsubBotUserID)
		if err != nil {
			return "", err
		}
		return c.AccessToken, nil
	})

	h := hub.New(hub.Config{
		SocketPath:              cfg.HubSocketPath,
		EventsubURL:             cfg.EventsubWSURL,
		ReconcileInterval:       cfg.EventsubReconcileInterval,
		ReqRatePerSec:           cfg.EventsubReqRatePerSec,
		ReqJitterMinMs:          0,
		ReqJitterMaxMs:          cfg.EventsubReqJitterMs,
		WSBackoffBase:           cfg.WSBackoffBase,
		WSBackoffMax:            cfg.WSBackoffMax,
		MaxCostRetryAttempts:    cfg.MaxCostRetryAttempts,
		SessionHandshakeTimeout: cfg.SessionHandshakeTimeout,
		CostBudget:              cfg.CostBudget,
		IPCSendBuffer:           64,
	}, store, upstream, logger)

	// The reference Credential Store stand-in holds one shared bot token, not
	// a per-channel token map, so a rejected token is reported against the
	// bot user id; the channel that triggered the failure is only logged.
	h.SetCredentialFailureHandler(func(ctx context.Context, channelID string) {
		if err := creds.ReportRefreshFailure(ctx, cfg.EventsubBotUserID); err != nil {
			logger.Error().Err(err).Str("channel_id", channelID).Msg("report credential refresh failure")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start hub")
	}

	go func() {
		if err := hub.ServeMetrics(cfg.MetricsAddr); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	logger.Info().Str("socket", cfg.HubSocketPath).Msg("hub ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("hub shutting down")
	cancel()
}
