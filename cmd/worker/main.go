// Command worker runs one reference Worker (C5) process for a single
// channel. The Supervisor spawns one of these per configured channel,
// passing its identity via flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/twitchcore/bot-core/internal/config"
	"github.com/twitchcore/bot-core/internal/logging"
	"github.com/twitchcore/bot-core/internal/worker"
)

// noopChatSession is the stand-in for chat-feature logic, which this core
// deliberately does not implement. It exists only to prove the Worker keeps
// *some* long-running activity alive independent of Hub/Monitor reachability.
type noopChatSession struct{ logger zerolog.Logger }

func (n noopChatSession) Run(ctx context.Context) {
	n.logger.Info().Msg("chat session running (no chat feature logic wired into this core)")
	<-ctx.Done()
}

func main() {
	var (
		debug     = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		channel   = flag.String("channel", "", "channel login name (required)")
		channelID = flag.String("channel-id", "", "channel numeric id (required)")
		topics    = flag.String("topics", "stream.online,stream.offline", "comma-separated EventSub topics")
	)
	flag.Parse()

	startupLog := log.New(os.Stdout, "[worker] ", log.LstdFlags)
	startupLog.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	if *channel == "" || *channelID == "" {
		startupLog.Fatal("both -channel and -channel-id are required")
	}

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

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "worker:" + *channel})

	topicList := splitTopics(*topics)

	w := worker.New(worker.Config{
		Channel:           *channel,
		ChannelID:         *channelID,
		Topics:            topicList,
		HubSocketPath:     cfg.HubSocketPath,
		MonitorSocketPath: cfg.MonitorSocketPath,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IPCOutboxSize:     64,
	}, noopChatSession{logger: logger}, func(topic, eventID string, payload json.RawMessage) {
		logger.Debug().Str("topic", topic).Str("event_id", eventID).Msg("worker: event received")
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	logger.Info().Str("channel", *channel).Strs("topics", topicList).Msg("worker ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("worker shutting down")
	cancel()
	<-done
}

func splitTopics(raw string) []string {
	out := []string{}
	for _, t := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(t)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
