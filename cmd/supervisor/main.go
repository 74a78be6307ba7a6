// Command supervisor runs the Supervisor (C6): it spawns the Monitor, the
// Hub, and one Worker process per configured channel, restarts crashed
// children with backoff, and serves the filesystem command inbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/twitchcore/bot-core/internal/config"
	"github.com/twitchcore/bot-core/internal/logging"
	"github.com/twitchcore/bot-core/internal/registry"
	"github.com/twitchcore/bot-core/internal/supervisor"
)

// channelCommandHandler adapts channel names to worker ChildSpecs so the
// command inbox can start/stop/restart a Worker by channel login.
type channelCommandHandler struct {
	sup        *supervisor.Supervisor
	workerPath string
	env        []string
	byLogin    map[string]config.Channel
}

func (h *channelCommandHandler) specFor(login string) (supervisor.ChildSpec, error) {
	ch, ok := h.byLogin[login]
	if !ok {
		return supervisor.ChildSpec{}, fmt.Errorf("unknown channel %q", login)
	}
	return workerSpecFor(h.workerPath, h.env, ch), nil
}

func workerSpecFor(workerPath string, env []string, ch config.Channel) supervisor.ChildSpec {
	args := []string{"-channel", ch.Login, "-channel-id", ch.ID}
	if len(ch.Topics) > 0 {
		args = append(args, "-topics", strings.Join(ch.Topics, ","))
	}
	return supervisor.ChildSpec{
		Name:    "worker:" + ch.Login,
		Command: workerPath,
		Args:    args,
		Env:     env,
	}
}

func (h *channelCommandHandler) StartChannel(ctx context.Context, channel string) error {
	spec, err := h.specFor(channel)
	if err != nil {
		return err
	}
	return h.sup.StartChild(ctx, spec)
}

func (h *channelCommandHandler) StopChannel(ctx context.Context, channel string) error {
	return h.sup.StopChild(ctx, "worker:"+channel)
}

func (h *channelCommandHandler) RestartChannel(ctx context.Context, channel string) error {
	spec, err := h.specFor(channel)
	if err != nil {
		return err
	}
	return h.sup.RestartChild(ctx, spec)
}

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		monitorPath = flag.String("monitor-bin", "monitor", "path to the monitor binary")
		hubPath     = flag.String("hub-bin", "hub", "path to the hub binary")
		workerPath  = flag.String("worker-bin", "worker", "path to the worker binary")
		commandFile = flag.String("command-file", "/tmp/twitchcore/supervisor.cmd", "filesystem command inbox path")
		resultFile  = flag.String("result-file", "/tmp/twitchcore/supervisor.result", "filesystem command result path")
	)
	flag.Parse()

	startupLog := log.New(os.Stdout, "[supervisor] ", log.LstdFlags)
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

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "supervisor"})
	cfg.LogFields(logger)

	store, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open registry")
	}
	defer store.Close()

	provider := config.NewFileProvider(cfg.ChannelsFile)
	channels, err := provider.Channels()
	if err != nil {
		logger.Fatal().Err(err).Msg("load channel roster")
	}

	sup := supervisor.New(supervisor.Config{
		InterStartDelay:     cfg.SupervisorInterStartDelay,
		HealthCheckInterval: cfg.HealthCheckInterval,
		MaxCrashCount:       cfg.MaxCrashCount,
		RestartBackoffBase:  cfg.SupervisorRestartBackoffBase,
		RestartBackoffCap:   cfg.SupervisorRestartBackoffCap,
		StopTimeout:         cfg.SupervisorStopTimeout,
		MonitorSocketPath:   cfg.MonitorSocketPath,
		HubSocketPath:       cfg.HubSocketPath,
	}, store, logger)

	env := os.Environ()

	monitorSpec := supervisor.ChildSpec{Name: "monitor", Command: resolveBin(*monitorPath), Env: env}
	hubSpec := supervisor.ChildSpec{Name: "hub", Command: resolveBin(*hubPath), Env: env}

	resolvedWorkerPath := resolveBin(*workerPath)
	byLogin := make(map[string]config.Channel, len(channels))
	var workerSpecs []supervisor.ChildSpec
	for _, ch := range channels {
		byLogin[ch.Login] = ch
		workerSpecs = append(workerSpecs, workerSpecFor(resolvedWorkerPath, env, ch))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.StartAll(ctx, &monitorSpec, &hubSpec, workerSpecs); err != nil {
		logger.Fatal().Err(err).Msg("start children")
	}
	go sup.RunHealthLoop(ctx)

	handler := &channelCommandHandler{sup: sup, workerPath: resolvedWorkerPath, env: env, byLogin: byLogin}
	if dir := filepath.Dir(*commandFile); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	inbox := supervisor.NewCommandInbox(*commandFile, *resultFile, cfg.SupervisorCommandTimeout, handler, cancel)
	go inbox.Run(ctx)

	logger.Info().Int("workers", len(workerSpecs)).Msg("supervisor ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("supervisor shutting down")
	sup.StopAll(context.Background())
	cancel()
}

func resolveBin(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if resolved, err := exec.LookPath(name); err == nil {
		return resolved
	}
	return name
}
