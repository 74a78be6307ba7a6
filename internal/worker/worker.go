// Package worker implements the reference Worker (C5): one process per
// tenant channel that keeps chatting regardless of Hub/Monitor reachability,
// while best-effort reporting its liveness and consuming routed events.
package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/twitchcore/bot-core/internal/ipc"
)

// ChatSession is the chat-feature collaborator this core never implements
// (spec Non-goals: "implementing chat feature logic"). The Worker only
// guarantees it keeps running even when Hub or Monitor is unreachable.
type ChatSession interface {
	// Run drives chat-equivalent functioning until ctx is cancelled. It must
	// never block on Hub or Monitor reachability.
	Run(ctx context.Context)
}

// EventHandler processes one routed EventSub event forwarded by the Hub.
type EventHandler func(topic, eventID string, payload json.RawMessage)

// Config bundles a Worker's startup parameters.
type Config struct {
	Channel   string
	ChannelID string
	Topics    []string

	HubSocketPath     string
	MonitorSocketPath string

	HeartbeatInterval time.Duration // default 30s, jittered +/-10%
	IPCOutboxSize     int
}

// Worker owns the two IPC client connections (Hub, Monitor), the heartbeat
// task, and the chat session. None of the three can block another: Hub loss
// only stops event delivery, Monitor loss only stops telemetry, and the chat
// session is never gated on either (§4.3).
type Worker struct {
	cfg    Config
	logger zerolog.Logger

	hubClient     *ipc.Client
	monitorClient *ipc.Client

	onEvent EventHandler
	chat    ChatSession

	pid int
}

func New(cfg Config, chat ChatSession, onEvent EventHandler, logger zerolog.Logger) *Worker {
	w := &Worker{cfg: cfg, logger: logger, onEvent: onEvent, chat: chat, pid: os.Getpid()}

	w.hubClient = ipc.NewClient("unix", cfg.HubSocketPath, logger, cfg.IPCOutboxSize, w.onHubConnect, w.onHubFrame)
	w.monitorClient = ipc.NewClient("unix", cfg.MonitorSocketPath, logger, cfg.IPCOutboxSize, nil, nil)
	return w
}

// Run launches the Hub client, Monitor client, heartbeat loop, and chat
// session concurrently, and blocks until ctx is cancelled. On return it has
// already sent a best-effort unregister to the Monitor.
func (w *Worker) Run(ctx context.Context) {
	// The Monitor client outlives ctx so the final unregister can still be
	// written after cancellation; it is stopped once sendUnregister returns.
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()

	go w.hubClient.Run(ctx)
	go w.monitorClient.Run(monitorCtx)
	go w.heartbeatLoop(ctx)
	if w.chat != nil {
		go w.chat.Run(ctx)
	}

	<-ctx.Done()
	w.sendUnregister()
}

// onHubConnect re-asserts desired state on every (re)connect, per the
// client's ConnectHandler contract: a reconnect must re-send hello+subscribe
// because the Hub drops a closed connection's route and only a new hello
// restores it.
func (w *Worker) onHubConnect() {
	w.hubClient.Send(ipc.NewHello(w.cfg.Channel, w.cfg.ChannelID, w.cfg.Topics))
	for _, topic := range w.cfg.Topics {
		w.hubClient.Send(ipc.NewSubscribe(w.cfg.ChannelID, topic, ""))
	}
}

func (w *Worker) onHubFrame(typ ipc.Type, raw []byte) {
	if typ != ipc.TypeEventsubEvent {
		return
	}
	var ev ipc.EventsubEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		w.logger.Warn().Err(err).Msg("worker: malformed eventsub_event frame")
		return
	}
	if w.onEvent != nil {
		w.onEvent(ev.Topic, ev.EventID, ev.Payload)
	}
}

// heartbeatLoop registers once the Monitor connection is up, then sends a
// jittered heartbeat on HeartbeatInterval (default 30s, +/-10%) until ctx is
// cancelled. Register/heartbeat sends are fire-and-forget: if the Monitor is
// unreachable the Client's bounded outbox simply drops them (§4.1, §4.3).
func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.monitorClient.Send(ipc.NewRegister(w.cfg.Channel, w.pid, map[string]bool{"chat": true}))

	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		jittered := jitter(interval, 0.10)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
			rssMB, cpuPct := w.sampleResources()
			w.monitorClient.Send(ipc.NewHeartbeat(w.cfg.Channel, w.pid, rssMB, cpuPct))
		}
	}
}

// sampleResources reads RSS and CPU percent via gopsutil. Failures are
// non-fatal: a heartbeat with nil fields is still a liveness signal.
func (w *Worker) sampleResources() (rssMB, cpuPct *float64) {
	proc, err := process.NewProcess(int32(w.pid))
	if err != nil {
		return nil, nil
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		v := float64(mem.RSS) / (1024 * 1024)
		rssMB = &v
	}
	if pct, err := proc.CPUPercent(); err == nil {
		cpuPct = &pct
	}
	return rssMB, cpuPct
}

func (w *Worker) sendUnregister() {
	w.monitorClient.Send(ipc.NewUnregister(w.cfg.Channel, w.pid))
	// best-effort: give the outbox a brief window to actually flush before
	// the process exits out from under it.
	time.Sleep(100 * time.Millisecond)
}

// ReportLLMUsage lets a chat feature (living outside this core) report token
// usage without knowing anything about IPC; it is simply dropped if the
// Monitor is unreachable, same as heartbeats.
func (w *Worker) ReportLLMUsage(model, feature string, tokensIn, tokensOut, latencyMs int, estimatedCost float64) {
	w.monitorClient.Send(ipc.NewLLMUsage(w.cfg.Channel, model, feature, tokensIn, tokensOut, latencyMs, estimatedCost))
}

func jitter(base time.Duration, frac float64) time.Duration {
	delta := float64(base) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}
