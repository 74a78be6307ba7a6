// Package monitor implements the Monitor telemetry sidecar (C4): an IPC
// server that accepts register/heartbeat/unregister/llm_usage frames from
// Workers, a periodic stale-registration sweep, and a daily retention purge.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/ipc"
	"github.com/twitchcore/bot-core/internal/registry"
)

// workItem is what the network handler hands to the single writer task. The
// handler never touches the store directly — queue-put is the only
// suspension point it is allowed, per §4.2's core design decision.
type workItem struct {
	kind registry_op
	at   time.Time

	channel  string
	pid      int
	features []string
	rssMB    *float64
	cpuPct   *float64
	usage    registry.TelemetryRecord
}

type registry_op int

const (
	opRegister registry_op = iota
	opHeartbeat
	opUnregister
	opLLMUsage
)

// Sink wires the IPC server to a bounded queue and a single writer
// goroutine, so that persistence latency (disk I/O under internal/registry)
// never backs up onto a Worker's IPC send path.
type Sink struct {
	logger zerolog.Logger
	store  registry.Store
	server *ipc.Server

	queue chan workItem
}

// NewSink builds a Monitor sink listening on sockPath. queueCap bounds the
// writer queue (§8 scenario 5 uses 1000 as the reference capacity).
func NewSink(sockPath string, connSendBuffer, queueCap int, store registry.Store, logger zerolog.Logger) *Sink {
	s := &Sink{
		logger: logger,
		store:  store,
		queue:  make(chan workItem, queueCap),
	}
	s.server = ipc.NewServer(sockPath, connSendBuffer, s, logger)
	return s
}

// Start binds the socket and launches the accept loop and writer task. It
// returns once the socket is accepting connections.
func (s *Sink) Start(ctx context.Context) error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("monitor sink start: %w", err)
	}
	go func() {
		if err := s.server.Serve(ctx); err != nil {
			s.logger.Error().Err(err).Msg("monitor ipc server exited")
		}
	}()
	go s.writerLoop(ctx)
	return nil
}

// OnFrame implements ipc.Handler. It parses, validates required fields, and
// enqueues — nothing else. Invalid frames are logged and dropped, never
// surfaced to the Worker (fire-and-forget, §4.1).
func (s *Sink) OnFrame(conn *ipc.Conn, typ ipc.Type, raw []byte) {
	framesReceivedTotal.WithLabelValues(string(typ)).Inc()

	item, ok := s.parse(typ, raw)
	if !ok {
		framesDroppedTotal.WithLabelValues(string(typ)).Inc()
		return
	}

	select {
	case s.queue <- item:
		writerQueueDepth.Set(float64(len(s.queue)))
	default:
		telemetryDroppedTotal.Inc()
	}
}

// OnClose implements ipc.Handler. The Monitor does not maintain a
// connection→channel route table (unlike the Hub): a Worker's absence is
// detected by the stale sweep against last_heartbeat, not by socket closure,
// because a Worker may reconnect to the Monitor without losing chat state.
func (s *Sink) OnClose(conn *ipc.Conn) {}

func (s *Sink) parse(typ ipc.Type, raw []byte) (workItem, bool) {
	now := time.Now()
	switch typ {
	case ipc.TypeRegister:
		var m ipc.Register
		if err := json.Unmarshal(raw, &m); err != nil || m.Channel == "" {
			s.logger.Warn().Err(err).Msg("malformed register frame")
			return workItem{}, false
		}
		features := make([]string, 0, len(m.Features))
		for f, on := range m.Features {
			if on {
				features = append(features, f)
			}
		}
		return workItem{kind: opRegister, at: now, channel: m.Channel, pid: m.PID, features: features}, true

	case ipc.TypeHeartbeat:
		var m ipc.Heartbeat
		if err := json.Unmarshal(raw, &m); err != nil || m.Channel == "" {
			s.logger.Warn().Err(err).Msg("malformed heartbeat frame")
			return workItem{}, false
		}
		return workItem{kind: opHeartbeat, at: now, channel: m.Channel, pid: m.PID, rssMB: m.RSSMB, cpuPct: m.CPUPct}, true

	case ipc.TypeUnregister:
		var m ipc.Unregister
		if err := json.Unmarshal(raw, &m); err != nil || m.Channel == "" {
			s.logger.Warn().Err(err).Msg("malformed unregister frame")
			return workItem{}, false
		}
		return workItem{kind: opUnregister, at: now, channel: m.Channel, pid: m.PID}, true

	case ipc.TypeLLMUsage:
		var m ipc.LLMUsage
		if err := json.Unmarshal(raw, &m); err != nil || m.Channel == "" || m.Model == "" {
			s.logger.Warn().Err(err).Msg("malformed llm_usage frame")
			return workItem{}, false
		}
		return workItem{kind: opLLMUsage, at: now, usage: registry.TelemetryRecord{
			TS: now, Channel: m.Channel, Model: m.Model, Feature: m.Feature,
			TokensIn: m.TokensIn, TokensOut: m.TokensOut, LatencyMs: m.LatencyMs, EstimatedCost: m.EstimatedCost,
		}}, true

	default:
		s.logger.Debug().Str("type", string(typ)).Msg("unknown ipc frame type, dropping")
		return workItem{}, false
	}
}

// writerLoop is the single task that touches the durable store on the
// Monitor's behalf. One goroutine means no locking is needed around the
// store's row-level atomicity guarantees.
func (s *Sink) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			writerQueueDepth.Set(float64(len(s.queue)))
			if err := s.apply(ctx, item); err != nil {
				s.logger.Error().Err(err).Int("kind", int(item.kind)).Msg("monitor writer: persist failed")
			}
		}
	}
}

func (s *Sink) apply(ctx context.Context, item workItem) error {
	switch item.kind {
	case opRegister:
		return s.store.UpsertWorkerRegistration(ctx, registry.WorkerRegistration{
			Channel: item.channel, PID: item.pid, Features: item.features,
			RegisteredAt: item.at, LastHeartbeat: item.at, Status: registry.WorkerOnline,
		})
	case opHeartbeat:
		if err := s.store.TouchHeartbeat(ctx, item.channel, item.pid, item.at.Unix()); err != nil {
			return err
		}
		if item.rssMB != nil || item.cpuPct != nil {
			return s.store.InsertWorkerMetric(ctx, registry.WorkerMetricSample{
				Channel: item.channel, PID: item.pid, TS: item.at, RSSMB: item.rssMB, CPUPct: item.cpuPct,
			})
		}
		return nil
	case opUnregister:
		return s.store.SetWorkerStatus(ctx, item.channel, item.pid, registry.WorkerOffline)
	case opLLMUsage:
		return s.store.InsertTelemetry(ctx, item.usage)
	default:
		return fmt.Errorf("unknown work item kind %d", item.kind)
	}
}
