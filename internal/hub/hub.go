package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/ipc"
	"github.com/twitchcore/bot-core/internal/registry"
)

// Config bundles every Hub-relevant option from §6.5.
type Config struct {
	SocketPath string

	EventsubURL string

	ReconcileInterval       time.Duration
	ReqRatePerSec           float64
	ReqJitterMinMs          int
	ReqJitterMaxMs          int
	WSBackoffBase           time.Duration
	WSBackoffMax            time.Duration
	MaxCostRetryAttempts    int
	SessionHandshakeTimeout time.Duration
	CostBudget              int

	IPCSendBuffer int
}

// Hub wires the three concurrent activities described in §4.5 together: the
// upstream session manager, the reconciliation loop, and the Worker-facing
// IPC server. They communicate only through the registry and the in-memory
// route table, never by calling into each other's internals directly.
type Hub struct {
	cfg    Config
	store  registry.Store
	logger zerolog.Logger

	routes  *routeTable
	session *SessionManager
	recon   *Reconciler
	server  *ipc.Server
}

func New(cfg Config, store registry.Store, upstream Upstream, logger zerolog.Logger) *Hub {
	routes := newRouteTable()

	recon := NewReconciler(ReconcilerConfig{
		Interval:             cfg.ReconcileInterval,
		ReqRatePerSec:        cfg.ReqRatePerSec,
		ReqJitterMinMs:       cfg.ReqJitterMinMs,
		ReqJitterMaxMs:       cfg.ReqJitterMaxMs,
		MaxCostRetryAttempts: cfg.MaxCostRetryAttempts,
		CostBudget:           cfg.CostBudget,
	}, store, upstream, logger)

	h := &Hub{cfg: cfg, store: store, logger: logger, routes: routes, recon: recon}

	session := NewSessionManager(SessionConfig{
		URL:              cfg.EventsubURL,
		BackoffBase:      cfg.WSBackoffBase,
		BackoffMax:       cfg.WSBackoffMax,
		HandshakeTimeout: cfg.SessionHandshakeTimeout,
	}, logger)
	session.onEvent = h.dispatchEvent
	session.onRevocation = func(upstreamID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		recon.OnRevocation(ctx, upstreamID)
	}
	session.onSessionChange = func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		recon.OnSessionChange(ctx, sessionID)
	}
	session.onStateChange = h.persistWSState
	h.session = session

	h.server = ipc.NewServer(cfg.SocketPath, cfg.IPCSendBuffer, newIPCHandler(store, routes, recon, logger), logger)
	return h
}

// SetCredentialFailureHandler wires the reconciler's "credential rejected
// upstream" callback to the external Credential Store (C2), so a 401 from
// upstream reaches ReportRefreshFailure instead of just blocking the channel
// silently. Optional — a Hub with no credential collaborator configured
// simply keeps the channel blocked without reporting upward.
func (h *Hub) SetCredentialFailureHandler(fn func(ctx context.Context, channelID string)) {
	h.recon.OnCredentialFailure(fn)
}

// Start binds the IPC socket, re-hydrates Active from LIST, and launches
// the three concurrent activities. It returns once the socket is accepting
// connections; the upstream session and reconcile loop continue in the
// background until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.server.Start(); err != nil {
		return fmt.Errorf("hub ipc start: %w", err)
	}

	bootstrapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := h.recon.Bootstrap(bootstrapCtx); err != nil {
		h.logger.Warn().Err(err).Msg("hub: bootstrap list failed, starting with empty active set")
	}
	cancel()

	go func() {
		if err := h.server.Serve(ctx); err != nil {
			h.logger.Error().Err(err).Msg("hub ipc server exited")
		}
	}()
	go h.session.Run(ctx)
	go h.recon.Run(ctx)
	return nil
}

// dispatchEvent is the upstream session manager's onEvent callback: look up
// the owning channel's route, forward verbatim, or drop-and-count (§4.5.1).
func (h *Hub) dispatchEvent(channelID, topic, eventID string, payload json.RawMessage) {
	conn, ok := h.routes.lookup(channelID)
	if !ok {
		h.routes.dropped(channelID)
		eventsDroppedTotal.WithLabelValues(channelID).Inc()
		return
	}
	conn.Send(ipc.NewEventsubEvent(channelID, topic, eventID, payload))
	eventsRoutedTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.bumpTotalEventsRouted(ctx)
}

func (h *Hub) bumpTotalEventsRouted(ctx context.Context) {
	var n int64
	if v, ok, err := h.store.GetHubState(ctx, registry.HubStateTotalEventsRouted); err == nil && ok {
		fmt.Sscanf(v, "%d", &n)
	}
	n++
	if err := h.store.SetHubState(ctx, registry.HubStateTotalEventsRouted, fmt.Sprintf("%d", n)); err != nil {
		h.logger.Error().Err(err).Msg("hub: bump total_events_routed failed")
	}
}

func (h *Hub) persistWSState(state SessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.SetHubState(ctx, registry.HubStateWSState, state.String()); err != nil {
		h.logger.Error().Err(err).Msg("hub: persist ws_state failed")
	}
}
