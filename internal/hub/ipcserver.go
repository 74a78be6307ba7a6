package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/ipc"
	"github.com/twitchcore/bot-core/internal/registry"
)

// ipcHandler implements ipc.Handler for the Hub's Worker-facing socket
// (§4.5.3). Per frame it only upserts/removes registry rows (and, for hello,
// the route entry) and maybe Trigger()s a reconcile — never upstream I/O inline.
type ipcHandler struct {
	store  registry.Store
	routes *routeTable
	recon  *Reconciler
	logger zerolog.Logger
}

func newIPCHandler(store registry.Store, routes *routeTable, recon *Reconciler, logger zerolog.Logger) *ipcHandler {
	return &ipcHandler{store: store, routes: routes, recon: recon, logger: logger}
}

func (h *ipcHandler) OnFrame(conn *ipc.Conn, typ ipc.Type, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch typ {
	case ipc.TypeHello:
		var m ipc.Hello
		if err := json.Unmarshal(raw, &m); err != nil || m.ChannelID == "" {
			h.logger.Warn().Err(err).Msg("hub: malformed hello frame")
			return
		}
		h.routes.upsert(m.ChannelID, conn)
		for _, topic := range m.Topics {
			if err := h.store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: m.ChannelID, Topic: topic}); err != nil {
				h.logger.Error().Err(err).Str("channel_id", m.ChannelID).Str("topic", topic).Msg("hub: upsert desired (hello) failed")
			}
		}
		h.recon.Trigger()

	case ipc.TypeSubscribe:
		var m ipc.Subscribe
		if err := json.Unmarshal(raw, &m); err != nil || m.ChannelID == "" || m.Topic == "" {
			h.logger.Warn().Err(err).Msg("hub: malformed subscribe frame")
			return
		}
		if err := h.store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: m.ChannelID, Topic: m.Topic, Version: m.Version}); err != nil {
			h.logger.Error().Err(err).Msg("hub: upsert desired (subscribe) failed")
			return
		}
		h.recon.Trigger()

	case ipc.TypeUnsubscribe:
		var m ipc.Unsubscribe
		if err := json.Unmarshal(raw, &m); err != nil || m.ChannelID == "" || m.Topic == "" {
			h.logger.Warn().Err(err).Msg("hub: malformed unsubscribe frame")
			return
		}
		if err := h.store.DeleteDesired(ctx, registry.Key{ChannelID: m.ChannelID, Topic: m.Topic}); err != nil {
			h.logger.Error().Err(err).Msg("hub: delete desired (unsubscribe) failed")
			return
		}
		h.recon.Trigger()

	case ipc.TypePing:
		// ignored, per §4.5.3

	default:
		h.logger.Debug().Str("type", string(typ)).Msg("hub: unknown ipc frame type, dropping")
	}
}

func (h *ipcHandler) OnClose(conn *ipc.Conn) {
	h.routes.removeConn(conn)
}
