package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/registry"
)

// StaleSweeper periodically flips any WorkerRegistration whose last
// heartbeat has aged past staleTimeout to "stale" (§4.2, I4). Flipping is
// idempotent: re-running against an already-stale row is a no-op write.
type StaleSweeper struct {
	store        registry.Store
	logger       zerolog.Logger
	interval     time.Duration
	staleTimeout time.Duration
}

func NewStaleSweeper(store registry.Store, logger zerolog.Logger, interval, staleTimeout time.Duration) *StaleSweeper {
	return &StaleSweeper{store: store, logger: logger, interval: interval, staleTimeout: staleTimeout}
}

func (sw *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *StaleSweeper) sweepOnce(ctx context.Context) {
	regs, err := sw.store.ListWorkerRegistrations(ctx)
	if err != nil {
		sw.logger.Error().Err(err).Msg("stale sweep: list registrations failed")
		return
	}

	cutoff := time.Now().Add(-sw.staleTimeout)
	for _, r := range regs {
		if r.Status == registry.WorkerOffline {
			continue
		}
		if r.LastHeartbeat.Before(cutoff) && r.Status != registry.WorkerStale {
			if err := sw.store.SetWorkerStatus(ctx, r.Channel, r.PID, registry.WorkerStale); err != nil {
				sw.logger.Error().Err(err).Str("channel", r.Channel).Int("pid", r.PID).Msg("stale sweep: flip failed")
				continue
			}
			staleSweepFlippedTotal.Inc()
		}
	}
}
