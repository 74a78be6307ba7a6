package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/registry"
)

// RetentionSweeper runs the daily purge of worker_metrics and
// telemetry_llm_usage rows older than dataRetentionDays (§4.2 Retention).
type RetentionSweeper struct {
	store      registry.Store
	logger     zerolog.Logger
	retention  time.Duration
	sweepEvery time.Duration
}

func NewRetentionSweeper(store registry.Store, logger zerolog.Logger, dataRetentionDays int) *RetentionSweeper {
	return &RetentionSweeper{
		store:      store,
		logger:     logger,
		retention:  time.Duration(dataRetentionDays) * 24 * time.Hour,
		sweepEvery: 24 * time.Hour,
	}
}

func (rs *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(rs.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.sweepOnce(ctx)
		}
	}
}

func (rs *RetentionSweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-rs.retention).Unix()
	if err := rs.store.PurgeOlderThan(ctx, cutoff); err != nil {
		rs.logger.Error().Err(err).Msg("retention sweep: purge failed")
		return
	}
	retentionPurgedTotal.Inc()
}
