package registry

import (
	"context"
	"time"
)

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, r TelemetryRecord) error {
	ts := r.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_llm_usage (ts, channel, model, feature, tokens_in, tokens_out, latency_ms, estimated_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ts.Unix(), r.Channel, r.Model, r.Feature, r.TokensIn, r.TokensOut, r.LatencyMs, r.EstimatedCost)
	return err
}

func (s *SQLiteStore) InsertAudit(ctx context.Context, e AuditEvent) error {
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, event, channel, details) VALUES (?, ?, ?, ?)
	`, ts.Unix(), e.Event, e.Channel, e.Details)
	return err
}

// PurgeOlderThan implements the daily retention sweep (§4.2): worker_metrics
// and telemetry_llm_usage rows older than cutoffUnix are dropped. audit_log
// is intentionally excluded — operator history is not subject to
// data_retention_days.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoffUnix int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM worker_metrics WHERE ts < ?`, cutoffUnix); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_llm_usage WHERE ts < ?`, cutoffUnix)
	return err
}
