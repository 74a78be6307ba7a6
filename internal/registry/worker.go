package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// featureSep joins a WorkerRegistration's feature set into one TEXT column;
// feature names themselves never contain commas (channel/topic/feature
// identifiers are alphanumeric-plus-dash throughout the system).
const featureSep = ","

func (s *SQLiteStore) UpsertWorkerRegistration(ctx context.Context, w WorkerRegistration) error {
	now := time.Now().Unix()
	registeredAt := now
	if !w.RegisteredAt.IsZero() {
		registeredAt = w.RegisteredAt.Unix()
	}
	lastHeartbeat := now
	if !w.LastHeartbeat.IsZero() {
		lastHeartbeat = w.LastHeartbeat.Unix()
	}
	status := w.Status
	if status == "" {
		status = WorkerOnline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_registrations (channel, pid, features, registered_at, last_heartbeat, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel, pid) DO UPDATE SET
			features       = excluded.features,
			last_heartbeat = excluded.last_heartbeat,
			status         = excluded.status
	`, w.Channel, w.PID, strings.Join(w.Features, featureSep), registeredAt, lastHeartbeat, string(status))
	return err
}

func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, channel string, pid int, at int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_registrations SET last_heartbeat = ?, status = ?
		 WHERE channel = ? AND pid = ?
	`, at, string(WorkerOnline), channel, pid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Heartbeat arrived before (or without) a register frame; create a
		// minimal registration rather than silently dropping the signal.
		return s.UpsertWorkerRegistration(ctx, WorkerRegistration{
			Channel: channel, PID: pid,
			RegisteredAt: time.Unix(at, 0), LastHeartbeat: time.Unix(at, 0),
			Status: WorkerOnline,
		})
	}
	return nil
}

func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, channel string, pid int, status WorkerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_registrations SET status = ? WHERE channel = ? AND pid = ?`,
		string(status), channel, pid)
	return err
}

func (s *SQLiteStore) ListWorkerRegistrations(ctx context.Context) ([]WorkerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, pid, features, registered_at, last_heartbeat, status
		  FROM worker_registrations ORDER BY channel, pid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerRegistration
	for rows.Next() {
		var w WorkerRegistration
		var features, status string
		var registeredAt, lastHeartbeat int64
		if err := rows.Scan(&w.Channel, &w.PID, &features, &registeredAt, &lastHeartbeat, &status); err != nil {
			return nil, err
		}
		if features != "" {
			w.Features = strings.Split(features, featureSep)
		}
		w.RegisteredAt = time.Unix(registeredAt, 0).UTC()
		w.LastHeartbeat = time.Unix(lastHeartbeat, 0).UTC()
		w.Status = WorkerStatus(status)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertWorkerMetric(ctx context.Context, m WorkerMetricSample) error {
	ts := m.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_metrics (channel, pid, ts, rss_mb, cpu_pct) VALUES (?, ?, ?, ?, ?)
	`, m.Channel, m.PID, ts.Unix(), nullFloat(m.RSSMB), nullFloat(m.CPUPct))
	return err
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
