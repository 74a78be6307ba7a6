package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over modernc.org/sqlite (pure Go, no CGO),
// following whisper-darkly-sticky-dvr/store/sqlite's Open/migrate/PRAGMA
// pattern: a single writer connection avoids SQLITE_BUSY, WAL keeps readers
// unblocked during that writer's transactions.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies every migration.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS desired_subscriptions (
			channel_id TEXT NOT NULL,
			topic      TEXT NOT NULL,
			version    TEXT NOT NULL DEFAULT '1',
			transport  TEXT NOT NULL DEFAULT 'websocket',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (channel_id, topic)
		)`,
		`CREATE TABLE IF NOT EXISTS active_subscriptions (
			channel_id  TEXT NOT NULL,
			topic       TEXT NOT NULL,
			upstream_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			cost        INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (channel_id, topic)
		)`,
		`CREATE TABLE IF NOT EXISTS hub_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_registrations (
			channel        TEXT NOT NULL,
			pid            INTEGER NOT NULL,
			features       TEXT NOT NULL DEFAULT '',
			registered_at  INTEGER NOT NULL,
			last_heartbeat INTEGER NOT NULL,
			status         TEXT NOT NULL,
			PRIMARY KEY (channel, pid)
		)`,
		`CREATE TABLE IF NOT EXISTS worker_metrics (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			pid     INTEGER NOT NULL,
			ts      INTEGER NOT NULL,
			rss_mb  REAL,
			cpu_pct REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_metrics_ts ON worker_metrics(ts)`,
		`CREATE TABLE IF NOT EXISTS telemetry_llm_usage (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			ts             INTEGER NOT NULL,
			channel        TEXT NOT NULL,
			model          TEXT NOT NULL,
			feature        TEXT NOT NULL,
			tokens_in      INTEGER NOT NULL,
			tokens_out     INTEGER NOT NULL,
			latency_ms     INTEGER NOT NULL,
			estimated_cost REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_llm_usage(ts)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ts      INTEGER NOT NULL,
			event   TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ---- desired_subscriptions ----

func (s *SQLiteStore) UpsertDesired(ctx context.Context, d DesiredSubscription) error {
	if d.Version == "" {
		d.Version = "1"
	}
	if d.Transport == "" {
		d.Transport = "websocket"
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO desired_subscriptions (channel_id, topic, version, transport, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, topic) DO UPDATE SET
			version    = excluded.version,
			transport  = excluded.transport,
			updated_at = excluded.updated_at
	`, d.ChannelID, d.Topic, d.Version, d.Transport, now, now)
	return err
}

func (s *SQLiteStore) DeleteDesired(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM desired_subscriptions WHERE channel_id = ? AND topic = ?`, k.ChannelID, k.Topic)
	return err
}

func (s *SQLiteStore) ListDesired(ctx context.Context) ([]DesiredSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, topic, version, transport, created_at, updated_at
		  FROM desired_subscriptions ORDER BY channel_id, topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDesired(rows)
}

func scanDesired(rows *sql.Rows) ([]DesiredSubscription, error) {
	var out []DesiredSubscription
	for rows.Next() {
		var d DesiredSubscription
		var created, updated int64
		if err := rows.Scan(&d.ChannelID, &d.Topic, &d.Version, &d.Transport, &created, &updated); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		d.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- active_subscriptions ----

func (s *SQLiteStore) UpsertActive(ctx context.Context, a ActiveSubscription) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_subscriptions (channel_id, topic, upstream_id, status, cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, topic) DO UPDATE SET
			upstream_id = excluded.upstream_id,
			status      = excluded.status,
			cost        = excluded.cost,
			updated_at  = excluded.updated_at
	`, a.ChannelID, a.Topic, a.UpstreamID, string(a.Status), a.Cost, now, now)
	return err
}

func (s *SQLiteStore) DeleteActive(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_subscriptions WHERE channel_id = ? AND topic = ?`, k.ChannelID, k.Topic)
	return err
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]ActiveSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, topic, upstream_id, status, cost, created_at, updated_at
		  FROM active_subscriptions ORDER BY channel_id, topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActive(rows)
}

func scanActive(rows *sql.Rows) ([]ActiveSubscription, error) {
	var out []ActiveSubscription
	for rows.Next() {
		var a ActiveSubscription
		var status string
		var created, updated int64
		if err := rows.Scan(&a.ChannelID, &a.Topic, &a.UpstreamID, &status, &a.Cost, &created, &updated); err != nil {
			return nil, err
		}
		a.Status = ActiveStatus(status)
		a.CreatedAt = time.Unix(created, 0).UTC()
		a.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReadSnapshot reads both tables inside one transaction, per §4.6's
// atomicity requirement for the reconciliation diff.
func (s *SQLiteStore) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	dRows, err := tx.QueryContext(ctx, `
		SELECT channel_id, topic, version, transport, created_at, updated_at
		  FROM desired_subscriptions ORDER BY channel_id, topic`)
	if err != nil {
		return Snapshot{}, err
	}
	desired, err := scanDesired(dRows)
	dRows.Close()
	if err != nil {
		return Snapshot{}, err
	}

	aRows, err := tx.QueryContext(ctx, `
		SELECT channel_id, topic, upstream_id, status, cost, created_at, updated_at
		  FROM active_subscriptions ORDER BY channel_id, topic`)
	if err != nil {
		return Snapshot{}, err
	}
	active, err := scanActive(aRows)
	aRows.Close()
	if err != nil {
		return Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return Snapshot{Desired: desired, Active: active}, nil
}

// ---- hub_state ----

func (s *SQLiteStore) GetHubState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM hub_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetHubState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hub_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
