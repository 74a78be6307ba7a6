package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDesiredUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := DesiredSubscription{ChannelID: "100", Topic: "stream.online"}
	if err := s.UpsertDesired(ctx, d); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}
	if err := s.UpsertDesired(ctx, d); err != nil {
		t.Fatalf("UpsertDesired (again): %v", err)
	}

	got, err := s.ListDesired(ctx)
	if err != nil {
		t.Fatalf("ListDesired: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 desired row after duplicate upsert, got %d", len(got))
	}
	if got[0].Version != "1" || got[0].Transport != "websocket" {
		t.Fatalf("defaults not applied: %+v", got[0])
	}
}

func TestActiveDeleteRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := ActiveSubscription{ChannelID: "100", Topic: "stream.online", UpstreamID: "u1", Status: ActiveEnabled, Cost: 1}
	if err := s.UpsertActive(ctx, a); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}
	if err := s.DeleteActive(ctx, Key{ChannelID: "100", Topic: "stream.online"}); err != nil {
		t.Fatalf("DeleteActive: %v", err)
	}
	got, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want 0 active rows after delete, got %d", len(got))
	}
}

func TestReadSnapshotReflectsBothTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDesired(ctx, DesiredSubscription{ChannelID: "100", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}
	if err := s.UpsertActive(ctx, ActiveSubscription{ChannelID: "200", Topic: "stream.offline", UpstreamID: "u2", Status: ActiveEnabled}); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}

	snap, err := s.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.Desired) != 1 || len(snap.Active) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", snap)
	}
}

func TestHubStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetHubState(ctx, HubStateWSState); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.SetHubState(ctx, HubStateWSState, "connected"); err != nil {
		t.Fatalf("SetHubState: %v", err)
	}
	v, ok, err := s.GetHubState(ctx, HubStateWSState)
	if err != nil || !ok || v != "connected" {
		t.Fatalf("GetHubState = %q, %v, %v", v, ok, err)
	}
}

func TestWorkerRegistrationHeartbeatCreatesRowIfMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TouchHeartbeat(ctx, "chan", 123, 1000); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}
	rows, err := s.ListWorkerRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListWorkerRegistrations: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != WorkerOnline {
		t.Fatalf("unexpected registrations: %+v", rows)
	}
}

func TestPurgeOlderThanRemovesStaleTelemetryOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertTelemetry(ctx, TelemetryRecord{Channel: "c", Model: "m", Feature: "f"}); err != nil {
		t.Fatalf("InsertTelemetry: %v", err)
	}
	if err := s.InsertAudit(ctx, AuditEvent{Event: "bot_start", Channel: "c"}); err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}

	if err := s.PurgeOlderThan(ctx, 1<<62); err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}

	var telemetryCount, auditCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_llm_usage`).Scan(&telemetryCount); err != nil {
		t.Fatalf("count telemetry: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&auditCount); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if telemetryCount != 0 {
		t.Fatalf("want telemetry purged, got %d rows", telemetryCount)
	}
	if auditCount != 1 {
		t.Fatalf("want audit_log untouched by retention, got %d rows", auditCount)
	}
}
