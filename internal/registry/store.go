package registry

import "context"

// Store is the Subscription Registry's full API (§4.6). All operations are
// atomic at the row level; ReadSnapshot observes Desired and Active within a
// single transaction so the reconciliation loop never diffs against
// interleaved writes (§5 "Shared-resource policy").
type Store interface {
	UpsertDesired(ctx context.Context, d DesiredSubscription) error
	DeleteDesired(ctx context.Context, k Key) error
	ListDesired(ctx context.Context) ([]DesiredSubscription, error)

	UpsertActive(ctx context.Context, a ActiveSubscription) error
	DeleteActive(ctx context.Context, k Key) error
	ListActive(ctx context.Context) ([]ActiveSubscription, error)

	// ReadSnapshot reads Desired and Active together within one transaction,
	// the precondition the reconciliation algorithm (§4.5.2) relies on.
	ReadSnapshot(ctx context.Context) (Snapshot, error)

	GetHubState(ctx context.Context, key string) (string, bool, error)
	SetHubState(ctx context.Context, key, value string) error

	UpsertWorkerRegistration(ctx context.Context, w WorkerRegistration) error
	TouchHeartbeat(ctx context.Context, channel string, pid int, at int64) error
	SetWorkerStatus(ctx context.Context, channel string, pid int, status WorkerStatus) error
	ListWorkerRegistrations(ctx context.Context) ([]WorkerRegistration, error)
	InsertWorkerMetric(ctx context.Context, m WorkerMetricSample) error

	InsertTelemetry(ctx context.Context, r TelemetryRecord) error
	InsertAudit(ctx context.Context, e AuditEvent) error

	// PurgeOlderThan deletes worker_metrics and telemetry_llm_usage rows
	// older than cutoffUnix, for the daily retention sweep (§4.2 Retention).
	PurgeOlderThan(ctx context.Context, cutoffUnix int64) error

	Close() error
}
