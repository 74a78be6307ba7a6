package hub

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/registry"
)

type fakeUpstream struct {
	mu          sync.Mutex
	createCalls []string // "channelID/topic"
	deleteCalls []string
	failCreate  map[string]error // key "channelID/topic" -> error to return once
	listResult  []ListedSubscription
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{failCreate: make(map[string]error)}
}

func (f *fakeUpstream) Create(ctx context.Context, topic, channelID, sessionID, version string) (CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelID + "/" + topic
	f.createCalls = append(f.createCalls, key)
	if err, ok := f.failCreate[key]; ok {
		delete(f.failCreate, key)
		return CreateResult{}, err
	}
	return CreateResult{UpstreamID: "u-" + key, Status: "enabled", Cost: 1}, nil
}

func (f *fakeUpstream) Delete(ctx context.Context, upstreamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, upstreamID)
	return nil
}

func (f *fakeUpstream) List(ctx context.Context) ([]ListedSubscription, error) {
	return f.listResult, nil
}

func newTestReconciler(t *testing.T, up Upstream) (*Reconciler, registry.Store) {
	return newTestReconcilerWithBudget(t, up, 0)
}

func newTestReconcilerWithBudget(t *testing.T, up Upstream, budget int) (*Reconciler, registry.Store) {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := NewReconciler(ReconcilerConfig{
		Interval: time.Hour, ReqRatePerSec: 1000, ReqJitterMinMs: 0, ReqJitterMaxMs: 1, MaxCostRetryAttempts: 3,
		CostBudget: budget,
	}, store, up, zerolog.Nop())
	return r, store
}

func TestReconcileCreatesOnlyMissingDesired(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	r, store := newTestReconciler(t, up)

	for _, ch := range []string{"100", "200"} {
		if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: ch, Topic: "stream.online"}); err != nil {
			t.Fatalf("UpsertDesired: %v", err)
		}
	}

	r.runOnce(ctx)

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("want 2 active rows, got %d", len(active))
	}
	if len(up.createCalls) != 2 {
		t.Fatalf("want 2 create calls, got %d: %v", len(up.createCalls), up.createCalls)
	}
}

func TestReconcileDeletesUnwantedActive(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	r, store := newTestReconciler(t, up)

	if err := store.UpsertActive(ctx, registry.ActiveSubscription{
		ChannelID: "100", Topic: "stream.online", UpstreamID: "u1", Status: registry.ActiveEnabled,
	}); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}

	r.runOnce(ctx)

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("want 0 active rows after delete, got %d", len(active))
	}
	if len(up.deleteCalls) != 1 || up.deleteCalls[0] != "u1" {
		t.Fatalf("want one delete of u1, got %v", up.deleteCalls)
	}
}

func TestReconcileTieBreaksTerminalActiveByRecreating(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	r, store := newTestReconciler(t, up)

	if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: "100", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}
	if err := store.UpsertActive(ctx, registry.ActiveSubscription{
		ChannelID: "100", Topic: "stream.online", UpstreamID: "stale-u", Status: registry.ActiveFailed,
	}); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}

	r.runOnce(ctx)

	if len(up.deleteCalls) != 1 || up.deleteCalls[0] != "stale-u" {
		t.Fatalf("want delete of stale-u, got %v", up.deleteCalls)
	}
	if len(up.createCalls) != 1 {
		t.Fatalf("want one recreate call, got %v", up.createCalls)
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Status != registry.ActiveEnabled {
		t.Fatalf("want one enabled active row after recreate, got %+v", active)
	}
}

func TestCostExceededEnqueuesRetryInsteadOfDropping(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	r, store := newTestReconciler(t, up)

	if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: "100", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}
	up.failCreate["100/stream.online"] = ErrCostExceeded

	r.runOnce(ctx)

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("cost-exceeded create should not produce an active row, got %+v", active)
	}

	r.mu.Lock()
	queued := len(r.retryQueue)
	r.mu.Unlock()
	if queued != 1 {
		t.Fatalf("want 1 queued cost-retry item, got %d", queued)
	}
}

// TestLocalCostBudgetSkipsUpstreamWhenExhausted covers I3: a CREATE that
// would knowingly push committed cost past the configured budget is queued
// for retry without ever reaching the upstream client.
func TestLocalCostBudgetSkipsUpstreamWhenExhausted(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	r, store := newTestReconcilerWithBudget(t, up, 2)

	if err := store.UpsertActive(ctx, registry.ActiveSubscription{
		ChannelID: "100", Topic: "stream.online", UpstreamID: "X", Status: registry.ActiveEnabled, Cost: 2,
	}); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}
	if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: "100", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}
	if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: "200", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}

	r.runOnce(ctx)

	up.mu.Lock()
	calls := len(up.createCalls)
	up.mu.Unlock()
	if calls != 0 {
		t.Fatalf("budget already exhausted by Active row, want 0 upstream create calls, got %d", calls)
	}

	r.mu.Lock()
	queued := len(r.retryQueue)
	r.mu.Unlock()
	if queued != 1 {
		t.Fatalf("want the one missing Desired row queued for cost retry, got %d", queued)
	}
}

// TestCredentialFailureBlocksChannelAndReportsUpward covers §7 "Permanent
// credential failure": a 401-flavored CREATE failure stops further
// CREATE/DELETE attempts for that channel and notifies the configured
// callback exactly once, without touching other channels.
func TestCredentialFailureBlocksChannelAndReportsUpward(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	up.failCreate["100/stream.online"] = ErrCredentialInvalid
	r, store := newTestReconciler(t, up)

	var reported []string
	var mu sync.Mutex
	r.OnCredentialFailure(func(_ context.Context, channelID string) {
		mu.Lock()
		reported = append(reported, channelID)
		mu.Unlock()
	})

	if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: "100", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}
	if err := store.UpsertDesired(ctx, registry.DesiredSubscription{ChannelID: "200", Topic: "stream.online"}); err != nil {
		t.Fatalf("UpsertDesired: %v", err)
	}

	r.runOnce(ctx)
	r.runOnce(ctx) // second run must not re-attempt the blocked channel

	up.mu.Lock()
	calls := append([]string(nil), up.createCalls...)
	up.mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("want exactly 2 create calls total across both runs (100 is never retried after being blocked), got %v", calls)
	}
	seen := map[string]bool{}
	for _, c := range calls {
		seen[c] = true
	}
	if !seen["100/stream.online"] || !seen["200/stream.online"] {
		t.Fatalf("want both channels attempted exactly once, got %v", calls)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ChannelID != "200" {
		t.Fatalf("want only channel 200 active, got %+v", active)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || reported[0] != "100" {
		t.Fatalf("want channel 100 reported exactly once, got %v", reported)
	}
}

func TestRevocationDeletesActiveAndTriggersReconcile(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream()
	r, store := newTestReconciler(t, up)

	if err := store.UpsertActive(ctx, registry.ActiveSubscription{
		ChannelID: "100", Topic: "stream.online", UpstreamID: "X", Status: registry.ActiveEnabled,
	}); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}

	r.OnRevocation(ctx, "X")

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("want revoked row removed, got %+v", active)
	}

	select {
	case <-r.trigger:
	default:
		t.Fatal("expected revocation to coalesce a reconcile trigger")
	}
}
