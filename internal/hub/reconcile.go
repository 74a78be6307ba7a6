package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/registry"
)

// costRetryDelays is the exponential schedule §4.5.2 step 7 specifies
// verbatim: 30s → 60s → 120s → 240s → 300s cap.
var costRetryDelays = []time.Duration{
	30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second,
}

func costRetryDelay(attempt int) time.Duration {
	if attempt >= len(costRetryDelays) {
		return costRetryDelays[len(costRetryDelays)-1]
	}
	return costRetryDelays[attempt]
}

type costRetryItem struct {
	desired registry.DesiredSubscription
	attempt int
	nextAt  time.Time
}

// ReconcilerConfig bundles the §6.5 options the reconciliation loop reads.
type ReconcilerConfig struct {
	Interval             time.Duration // eventsub_reconcile_interval, default 60s
	ReqRatePerSec        float64       // eventsub_req_rate_per_s
	ReqJitterMinMs       int
	ReqJitterMaxMs       int
	MaxCostRetryAttempts int
	CostBudget           int // eventsub_cost_budget; 0 disables the local budget check
}

// assumedSubscriptionCost is charged against the local budget for a
// not-yet-created subscription, before the upstream CREATE response reports
// its real cost. Matches the cost Twitch charges most EventSub subscription
// types used by a chat bot.
const assumedSubscriptionCost = 1

// Reconciler runs the desired/active diff algorithm (§4.5.2). It is the only
// writer of active_subscriptions; it learns the current upstream session id
// from the session manager through OnSessionChange.
type Reconciler struct {
	cfg      ReconcilerConfig
	store    registry.Store
	upstream Upstream
	limiter  *reqLimiter
	logger   zerolog.Logger

	trigger chan struct{}

	mu              sync.Mutex
	sessionID       string
	retryQueue      []costRetryItem
	blockedChannels map[string]bool

	// onCredentialFailure notifies the external Credential Store that a
	// channel's token was rejected upstream (§7 "Permanent credential
	// failure"). Optional: nil when no credential collaborator is wired.
	onCredentialFailure func(ctx context.Context, channelID string)
}

func NewReconciler(cfg ReconcilerConfig, store registry.Store, upstream Upstream, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:             cfg,
		store:           store,
		upstream:        upstream,
		limiter:         newReqLimiter(cfg.ReqRatePerSec, cfg.ReqJitterMinMs, cfg.ReqJitterMaxMs),
		logger:          logger,
		trigger:         make(chan struct{}, 1),
		blockedChannels: make(map[string]bool),
	}
}

// OnCredentialFailure registers the callback the Reconciler invokes the
// first time a channel's token is rejected upstream. Optional.
func (r *Reconciler) OnCredentialFailure(fn func(ctx context.Context, channelID string)) {
	r.onCredentialFailure = fn
}

func (r *Reconciler) isBlocked(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blockedChannels[channelID]
}

// blockChannel records that channelID's credential was rejected upstream:
// the Hub stops attempting CREATE/DELETE for it until operator intervention
// re-validates the credential and the channel is unblocked out-of-band.
func (r *Reconciler) blockChannel(ctx context.Context, channelID string) {
	r.mu.Lock()
	alreadyBlocked := r.blockedChannels[channelID]
	r.blockedChannels[channelID] = true
	r.mu.Unlock()
	if alreadyBlocked {
		return
	}
	r.logger.Warn().Str("channel_id", channelID).Msg("credential rejected upstream, blocking create/delete for channel")
	r.audit(ctx, "token_needs_reauth", channelID, "upstream rejected credential")
	if r.onCredentialFailure != nil {
		r.onCredentialFailure(ctx, channelID)
	}
}

// Trigger requests an on-demand run. At most one run is ever in flight; a
// request that arrives mid-run coalesces into "one more run after this one".
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) currentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// OnSessionChange is the upstream session manager's callback. The very
// first session (prevID == "") just unblocks normal reconciliation; any
// subsequent session id change forces the recreate burst described in
// §4.5.2 "A session change forces recreation of every Active row".
func (r *Reconciler) OnSessionChange(ctx context.Context, sessionID string) {
	r.mu.Lock()
	prevID := r.sessionID
	r.sessionID = sessionID
	r.mu.Unlock()

	if err := r.store.SetHubState(ctx, registry.HubStateLastWSConnectTS, fmt.Sprintf("%d", time.Now().Unix())); err != nil {
		r.logger.Error().Err(err).Msg("reconcile: set last_ws_connect_ts failed")
	}

	if prevID == "" {
		r.Trigger()
		return
	}
	wsReconnectTotal.Inc()
	r.bumpWSReconnectCount(ctx)
	r.audit(ctx, "eventsub_ws_reconnect", "", fmt.Sprintf("new_session_id=%s", sessionID))
	// The burst outlives this callback, whose caller cancels ctx on return.
	go r.forceRecreateAll(context.WithoutCancel(ctx), sessionID)
}

// OnRevocation deletes the matching Active row immediately and schedules a
// reconcile; the row reappears in to_create on the next run (§4.5.2,
// scenario 6).
func (r *Reconciler) OnRevocation(ctx context.Context, upstreamID string) {
	actives, err := r.store.ListActive(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile: list active for revocation failed")
		return
	}
	for _, a := range actives {
		if a.UpstreamID == upstreamID {
			if err := r.store.DeleteActive(ctx, registry.Key{ChannelID: a.ChannelID, Topic: a.Topic}); err != nil {
				r.logger.Error().Err(err).Str("upstream_id", upstreamID).Msg("reconcile: delete revoked active failed")
				return
			}
			r.logger.Info().Str("channel_id", a.ChannelID).Str("topic", a.Topic).Msg("active subscription revoked")
			r.Trigger()
			return
		}
	}
}

// Bootstrap re-hydrates Active from a LIST call, satisfying P6 ("after any
// restart of the Hub, Active is re-hydrated from LIST").
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	listed, err := r.upstream.List(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap list: %w", err)
	}
	for _, l := range listed {
		status := registry.ActiveStatus(l.Status)
		if status == "" {
			status = registry.ActiveEnabled
		}
		if err := r.store.UpsertActive(ctx, registry.ActiveSubscription{
			UpstreamID: l.UpstreamID, ChannelID: l.ChannelID, Topic: l.Topic, Status: status, Cost: l.Cost,
		}); err != nil {
			return fmt.Errorf("bootstrap upsert active %s/%s: %w", l.ChannelID, l.Topic, err)
		}
	}
	return nil
}

// Run drives the ticker + on-demand trigger loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	r.processRetryQueue(ctx)

	snap, err := r.store.ReadSnapshot(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile: read snapshot failed")
		return
	}

	activeByKey := make(map[registry.Key]registry.ActiveSubscription, len(snap.Active))
	for _, a := range snap.Active {
		activeByKey[registry.Key{ChannelID: a.ChannelID, Topic: a.Topic}] = a
	}
	desiredByKey := make(map[registry.Key]registry.DesiredSubscription, len(snap.Desired))
	for _, d := range snap.Desired {
		desiredByKey[registry.Key{ChannelID: d.ChannelID, Topic: d.Topic}] = d
	}

	var toDelete []registry.ActiveSubscription
	var toCreate []registry.DesiredSubscription

	for k, a := range activeByKey {
		if _, ok := desiredByKey[k]; !ok {
			toDelete = append(toDelete, a)
		}
	}
	for k, d := range desiredByKey {
		a, ok := activeByKey[k]
		if !ok {
			toCreate = append(toCreate, d)
			continue
		}
		if a.Status.Terminal() {
			// Tie-break: recreate. DELETE first, then CREATE (§4.5.2).
			toDelete = append(toDelete, a)
			toCreate = append(toCreate, d)
		}
	}

	if err := r.store.SetHubState(ctx, registry.HubStateLastReconcileTS, fmt.Sprintf("%d", time.Now().Unix())); err != nil {
		r.logger.Error().Err(err).Msg("reconcile: set last_reconcile_ts failed")
	}

	for _, a := range toDelete {
		if r.isBlocked(a.ChannelID) {
			continue
		}
		r.deleteOne(ctx, a)
	}

	committed, err := r.committedCost(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile: committed cost lookup failed")
		committed = 0
	}
	for _, d := range toCreate {
		if r.isBlocked(d.ChannelID) {
			continue
		}
		if r.cfg.CostBudget > 0 && committed+assumedSubscriptionCost > r.cfg.CostBudget {
			eventsubCreateTotal.WithLabelValues("cost_exceeded").Inc()
			r.enqueueCostRetry(d, 0)
			continue
		}
		r.createOne(ctx, d, 0)
		committed += assumedSubscriptionCost
	}
}

// committedCost sums the cost of every row already Active, the local
// approximation of "upstream cost budget in use" referenced by I3: a CREATE
// that would knowingly push usage past CostBudget is queued for retry
// instead of being sent upstream.
func (r *Reconciler) committedCost(ctx context.Context) (int, error) {
	actives, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, a := range actives {
		total += a.Cost
	}
	return total, nil
}

func (r *Reconciler) deleteOne(ctx context.Context, a registry.ActiveSubscription) {
	if err := r.limiter.wait(ctx); err != nil {
		return
	}
	if err := r.upstream.Delete(ctx, a.UpstreamID); err != nil {
		if err == ErrCredentialInvalid {
			eventsubDeleteTotal.WithLabelValues("credential_invalid").Inc()
			r.blockChannel(ctx, a.ChannelID)
			return
		}
		eventsubDeleteTotal.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("channel_id", a.ChannelID).Str("topic", a.Topic).Msg("eventsub delete failed")
		r.audit(ctx, "eventsub_delete_failed", a.ChannelID, err.Error())
		return
	}
	eventsubDeleteTotal.WithLabelValues("ok").Inc()
	if err := r.store.DeleteActive(ctx, registry.Key{ChannelID: a.ChannelID, Topic: a.Topic}); err != nil {
		r.logger.Error().Err(err).Msg("reconcile: delete active row failed after upstream delete")
	}
}

func (r *Reconciler) createOne(ctx context.Context, d registry.DesiredSubscription, retryAttempt int) {
	if err := r.limiter.wait(ctx); err != nil {
		return
	}
	sessionID := r.currentSessionID()
	res, err := r.upstream.Create(ctx, d.Topic, d.ChannelID, sessionID, d.Version)
	if err != nil {
		if err == ErrCostExceeded {
			eventsubCreateTotal.WithLabelValues("cost_exceeded").Inc()
			r.enqueueCostRetry(d, retryAttempt)
			return
		}
		if err == ErrCredentialInvalid {
			eventsubCreateTotal.WithLabelValues("credential_invalid").Inc()
			r.blockChannel(ctx, d.ChannelID)
			return
		}
		eventsubCreateTotal.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("channel_id", d.ChannelID).Str("topic", d.Topic).Msg("eventsub create failed")
		r.audit(ctx, "eventsub_create_failed", d.ChannelID, err.Error())
		return
	}
	eventsubCreateTotal.WithLabelValues("ok").Inc()
	if err := r.store.UpsertActive(ctx, registry.ActiveSubscription{
		UpstreamID: res.UpstreamID, ChannelID: d.ChannelID, Topic: d.Topic, Status: registry.ActiveEnabled, Cost: res.Cost,
	}); err != nil {
		r.logger.Error().Err(err).Msg("reconcile: upsert active row failed after upstream create")
	}
}

func (r *Reconciler) enqueueCostRetry(d registry.DesiredSubscription, attempt int) {
	if attempt >= r.cfg.MaxCostRetryAttempts {
		r.logger.Warn().Str("channel_id", d.ChannelID).Str("topic", d.Topic).Msg("cost-retry attempts exhausted, giving up until next full reconcile")
		return
	}
	r.mu.Lock()
	r.retryQueue = append(r.retryQueue, costRetryItem{
		desired: d, attempt: attempt + 1, nextAt: time.Now().Add(costRetryDelay(attempt)),
	})
	r.mu.Unlock()
}

// processRetryQueue creates exactly the due items at the head of the queue,
// one at a time, through the same limiter (§4.5.2 step 7 "never re-enqueue
// at rate higher than the limiter").
func (r *Reconciler) processRetryQueue(ctx context.Context) {
	r.mu.Lock()
	due := make([]costRetryItem, 0, len(r.retryQueue))
	remaining := r.retryQueue[:0]
	now := time.Now()
	for _, item := range r.retryQueue {
		if !item.nextAt.After(now) {
			due = append(due, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	r.retryQueue = remaining
	r.mu.Unlock()

	committed, err := r.committedCost(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile: committed cost lookup failed")
		committed = 0
	}
	for _, item := range due {
		if r.cfg.CostBudget > 0 && committed+assumedSubscriptionCost > r.cfg.CostBudget {
			eventsubCreateTotal.WithLabelValues("cost_exceeded").Inc()
			r.enqueueCostRetry(item.desired, item.attempt)
			continue
		}
		r.createOne(ctx, item.desired, item.attempt)
		committed += assumedSubscriptionCost
	}
}

// forceRecreateAll implements the session-change recreate burst (§4.5.2,
// scenario 3): every Active row is deleted upstream-then-registry, every
// Desired row is recreated under the new session, all serialized through
// the limiter so P4 still holds during the burst.
func (r *Reconciler) forceRecreateAll(ctx context.Context, sessionID string) {
	r.logger.Info().Str("session_id", sessionID).Msg("session change: recreating all active subscriptions")

	snap, err := r.store.ReadSnapshot(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("session-change recreate: read snapshot failed")
		return
	}

	for _, a := range snap.Active {
		r.deleteOne(ctx, a)
	}

	committed := 0
	for _, d := range snap.Desired {
		if r.cfg.CostBudget > 0 && committed+assumedSubscriptionCost > r.cfg.CostBudget {
			eventsubCreateTotal.WithLabelValues("cost_exceeded").Inc()
			r.enqueueCostRetry(d, 0)
			continue
		}
		r.createOne(ctx, d, 0)
		committed += assumedSubscriptionCost
	}
}

func (r *Reconciler) bumpWSReconnectCount(ctx context.Context) {
	var n int64
	if v, ok, err := r.store.GetHubState(ctx, registry.HubStateWSReconnectCount); err == nil && ok {
		fmt.Sscanf(v, "%d", &n)
	}
	n++
	if err := r.store.SetHubState(ctx, registry.HubStateWSReconnectCount, fmt.Sprintf("%d", n)); err != nil {
		r.logger.Error().Err(err).Msg("session-change recreate: bump ws_reconnect_count failed")
	}
}

func (r *Reconciler) audit(ctx context.Context, event, channel, details string) {
	if err := r.store.InsertAudit(ctx, registry.AuditEvent{Event: event, Channel: channel, Details: details}); err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("reconcile: insert audit failed")
	}
}
