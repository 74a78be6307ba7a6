package supervisor

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/registry"
)

// Config bundles the §6.5 options the Supervisor reads.
type Config struct {
	InterStartDelay     time.Duration // default 500ms
	HealthCheckInterval time.Duration // default 30s
	MaxCrashCount       int           // default 3
	RestartBackoffBase  time.Duration // default 1s
	RestartBackoffCap   time.Duration // default 60s
	StopTimeout         time.Duration // per-child graceful stop budget, default 10s

	MonitorSocketPath string
	HubSocketPath     string
}

// Supervisor owns every child process: the Monitor and Hub (if co-located)
// and one Worker per channel. It never touches IPC itself — only process
// lifecycle and the audit log.
type Supervisor struct {
	cfg    Config
	store  registry.Store
	logger zerolog.Logger

	mu       sync.Mutex
	order    []string // spawn order, for shutdown reversal
	children map[string]*child
}

func New(cfg Config, store registry.Store, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		children: make(map[string]*child),
	}
}

// StartAll implements the spawn order from §4.4: Monitor, then Hub (each
// gated on its socket accepting connections), then Workers one at a time
// with InterStartDelay between them.
func (s *Supervisor) StartAll(ctx context.Context, monitor, hub *ChildSpec, workers []ChildSpec) error {
	if monitor != nil {
		if err := s.startAndWait(ctx, *monitor, s.cfg.MonitorSocketPath, 5*time.Second); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
	}
	if hub != nil {
		if err := s.startAndWait(ctx, *hub, s.cfg.HubSocketPath, 10*time.Second); err != nil {
			return fmt.Errorf("start hub: %w", err)
		}
	}
	for i, w := range workers {
		if err := s.startChild(w); err != nil {
			return fmt.Errorf("start worker %s: %w", w.Name, err)
		}
		s.audit(ctx, "bot_start", w.Name, "")
		if i < len(workers)-1 {
			time.Sleep(s.cfg.InterStartDelay)
		}
	}
	return nil
}

func (s *Supervisor) startAndWait(ctx context.Context, spec ChildSpec, socketPath string, timeout time.Duration) error {
	if err := s.startChild(spec); err != nil {
		return err
	}
	if socketPath == "" {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		if socketAccepting(socketPath) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: socket %s not accepting connections after %s", spec.Name, socketPath, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func socketAccepting(path string) bool {
	conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *Supervisor) startChild(spec ChildSpec) error {
	c := newChild(spec)
	c.state.mu.Lock()
	err := c.start()
	c.state.mu.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.children[spec.Name] = c
	s.order = append(s.order, spec.Name)
	s.mu.Unlock()
	return nil
}

// StartChild starts a single named child outside the initial StartAll
// sequence — the command inbox's "start <channel>" path. It is a no-op error
// if a child with that name is already registered.
func (s *Supervisor) StartChild(ctx context.Context, spec ChildSpec) error {
	s.mu.Lock()
	_, exists := s.children[spec.Name]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("child %s already running", spec.Name)
	}
	return s.startChild(spec)
}

// StopChild gracefully stops and deregisters a single named child — the
// command inbox's "stop <channel>" path.
func (s *Supervisor) StopChild(ctx context.Context, name string) error {
	s.mu.Lock()
	c := s.children[name]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no such child %s", name)
	}
	if err := c.stop(ctx, s.cfg.StopTimeout); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.children, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// RestartChild stops then respawns a single named child with the given spec
// — the command inbox's "restart <channel>" path.
func (s *Supervisor) RestartChild(ctx context.Context, spec ChildSpec) error {
	s.mu.Lock()
	_, exists := s.children[spec.Name]
	s.mu.Unlock()
	if exists {
		if err := s.StopChild(ctx, spec.Name); err != nil {
			return err
		}
	}
	return s.startChild(spec)
}

// RunHealthLoop polls every HealthCheckInterval and restarts any dead,
// non-disabled child with capped exponential backoff (§4.4).
func (s *Supervisor) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		c.state.mu.Lock()
		stopping := c.state.stopping
		disabled := c.state.disabled
		c.state.mu.Unlock()
		if stopping || disabled {
			continue
		}
		if c.isAlive() {
			continue
		}
		s.handleCrash(ctx, c)
	}
}

func (s *Supervisor) handleCrash(ctx context.Context, c *child) {
	c.state.mu.Lock()
	c.state.crashCount++
	count := c.state.crashCount
	c.state.mu.Unlock()

	s.audit(ctx, "bot_crash", c.spec.Name, fmt.Sprintf("consecutive_restarts=%d", count))

	if count > s.cfg.MaxCrashCount {
		c.state.mu.Lock()
		c.state.disabled = true
		c.state.mu.Unlock()
		s.audit(ctx, "bot_disabled", c.spec.Name, "max_crash_count exceeded, awaiting operator intervention")
		s.logger.Error().Str("child", c.spec.Name).Int("crash_count", count).Msg("child disabled after exceeding max_crash_count")
		return
	}

	delay := restartBackoff(s.cfg.RestartBackoffBase, s.cfg.RestartBackoffCap, count)
	s.logger.Warn().Str("child", c.spec.Name).Dur("delay", delay).Int("crash_count", count).Msg("restarting crashed child")

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	c.state.mu.Lock()
	err := c.start()
	c.state.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str("child", c.spec.Name).Msg("restart failed")
	}
}

// restartBackoff computes min(base * 2^k, cap) for k consecutive failures
// (§4.4, P7).
func restartBackoff(base, capDelay time.Duration, k int) time.Duration {
	d := float64(base) * math.Pow(2, float64(k))
	if d > float64(capDelay) {
		return capDelay
	}
	return time.Duration(d)
}

// StopAll shuts down every child in reverse spawn order: Workers, then Hub,
// then Monitor (§4.4 Shutdown).
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		s.mu.Lock()
		c := s.children[name]
		s.mu.Unlock()
		if c == nil {
			continue
		}
		if err := c.stop(ctx, s.cfg.StopTimeout); err != nil {
			s.logger.Warn().Err(err).Str("child", name).Msg("graceful stop failed")
		}
	}
	s.audit(ctx, "supervisor.stop", "", "")
}

func (s *Supervisor) audit(ctx context.Context, event, channel, details string) {
	if err := s.store.InsertAudit(ctx, registry.AuditEvent{Event: event, Channel: channel, Details: details}); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("supervisor: insert audit failed")
	}
}
