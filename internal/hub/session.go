package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/ipc"
)

// SessionConfig bundles the tunables §4.5.1 and §4.5.4 name.
type SessionConfig struct {
	URL              string
	BackoffBase      time.Duration // ws_backoff_base, default 2s
	BackoffMax       time.Duration // ws_backoff_max, default 60s
	HandshakeTimeout time.Duration // session_handshake_timeout, default 10s
}

// SessionManager owns the single logical upstream WebSocket session and
// implements the down→connecting→connected→reconnecting state machine
// (§4.5.1). At most one instance runs per Hub process (I5).
type SessionManager struct {
	cfg    SessionConfig
	logger zerolog.Logger

	onEvent         func(channelID, topic, eventID string, payload json.RawMessage)
	onRevocation    func(upstreamID string)
	onSessionChange func(sessionID string)
	onStateChange   func(state SessionState)

	backoff *ipc.Backoff
	burst   *leakyCounter

	mu        sync.Mutex
	state     SessionState
	sessionID string
}

func NewSessionManager(cfg SessionConfig, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		cfg:    cfg,
		logger: logger,
		backoff: &ipc.Backoff{
			Base: cfg.BackoffBase, Factor: 2, Cap: cfg.BackoffMax, Jitter: 0.25,
		},
		burst: newLeakyCounter(time.Second),
		state: StateDown,
	}
}

func (sm *SessionManager) State() SessionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *SessionManager) setState(s SessionState) {
	sm.mu.Lock()
	sm.state = s
	sm.mu.Unlock()
	wsStateGauge.Set(float64(s))
	if sm.onStateChange != nil {
		sm.onStateChange(s)
	}
}

// Run drives the state machine until ctx is cancelled.
func (sm *SessionManager) Run(ctx context.Context) {
	url := sm.cfg.URL
	for ctx.Err() == nil {
		sm.setState(StateConnecting)
		conn, sessionID, keepalive, err := sm.dialAndHandshake(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sm.logger.Warn().Err(err).Str("url", url).Msg("eventsub upstream connect failed")
			sm.burst.bump()
			sm.waitBackoff(ctx)
			continue
		}

		sm.backoff.Reset()
		sm.mu.Lock()
		sm.sessionID = sessionID
		sm.mu.Unlock()
		sm.setState(StateConnected)
		if sm.onSessionChange != nil {
			sm.onSessionChange(sessionID)
		}
		sm.logger.Info().Str("session_id", sessionID).Msg("eventsub upstream session connected")

		nextURL, err := sm.runSession(ctx, conn, keepalive)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sm.logger.Warn().Err(err).Msg("eventsub upstream session lost")
			sm.burst.bump()
		}
		sm.setState(StateReconnecting)
		if nextURL != "" {
			url = nextURL
		}
		sm.waitBackoff(ctx)
	}
}

// waitBackoff sleeps the next backoff interval, doubled while the leaky
// error-burst counter is above threshold (§4.5.4 "Burst of errors").
func (sm *SessionManager) waitBackoff(ctx context.Context) {
	d := sm.backoff.Next()
	if sm.burst.level() > errorBurstThreshold {
		d *= 2
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (sm *SessionManager) dialAndHandshake(ctx context.Context, url string) (net.Conn, string, time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, sm.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dialCtx, url)
	if err != nil {
		return nil, "", 0, fmt.Errorf("dial upstream: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(sm.cfg.HandshakeTimeout))
	msg, err := readUpstreamMsg(conn)
	if err != nil {
		conn.Close()
		return nil, "", 0, fmt.Errorf("read session handshake: %w", err)
	}
	if msg.Type != upstreamTypeWelcome {
		conn.Close()
		return nil, "", 0, fmt.Errorf("expected %s, got %q", upstreamTypeWelcome, msg.Type)
	}
	keepalive := time.Duration(msg.KeepaliveIntervalSec) * time.Second
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	return conn, msg.SessionID, keepalive, nil
}

// runSession reads frames until the connection errors or the keepalive
// deadline lapses. A successful overlapping reconnect swaps in the new
// session and keeps reading from it; only a failed reconnect handshake
// returns a URL, the reconnect URL to dial next.
func (sm *SessionManager) runSession(ctx context.Context, conn net.Conn, keepalive time.Duration) (string, error) {
	timeout := time.Duration(float64(keepalive) * 1.5)
	for {
		if ctx.Err() != nil {
			return "", nil
		}
		conn.SetReadDeadline(time.Now().Add(timeout))
		msg, err := readUpstreamMsg(conn)
		if err != nil {
			return "", fmt.Errorf("keepalive or read failure: %w", err)
		}

		switch msg.Type {
		case upstreamTypeKeepalive:
			// deadline already refreshed on next loop iteration

		case upstreamTypeNotification:
			if sm.onEvent != nil {
				sm.onEvent(msg.ChannelID, msg.Topic, msg.EventID, msg.Payload)
			}

		case upstreamTypeRevocation:
			if sm.onRevocation != nil {
				sm.onRevocation(msg.UpstreamID)
			}

		case upstreamTypeReconnect:
			// Overlapping handoff: open and confirm the new session before
			// touching the old one (§4.5.1, §4.5.4 fallback on timeout).
			newConn, newSessionID, newKeepalive, err := sm.dialAndHandshake(ctx, msg.NewURL)
			if err != nil {
				sm.logger.Warn().Err(err).Str("new_url", msg.NewURL).Msg("reconnect handshake failed, falling back to full reconnect")
				return msg.NewURL, fmt.Errorf("reconnect handshake: %w", err)
			}
			sm.mu.Lock()
			sm.sessionID = newSessionID
			sm.mu.Unlock()
			if sm.onSessionChange != nil {
				sm.onSessionChange(newSessionID)
			}
			oldConn := conn
			conn = newConn
			keepalive = newKeepalive
			timeout = time.Duration(float64(keepalive) * 1.5)
			oldConn.Close()
			sm.logger.Info().Str("session_id", newSessionID).Msg("eventsub upstream session migrated (reconnect directive)")

		default:
			sm.logger.Debug().Str("type", msg.Type).Msg("unknown upstream message type, ignoring")
		}
	}
}

// readUpstreamMsg reads one text frame. wsutil.ReadServerText answers
// control frames (ping/close) per the client-side default policy, so the
// read loop only ever sees data frames here.
func readUpstreamMsg(conn net.Conn) (upstreamMsg, error) {
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return upstreamMsg{}, err
	}
	var msg upstreamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return upstreamMsg{}, fmt.Errorf("decode upstream frame: %w", err)
	}
	return msg, nil
}

// errorBurstThreshold is the leaky-counter level at which reconnect backoff
// doubles (§4.5.4).
const errorBurstThreshold = 5

// leakyCounter implements the "increment on error, decay 1/s" counter used
// to detect error bursts without keeping an unbounded history.
type leakyCounter struct {
	mu       sync.Mutex
	value    float64
	lastTick time.Time
	decay    time.Duration
}

func newLeakyCounter(decay time.Duration) *leakyCounter {
	return &leakyCounter{lastTick: time.Now(), decay: decay}
}

func (c *leakyCounter) bump() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	c.value++
}

func (c *leakyCounter) level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	return c.value
}

func (c *leakyCounter) drain() {
	now := time.Now()
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	leak := elapsed.Seconds() * (1.0 / c.decay.Seconds())
	c.value -= leak
	if c.value < 0 {
		c.value = 0
	}
}
