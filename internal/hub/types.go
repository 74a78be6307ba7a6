// Package hub implements the EventSub Hub (C7): the single upstream
// WebSocket session, the desired/active reconciliation loop, and the IPC
// server that Workers connect to for routed events.
package hub

import "encoding/json"

// SessionState is the upstream WebSocket session's state machine (§4.5.1).
// Represented as a closed set of constants; SessionManager.setState is the
// only place the manager's current state is changed.
type SessionState int

const (
	StateDown SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// upstreamMsg is the abstracted EventSub wire envelope (§6.2): a session
// handshake on connect, periodic keepalives, notification frames, and the
// optional reconnect/revocation directives.
type upstreamMsg struct {
	Type string `json:"type"`

	// session_welcome
	SessionID            string `json:"session_id,omitempty"`
	KeepaliveIntervalSec int    `json:"keepalive_interval_sec,omitempty"`

	// notification
	EventID   string          `json:"event_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// reconnect
	NewURL string `json:"new_url,omitempty"`

	// revocation
	UpstreamID string `json:"upstream_id,omitempty"`
}

const (
	upstreamTypeWelcome      = "session_welcome"
	upstreamTypeKeepalive    = "keepalive"
	upstreamTypeNotification = "notification"
	upstreamTypeReconnect    = "reconnect"
	upstreamTypeRevocation   = "revocation"
)
