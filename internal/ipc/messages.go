package ipc

import "encoding/json"

// Type is the discriminator tag every IPC frame carries (§6.1 / §9 "Dynamic
// typing of IPC messages → discriminated union keyed by type").
type Type string

const (
	TypeHello         Type = "hello"
	TypeSubscribe     Type = "subscribe"
	TypeUnsubscribe   Type = "unsubscribe"
	TypeEventsubEvent Type = "eventsub_event"
	TypePing          Type = "ping"

	TypeRegister   Type = "register"
	TypeHeartbeat  Type = "heartbeat"
	TypeUnregister Type = "unregister"
	TypeLLMUsage   Type = "llm_usage"
)

// Envelope is the outer shape every frame shares: a required "type" field
// plus whatever payload that type defines. Unknown fields are ignored by
// json.Unmarshal already (forward-compat, per §6.1); unknown types are
// surfaced to the caller as Type and handled explicitly (logged + dropped).
type Envelope struct {
	Type Type `json:"type"`
}

// Hello is sent Worker → Hub once per connection.
type Hello struct {
	Type      Type     `json:"type"`
	Channel   string   `json:"channel"`
	ChannelID string   `json:"channel_id"`
	Topics    []string `json:"topics"`
}

func NewHello(channel, channelID string, topics []string) Hello {
	return Hello{Type: TypeHello, Channel: channel, ChannelID: channelID, Topics: topics}
}

// Subscribe / Unsubscribe are sent Worker → Hub for one topic at a time.
type Subscribe struct {
	Type      Type   `json:"type"`
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
	Version   string `json:"version,omitempty"`
}

func NewSubscribe(channelID, topic, version string) Subscribe {
	return Subscribe{Type: TypeSubscribe, ChannelID: channelID, Topic: topic, Version: version}
}

type Unsubscribe struct {
	Type      Type   `json:"type"`
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
}

func NewUnsubscribe(channelID, topic string) Unsubscribe {
	return Unsubscribe{Type: TypeUnsubscribe, ChannelID: channelID, Topic: topic}
}

// EventsubEvent is forwarded Hub → Worker, carrying the upstream payload
// verbatim (§4.5.1: "forwards the frame verbatim").
type EventsubEvent struct {
	Type      Type            `json:"type"`
	ChannelID string          `json:"channel_id"`
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEventsubEvent(channelID, topic, eventID string, payload json.RawMessage) EventsubEvent {
	return EventsubEvent{Type: TypeEventsubEvent, ChannelID: channelID, Topic: topic, EventID: eventID, Payload: payload}
}

// Register / Heartbeat / Unregister / LLMUsage are sent Worker → Monitor.
type Register struct {
	Type     Type            `json:"type"`
	Channel  string          `json:"channel"`
	PID      int             `json:"pid"`
	Features map[string]bool `json:"features"`
}

func NewRegister(channel string, pid int, features map[string]bool) Register {
	return Register{Type: TypeRegister, Channel: channel, PID: pid, Features: features}
}

type Heartbeat struct {
	Type    Type     `json:"type"`
	Channel string   `json:"channel"`
	PID     int      `json:"pid"`
	RSSMB   *float64 `json:"rss_mb,omitempty"`
	CPUPct  *float64 `json:"cpu_pct,omitempty"`
}

func NewHeartbeat(channel string, pid int, rssMB, cpuPct *float64) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, Channel: channel, PID: pid, RSSMB: rssMB, CPUPct: cpuPct}
}

type Unregister struct {
	Type    Type   `json:"type"`
	Channel string `json:"channel"`
	PID     int    `json:"pid"`
}

func NewUnregister(channel string, pid int) Unregister {
	return Unregister{Type: TypeUnregister, Channel: channel, PID: pid}
}

type LLMUsage struct {
	Type          Type    `json:"type"`
	Channel       string  `json:"channel"`
	Model         string  `json:"model"`
	Feature       string  `json:"feature"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	LatencyMs     int     `json:"latency_ms"`
	EstimatedCost float64 `json:"estimated_cost"`
}

func NewLLMUsage(channel, model, feature string, tokensIn, tokensOut, latencyMs int, estimatedCost float64) LLMUsage {
	return LLMUsage{
		Type: TypeLLMUsage, Channel: channel, Model: model, Feature: feature,
		TokensIn: tokensIn, TokensOut: tokensOut, LatencyMs: latencyMs, EstimatedCost: estimatedCost,
	}
}
