// Package model defines the fixed-schema domain types shared across the
// proxy: channels, chunks, clients, workers and the events exchanged
// between them. Every record here has a concrete Go type — no dynamic
// hash/dict access — so that a worker process and its peers agree on shape
// without a schema migration step.
package model

import (
	"encoding/json"
	"time"
)

// ChannelState is a channel's lifecycle position (spec.md §3), as published
// in the metadata KV record every worker reads to decide whether a channel
// is ready to serve clients. It is distinct from the Stream Manager's own
// connecting→active→switching→connecting/error/stopped fetch-loop state
// (spec.md §4.4), which is private to the owning worker's Manager; only
// that state machine's externally relevant projection — connecting,
// active, error, or stopped — ever reaches this enum, so "switching" never
// appears here.
type ChannelState string

const (
	ChannelInitializing      ChannelState = "initializing"
	ChannelConnecting        ChannelState = "connecting"
	ChannelWaitingForClients ChannelState = "waiting_for_clients"
	ChannelActive            ChannelState = "active"
	ChannelError             ChannelState = "error"
	ChannelStopped           ChannelState = "stopped"
)

// Channel is the metadata record stored at KV key metadata:{channel}.
type Channel struct {
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	UserAgent    string       `json:"user_agent"`
	TranscodeCmd []string     `json:"transcode_cmd,omitempty"`
	State        ChannelState `json:"state"`
	Owner        string       `json:"owner"`
	BufferIndex  uint64       `json:"buffer_index"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Chunk is one fetched burst of upstream MPEG-TS bytes, stored at KV key
// chunk:{channel}:{index} and mirrored in each worker's local ChunkBuffer.
type Chunk struct {
	ChannelID string    `json:"channel_id"`
	Index     uint64    `json:"index"`
	Data      []byte    `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Client is one connected HTTP streaming client, stored at KV key
// client:{channel}:{client_id} with a refreshing TTL.
type Client struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	WorkerID    string    `json:"worker_id"`
	Cursor      uint64    `json:"cursor"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Worker identifies one proxy process participating in ownership elections.
type Worker struct {
	ID        string    `json:"id"`
	HostName  string    `json:"host_name"`
	StartedAt time.Time `json:"started_at"`
}

// EventKind enumerates the messages carried on events:{channel}.
type EventKind string

const (
	EventStreamSwitch       EventKind = "stream_switch"
	EventStopChannel        EventKind = "stop_channel"
	EventOwnerHeartbeat     EventKind = "owner_heartbeat"
	EventClientCountChanged EventKind = "client_count_changed"
)

// Event is one message published to a channel's event topic.
type Event struct {
	Kind      EventKind       `json:"kind"`
	ChannelID string          `json:"channel_id"`
	WorkerID  string          `json:"worker_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StreamSwitchPayload is the Payload of an EventStreamSwitch event.
type StreamSwitchPayload struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientCountPayload is the Payload of an EventClientCountChanged event.
type ClientCountPayload struct {
	GlobalCount int `json:"global_count"`
}
