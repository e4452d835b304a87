// Package events defines the event types carried by the mclisten event bus.
// Payloads use plain values so subscribers (telemetry, capture storage) do
// not depend on the relay internals.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened   EventType = "session_opened"
	EventSessionClosed   EventType = "session_closed"
	EventSessionRejected EventType = "session_rejected"

	// Stream observation
	EventPacket       EventType = "packet"
	EventPhaseChanged EventType = "phase_changed"
	EventDecodeError  EventType = "decode_error"

	// Health
	EventUpstreamHealth EventType = "upstream_health"
	EventDiskAlert      EventType = "disk_alert"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a session opening or closing.
type SessionPayload struct {
	SessionID string    `json:"session_id"`
	Client    string    `json:"client"`
	Upstream  string    `json:"upstream"`
	OpenedAt  time.Time `json:"opened_at"`

	// Set on close only
	ClosedAt         time.Time `json:"closed_at,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	BytesServerbound uint64    `json:"bytes_serverbound"`
	BytesClientbound uint64    `json:"bytes_clientbound"`
	Packets          uint64    `json:"packets"`
	FinalPhase       string    `json:"final_phase,omitempty"`
}

// RejectedPayload describes a connection refused by the listener.
type RejectedPayload struct {
	Client string `json:"client"`
	Reason string `json:"reason"`
}

// PacketPayload describes one decoded packet.
type PacketPayload struct {
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	Direction  string    `json:"direction"`
	Phase      string    `json:"phase"`
	PacketID   uint32    `json:"packet_id"`
	Name       string    `json:"name,omitempty"`
	Length     uint32    `json:"length"`
	PayloadLen int       `json:"payload_len"`
	Compressed bool      `json:"compressed,omitempty"`
	Payload    []byte    `json:"-"`
	Time       time.Time `json:"time"`
}

// PhasePayload describes a phase transition on one direction.
type PhasePayload struct {
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Time      time.Time `json:"time"`
}

// DecodeErrorPayload describes an observation failure.
type DecodeErrorPayload struct {
	SessionID string `json:"session_id"`
	Direction string `json:"direction"`
	Error     string `json:"error"`
	Fatal     bool   `json:"fatal"` // the direction stopped decoding
}

// UpstreamHealthPayload is the outcome of one status ping against the
// upstream server.
type UpstreamHealthPayload struct {
	Upstream      string    `json:"upstream"`
	Reachable     bool      `json:"reachable"`
	LatencyMS     int64     `json:"latency_ms"`
	VersionName   string    `json:"version_name,omitempty"`
	Protocol      int       `json:"protocol,omitempty"`
	PlayersOnline int       `json:"players_online"`
	PlayersMax    int       `json:"players_max"`
	MOTD          string    `json:"motd,omitempty"`
	Error         string    `json:"error,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// DiskAlertPayload reports the capture volume crossing a usage threshold.
type DiskAlertPayload struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	FreeMB      uint64  `json:"free_mb"`
	Level       string  `json:"level"`
}
