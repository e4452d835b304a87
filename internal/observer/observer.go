// Package observer receives what the relay sees on the wire: session
// lifecycle, raw transfers, decoded packet records, phase changes and
// decode errors.
//
// Sinks are called synchronously from the relay loops and must not block.
package observer

import (
	"time"

	"github.com/mclisten-project/mclisten/internal/protocol"
)

// Kind identifies an observation event.
type Kind string

const (
	KindSessionOpen     Kind = "session_open"
	KindSessionClose    Kind = "session_close"
	KindSessionRejected Kind = "session_rejected"
	KindTransfer        Kind = "transfer"
	KindPacket          Kind = "packet"
	KindPhase           Kind = "phase"
	KindDecodeError     Kind = "decode_error"
)

// Close reasons reported in SessionSummary.Reason.
const (
	ReasonClientClosed        = "client_closed"
	ReasonUpstreamClosed      = "upstream_closed"
	ReasonUpstreamUnreachable = "upstream_unreachable"
	ReasonCanceled            = "canceled"
	ReasonError               = "error"
)

// Event is a single observation. Which fields are set depends on Kind.
type Event struct {
	Kind      Kind
	SessionID string
	Client    string
	Upstream  string
	Time      time.Time

	Direction protocol.Direction

	// KindTransfer
	Bytes int

	// KindPacket
	Seq    uint64
	Record protocol.Record

	// KindPhase
	From protocol.Phase
	To   protocol.Phase

	// KindDecodeError, KindSessionRejected
	Err   error
	Fatal bool

	// KindSessionClose
	Summary SessionSummary
}

// SessionSummary describes a finished session.
type SessionSummary struct {
	ID               string         `json:"id"`
	Client           string         `json:"client"`
	Upstream         string         `json:"upstream"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         time.Time      `json:"closed_at"`
	Reason           string         `json:"reason"`
	BytesServerbound uint64         `json:"bytes_serverbound"`
	BytesClientbound uint64         `json:"bytes_clientbound"`
	Packets          uint64         `json:"packets"`
	FinalPhase       protocol.Phase `json:"final_phase"`
}

// Duration returns how long the session was open.
func (s SessionSummary) Duration() time.Duration {
	if s.ClosedAt.IsZero() {
		return 0
	}
	return s.ClosedAt.Sub(s.OpenedAt)
}

// Sink consumes observation events.
type Sink interface {
	Observe(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Observe(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Observe(e Event) {
	for _, s := range f {
		if s != nil {
			s.Observe(e)
		}
	}
}
