// Package protocol implements the stream framing, phase tracking and packet
// naming for the Minecraft Java Edition wire protocol (version 758, 1.18.2).
// Every frame is prefixed with a VarInt length, followed by a VarInt packet
// identifier and the packet payload.
package protocol

import (
	"fmt"
	"strings"
)

// ProtocolVersion is the protocol number the packet registry describes.
const ProtocolVersion = 758

// DefaultMaxFrameLength is the largest declared frame length accepted by a
// Reassembler unless configured otherwise (2^21 bytes).
const DefaultMaxFrameLength = 1 << 21

// Phase is a stage of protocol negotiation.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseStatus
	PhaseLogin
	PhasePlay
)

// phaseStrings maps Phase values to their lowercase representation.
var phaseStrings = map[Phase]string{
	PhaseHandshake: "handshake",
	PhaseStatus:    "status",
	PhaseLogin:     "login",
	PhasePlay:      "play",
}

// Phases lists every phase in negotiation order.
var Phases = []Phase{PhaseHandshake, PhaseStatus, PhaseLogin, PhasePlay}

// String returns the lowercase name of the phase.
func (p Phase) String() string {
	if str, ok := phaseStrings[p]; ok {
		return str
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalJSON serializes Phase as a JSON string (e.g. "login").
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// ParsePhase parses a phase name, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, str := range phaseStrings {
		if str == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol phase %q", s)
}

// Direction is the flow of a byte stream relative to the server.
type Direction int

const (
	// Serverbound is traffic from the client to the server.
	Serverbound Direction = iota
	// Clientbound is traffic from the server to the client.
	Clientbound
)

// Directions lists both directions.
var Directions = []Direction{Serverbound, Clientbound}

// String returns the lowercase name of the direction.
func (d Direction) String() string {
	switch d {
	case Serverbound:
		return "serverbound"
	case Clientbound:
		return "clientbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// MarshalJSON serializes Direction as a JSON string.
func (d Direction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Serverbound {
		return Clientbound
	}
	return Serverbound
}

// ParseDirection parses a direction name, case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serverbound", "server", "c2s":
		return Serverbound, nil
	case "clientbound", "client", "s2c":
		return Clientbound, nil
	default:
		return 0, fmt.Errorf("unknown packet direction %q", s)
	}
}

// Packet identifiers that drive phase, compression and encryption changes.
const (
	// Handshake, serverbound
	PktHandshake uint32 = 0x00

	// Status
	PktStatusRequest  uint32 = 0x00 // serverbound
	PktStatusPing     uint32 = 0x01 // serverbound
	PktStatusResponse uint32 = 0x00 // clientbound
	PktStatusPong     uint32 = 0x01 // clientbound

	// Login, clientbound
	PktLoginDisconnect    uint32 = 0x00
	PktEncryptionRequest  uint32 = 0x01
	PktLoginSuccess       uint32 = 0x02
	PktSetCompression     uint32 = 0x03
	PktLoginPluginRequest uint32 = 0x04

	// Login, serverbound
	PktLoginStart         uint32 = 0x00
	PktEncryptionResponse uint32 = 0x01
)

// Handshake next-state values.
const (
	NextStateStatus = 1
	NextStateLogin  = 2
)
