package protocol

import (
	"fmt"
)

// SignalKind identifies what an observed packet changes about a session.
type SignalKind int

const (
	// SignalPhase asks both directions to switch to Signal.Phase.
	SignalPhase SignalKind = iota
	// SignalCompression enables compressed framing with Signal.Threshold.
	SignalCompression
	// SignalEncryption marks both streams as encrypted from here on.
	SignalEncryption
)

func (k SignalKind) String() string {
	switch k {
	case SignalPhase:
		return "phase"
	case SignalCompression:
		return "compression"
	case SignalEncryption:
		return "encryption"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// Signal is a session-wide change triggered by a single packet.
type Signal struct {
	Kind      SignalKind
	Phase     Phase
	Threshold int
}

// Trigger returns the signals raised by a frame seen in the given phase and
// direction. Most frames raise none. A malformed trigger packet returns an
// error and no signals.
func Trigger(phase Phase, dir Direction, f Frame) ([]Signal, error) {
	switch {
	case phase == PhaseHandshake && dir == Serverbound && f.ID == PktHandshake:
		next, err := handshakeNextState(f.Payload)
		if err != nil {
			return nil, err
		}
		switch next {
		case NextStateStatus:
			return []Signal{{Kind: SignalPhase, Phase: PhaseStatus}}, nil
		case NextStateLogin:
			return []Signal{{Kind: SignalPhase, Phase: PhaseLogin}}, nil
		default:
			return nil, fmt.Errorf("handshake: unknown next state %d", next)
		}

	case phase == PhaseLogin && dir == Clientbound:
		switch f.ID {
		case PktLoginSuccess:
			return []Signal{{Kind: SignalPhase, Phase: PhasePlay}}, nil
		case PktSetCompression:
			threshold, _, err := DecodeVarInt(f.Payload, 0)
			if err != nil {
				return nil, fmt.Errorf("set compression: %w", err)
			}
			return []Signal{
				{Kind: SignalPhase, Phase: PhaseLogin},
				{Kind: SignalCompression, Threshold: int(int32(threshold))},
			}, nil
		case PktEncryptionRequest, PktLoginPluginRequest:
			return []Signal{{Kind: SignalPhase, Phase: PhaseLogin}}, nil
		}

	case phase == PhaseLogin && dir == Serverbound && f.ID == PktEncryptionResponse:
		return []Signal{{Kind: SignalEncryption}}, nil
	}
	return nil, nil
}

// handshakeNextState extracts the next-state field of a Handshake payload.
func handshakeNextState(payload []byte) (uint32, error) {
	h, err := ParseHandshake(payload)
	if err != nil {
		return 0, err
	}
	return h.NextState, nil
}
