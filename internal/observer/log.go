package observer

import (
	"fmt"

	"github.com/rs/zerolog"
)

// LogSink writes events to a zerolog logger. Packets log at debug and raw
// transfers at trace, so the default info level only shows session lifecycle.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "observer").Logger()}
}

func (s *LogSink) Observe(e Event) {
	switch e.Kind {
	case KindSessionOpen:
		s.logger.Info().
			Str("session", e.SessionID).
			Str("client", e.Client).
			Str("upstream", e.Upstream).
			Msg("session opened")

	case KindSessionClose:
		sum := e.Summary
		ev := s.logger.Info()
		if sum.Reason == ReasonUpstreamUnreachable {
			ev = s.logger.Error()
		}
		ev.Str("session", e.SessionID).
			Str("client", e.Client).
			Str("reason", sum.Reason).
			Uint64("bytes_serverbound", sum.BytesServerbound).
			Uint64("bytes_clientbound", sum.BytesClientbound).
			Uint64("packets", sum.Packets).
			Stringer("phase", sum.FinalPhase).
			Dur("duration", sum.Duration()).
			Msg("session closed")

	case KindSessionRejected:
		s.logger.Warn().
			Str("client", e.Client).
			Err(e.Err).
			Msg("connection rejected")

	case KindTransfer:
		s.logger.Trace().
			Str("session", e.SessionID).
			Stringer("direction", e.Direction).
			Int("bytes", e.Bytes).
			Msg("transfer")

	case KindPacket:
		rec := e.Record
		s.logger.Debug().
			Str("session", e.SessionID).
			Uint64("seq", e.Seq).
			Stringer("phase", rec.Phase).
			Stringer("direction", rec.Direction).
			Str("id", hexID(rec.Frame.ID)).
			Uint32("size", rec.Frame.Length).
			Str("name", rec.DisplayName()).
			Int("payload", len(rec.Frame.Payload)).
			Bool("compressed", rec.Frame.Compressed).
			Msg("packet")

	case KindPhase:
		s.logger.Debug().
			Str("session", e.SessionID).
			Stringer("direction", e.Direction).
			Stringer("from", e.From).
			Stringer("to", e.To).
			Msg("phase changed")

	case KindDecodeError:
		s.logger.Warn().
			Str("session", e.SessionID).
			Stringer("direction", e.Direction).
			Bool("fatal", e.Fatal).
			Err(e.Err).
			Msg("decode error")
	}
}

func hexID(id uint32) string {
	return fmt.Sprintf("0x%02X", id)
}
